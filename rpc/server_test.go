package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/conduit-ucpi/contracts/native/bank"
	"github.com/conduit-ucpi/contracts/native/escrow"
	"github.com/conduit-ucpi/contracts/storage"
)

const testToken = "test-rpc-token"

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	buyer     = common.HexToAddress("0x0000000000000000000000000000000000000B01")
	seller    = common.HexToAddress("0x0000000000000000000000000000000000000501")
	mediator  = common.HexToAddress("0x00000000000000000000000000000000000000ED")
)

type testEnv struct {
	server *httptest.Server
	rpc    *Server
	now    *int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("ESCROWD_RPC_TOKEN", testToken)

	db := storage.NewMemDB()
	ledger := bank.NewLedger(db, tokenAddr, 6)
	registry := bank.NewRegistry()
	registry.Register(ledger)
	lookup := func(addr common.Address) (escrow.Token, bool) {
		l, ok := registry.Token(addr)
		if !ok {
			return nil, false
		}
		return l, true
	}

	store := escrow.NewKVStore(db)
	factory := escrow.NewFactory(mediator, lookup, store)
	engine := escrow.NewEngine(store, lookup)
	now := new(int64)
	*now = 1_000
	nowFn := func() int64 { return *now }
	factory.SetNowFunc(nowFn)
	engine.SetNowFunc(nowFn)

	eventLog := NewEventLog(256)
	factory.SetEmitter(eventLog)
	engine.SetEmitter(eventLog)

	srv := NewServer(factory, engine, registry, eventLog, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, rpc: srv, now: now}
}

func (env *testEnv) call(t *testing.T, authed bool, method string, params interface{}) RPCResponse {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	res, err := env.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var rpcRes RPCResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rpcRes))
	return rpcRes
}

func resultMap(t *testing.T, res RPCResponse) map[string]interface{} {
	t.Helper()
	require.Nil(t, res.Error, "unexpected rpc error: %+v", res.Error)
	out, ok := res.Result.(map[string]interface{})
	require.True(t, ok, "result is not an object: %T", res.Result)
	return out
}

func TestFullEscrowLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// Fund the buyer and let the escrow vault pull the deposit.
	res := env.call(t, true, "bank_mint", map[string]string{
		"token": tokenAddr.Hex(), "to": buyer.Hex(), "amount": "1000000",
	})
	require.Nil(t, res.Error)

	predict := resultMap(t, env.call(t, false, "escrow_predict", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": "1000000", "expiryTime": 2000, "createdAt": 1000,
	}))

	created := resultMap(t, env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": "1000000", "expiryTime": 2000, "description": "widgets",
	}))
	id := created["id"].(string)
	require.Equal(t, predict["id"], id, "predicted identity must match created identity")
	require.Equal(t, predict["vault"], created["vault"], "predicted vault must match created vault")

	// The response carries the vault address, so a remote client can grant
	// the deposit allowance without re-deriving it.
	vault := created["vault"].(string)
	require.True(t, common.IsHexAddress(vault))
	res = env.call(t, true, "bank_approve", map[string]string{
		"token": tokenAddr.Hex(), "owner": buyer.Hex(),
		"spender": vault, "amount": "1000000",
	})
	require.Nil(t, res.Error)

	deposited := resultMap(t, env.call(t, true, "escrow_deposit", map[string]string{
		"id": id, "caller": buyer.Hex(),
	}))
	require.Equal(t, "funded", deposited["state"])

	disputed := resultMap(t, env.call(t, true, "escrow_dispute", map[string]string{
		"id": id, "caller": buyer.Hex(),
	}))
	require.Equal(t, "disputed", disputed["state"])

	resolved := resultMap(t, env.call(t, true, "escrow_resolve", map[string]interface{}{
		"id": id, "caller": mediator.Hex(), "buyerPct": 60, "sellerPct": 40,
	}))
	require.Equal(t, "claimed", resolved["state"])

	buyerBal := resultMap(t, env.call(t, false, "bank_balanceOf", map[string]string{
		"token": tokenAddr.Hex(), "account": buyer.Hex(),
	}))
	require.Equal(t, "420000", buyerBal["balance"])
	sellerBal := resultMap(t, env.call(t, false, "bank_balanceOf", map[string]string{
		"token": tokenAddr.Hex(), "account": seller.Hex(),
	}))
	require.Equal(t, "280000", sellerBal["balance"])
	mediatorBal := resultMap(t, env.call(t, false, "bank_balanceOf", map[string]string{
		"token": tokenAddr.Hex(), "account": mediator.Hex(),
	}))
	require.Equal(t, "300000", mediatorBal["balance"])

	events := env.call(t, false, "escrow_listEvents", map[string]interface{}{"prefix": "escrow."})
	require.Nil(t, events.Error)
	list, ok := events.Result.([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, list)
}

func TestClaimAfterExpiry(t *testing.T) {
	env := newTestEnv(t)

	res := env.call(t, true, "bank_mint", map[string]string{
		"token": tokenAddr.Hex(), "to": buyer.Hex(), "amount": "1000000",
	})
	require.Nil(t, res.Error)

	created := resultMap(t, env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": "1000000", "expiryTime": 2000,
	}))
	id := created["id"].(string)

	res = env.call(t, true, "bank_approve", map[string]string{
		"token": tokenAddr.Hex(), "owner": buyer.Hex(),
		"spender": created["vault"].(string), "amount": "1000000",
	})
	require.Nil(t, res.Error)
	res = env.call(t, true, "escrow_deposit", map[string]string{"id": id, "caller": buyer.Hex()})
	require.Nil(t, res.Error)

	// Before expiry the claim must be refused.
	res = env.call(t, true, "escrow_claim", map[string]string{"id": id, "caller": seller.Hex()})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowConflict, res.Error.Code)

	*env.now = 2000
	claimed := resultMap(t, env.call(t, true, "escrow_claim", map[string]string{
		"id": id, "caller": seller.Hex(),
	}))
	require.Equal(t, "claimed", claimed["state"])

	sellerBal := resultMap(t, env.call(t, false, "bank_balanceOf", map[string]string{
		"token": tokenAddr.Hex(), "account": seller.Hex(),
	}))
	require.Equal(t, "700000", sellerBal["balance"])
}

func TestMutatingMethodsRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	for _, method := range []string{"escrow_create", "escrow_deposit", "escrow_dispute", "escrow_claim", "escrow_resolve", "bank_mint", "bank_approve"} {
		res := env.call(t, false, method, map[string]string{"id": "00"})
		require.NotNil(t, res.Error, "method %s accepted unauthenticated call", method)
		require.Equal(t, codeUnauthorized, res.Error.Code, "method %s", method)
	}
}

func TestReadMethodsOpen(t *testing.T) {
	env := newTestEnv(t)
	res := env.call(t, false, "escrow_get", map[string]string{
		"id": fmt.Sprintf("%064d", 0),
	})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowNotFound, res.Error.Code)
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t)
	res := env.call(t, false, "escrow_destroy", map[string]string{})
	require.NotNil(t, res.Error)
	require.Equal(t, codeMethodNotFound, res.Error.Code)
}

func TestValidationErrorsSurface(t *testing.T) {
	env := newTestEnv(t)
	res := env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": buyer.Hex(),
		"amount": "1000000", "expiryTime": 2000,
	})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowInvalidParams, res.Error.Code)

	res = env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": "200000", "expiryTime": 2000,
	})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowInvalidParams, res.Error.Code, "fee-infeasible amount")
}

func TestOversizedAmountRejectedNotPanicking(t *testing.T) {
	env := newTestEnv(t)
	// 10^100 does not fit the 256-bit identifier encoding; the open predict
	// method must answer with a validation error, not drop the connection.
	oversized := "1" + strings.Repeat("0", 100)
	res := env.call(t, false, "escrow_predict", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": oversized, "expiryTime": 2000, "createdAt": 1000,
	})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowInvalidParams, res.Error.Code)

	res = env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": oversized, "expiryTime": 2000,
	})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowInvalidParams, res.Error.Code)

	// The server must still answer subsequent requests.
	res = env.call(t, false, "escrow_listEvents", nil)
	require.Nil(t, res.Error)
}

func TestTransferFailureSurfacesAndRollsBack(t *testing.T) {
	env := newTestEnv(t)
	created := resultMap(t, env.call(t, true, "escrow_create", map[string]interface{}{
		"token": tokenAddr.Hex(), "buyer": buyer.Hex(), "seller": seller.Hex(),
		"amount": "1000000", "expiryTime": 2000,
	}))
	id := created["id"].(string)

	// No mint, no approval: the deposit pull must fail.
	res := env.call(t, true, "escrow_deposit", map[string]string{"id": id, "caller": buyer.Hex()})
	require.NotNil(t, res.Error)
	require.Equal(t, codeEscrowTransfer, res.Error.Code)

	snap := resultMap(t, env.call(t, false, "escrow_get", map[string]string{"id": id}))
	require.Equal(t, "unfunded", snap["state"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.server.Client().Get(env.server.URL + "/healthz")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, err = env.server.Client().Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRateLimitEnforced(t *testing.T) {
	env := newTestEnv(t)
	env.rpc.SetRateLimit(1)

	res := env.call(t, false, "escrow_listEvents", nil)
	require.Nil(t, res.Error)
	res = env.call(t, false, "escrow_listEvents", nil)
	require.NotNil(t, res.Error)
	require.Equal(t, codeRateLimited, res.Error.Code)
}

func TestEventLogBoundedAndFiltered(t *testing.T) {
	log := NewEventLog(2)
	log.Emit(stubEvent{typ: "escrow.created"})
	log.Emit(stubEvent{typ: "escrow.deposited"})
	log.Emit(stubEvent{typ: "escrow.claimed"})

	all := log.List("", 0)
	require.Len(t, all, 2, "capacity must bound retained events")
	require.Equal(t, "escrow.deposited", all[0].Type)
	require.Equal(t, uint64(3), all[1].Sequence)

	claimed := log.List("escrow.claimed", 0)
	require.Len(t, claimed, 1)
}

type stubEvent struct{ typ string }

func (s stubEvent) EventType() string             { return s.typ }
func (s stubEvent) Attributes() map[string]string { return map[string]string{} }
