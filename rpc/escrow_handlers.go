package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduit-ucpi/contracts/native/escrow"
	"github.com/conduit-ucpi/contracts/observability"
)

type escrowCreateParams struct {
	Token       string `json:"token"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Amount      string `json:"amount"`
	ExpiryTime  int64  `json:"expiryTime"`
	Description string `json:"description,omitempty"`
}

type escrowPredictParams struct {
	Token      string `json:"token"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Amount     string `json:"amount"`
	ExpiryTime int64  `json:"expiryTime"`
	CreatedAt  int64  `json:"createdAt"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowResolveParams struct {
	ID        string `json:"id"`
	Caller    string `json:"caller"`
	BuyerPct  uint8  `json:"buyerPct"`
	SellerPct uint8  `json:"sellerPct"`
}

type listEventsParams struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type escrowJSON struct {
	ID          string `json:"id"`
	Vault       string `json:"vault"`
	Token       string `json:"token"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Mediator    string `json:"mediator"`
	Amount      string `json:"amount"`
	ProtocolFee string `json:"protocolFee"`
	ExpiryTime  int64  `json:"expiryTime"`
	CreatedAt   int64  `json:"createdAt"`
	Description string `json:"description"`
	State       string `json:"state"`
	Now         int64  `json:"now,omitempty"`
}

func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("exactly one parameter object expected")
	}
	return json.Unmarshal(req.Params[0], out)
}

func parseAddr(label, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return common.Address{}, fmt.Errorf("%s required", label)
	}
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid %s %q", label, raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.BitLen() > escrow.MaxAmountBits {
		return nil, fmt.Errorf("amount exceeds %d bits", escrow.MaxAmountBits)
	}
	return amount, nil
}

func parseEscrowID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid escrow id: %w", err)
	}
	if len(decoded) != 32 {
		return id, fmt.Errorf("escrow id must be 32 bytes (got %d)", len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func snapshotJSON(snap *escrow.Snapshot) escrowJSON {
	return escrowJSON{
		ID:          hex.EncodeToString(snap.ID[:]),
		Vault:       escrow.VaultAddress(snap.ID).Hex(),
		Token:       snap.Token.Hex(),
		Buyer:       snap.Buyer.Hex(),
		Seller:      snap.Seller.Hex(),
		Mediator:    snap.Mediator.Hex(),
		Amount:      snap.Amount.String(),
		ProtocolFee: snap.ProtocolFee.String(),
		ExpiryTime:  snap.ExpiryTime,
		CreatedAt:   snap.CreatedAt,
		Description: snap.Description,
		State:       snap.State.String(),
		Now:         snap.Now,
	}
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, req *RPCRequest) {
	const method = "escrow_create"
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := parseAddr("token", params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddr("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddr("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}

	// The authenticated RPC surface is operated by the platform, so the
	// factory caller is always the configured mediator.
	esc, err := s.factory.CreateEscrow(s.factory.Mediator(), token, buyer, seller, amount, params.ExpiryTime, params.Description)
	if err != nil {
		writeEscrowError(w, req.ID, method, err)
		return
	}
	observability.Escrow().RecordRequest(method, "ok")
	writeResult(w, req.ID, map[string]string{
		"id":    hex.EncodeToString(esc.ID[:]),
		"vault": escrow.VaultAddress(esc.ID).Hex(),
	})
}

func (s *Server) handleEscrowPredict(w http.ResponseWriter, req *RPCRequest) {
	var params escrowPredictParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	token, err := parseAddr("token", params.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	buyer, err := parseAddr("buyer", params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	seller, err := parseAddr("seller", params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id := escrow.PredictID(token, buyer, seller, amount, params.ExpiryTime, params.CreatedAt)
	writeResult(w, req.ID, map[string]string{
		"id":    hex.EncodeToString(id[:]),
		"vault": escrow.VaultAddress(id).Hex(),
	})
}

func (s *Server) handleEscrowDeposit(w http.ResponseWriter, req *RPCRequest) {
	const method = "escrow_deposit"
	id, caller, ok := s.decodeActor(w, req)
	if !ok {
		return
	}
	if err := s.engine.Deposit(id, caller); err != nil {
		writeEscrowError(w, req.ID, method, err)
		return
	}
	observability.Escrow().RecordRequest(method, "ok")
	if claimed, err := s.engine.IsClaimed(id); err == nil && claimed {
		observability.Escrow().RecordSettlement()
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleEscrowDispute(w http.ResponseWriter, req *RPCRequest) {
	const method = "escrow_dispute"
	id, caller, ok := s.decodeActor(w, req)
	if !ok {
		return
	}
	if err := s.engine.RaiseDispute(id, caller); err != nil {
		writeEscrowError(w, req.ID, method, err)
		return
	}
	observability.Escrow().RecordRequest(method, "ok")
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleEscrowClaim(w http.ResponseWriter, req *RPCRequest) {
	const method = "escrow_claim"
	id, caller, ok := s.decodeActor(w, req)
	if !ok {
		return
	}
	if err := s.engine.Claim(id, caller); err != nil {
		writeEscrowError(w, req.ID, method, err)
		return
	}
	observability.Escrow().RecordRequest(method, "ok")
	observability.Escrow().RecordSettlement()
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleEscrowResolve(w http.ResponseWriter, req *RPCRequest) {
	const method = "escrow_resolve"
	var params escrowResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseAddr("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.engine.ResolveDispute(id, caller, params.BuyerPct, params.SellerPct); err != nil {
		writeEscrowError(w, req.ID, method, err)
		return
	}
	observability.Escrow().RecordRequest(method, "ok")
	observability.Escrow().RecordSettlement()
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, req *RPCRequest) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	s.writeSnapshot(w, req, id)
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, req *RPCRequest) {
	params := listEventsParams{Limit: 100}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	writeResult(w, req.ID, s.events.List(params.Prefix, params.Limit))
}

func (s *Server) decodeActor(w http.ResponseWriter, req *RPCRequest) ([32]byte, common.Address, bool) {
	var params escrowActorParams
	if err := decodeParams(req, &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, common.Address{}, false
	}
	id, err := parseEscrowID(params.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, common.Address{}, false
	}
	caller, err := parseAddr("caller", params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return [32]byte{}, common.Address{}, false
	}
	return id, caller, true
}

func (s *Server) writeSnapshot(w http.ResponseWriter, req *RPCRequest, id [32]byte) {
	snap, err := s.engine.Info(id)
	if err != nil {
		writeEscrowError(w, req.ID, "escrow_get", err)
		return
	}
	writeResult(w, req.ID, snapshotJSON(snap))
}
