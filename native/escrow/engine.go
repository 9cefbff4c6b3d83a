package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/conduit-ucpi/contracts/core/events"
)

var vaultDomain = []byte("escrow/vault")

// VaultAddress derives the account that holds an instance's escrowed funds on
// the value-transfer port. Buyers grant their deposit allowance to this
// address.
func VaultAddress(id [32]byte) common.Address {
	hash := ethcrypto.Keccak256(vaultDomain, id[:])
	return common.BytesToAddress(hash[12:])
}

// Engine executes the state machine shared by all escrow instances. Every
// state-changing operation runs under a per-instance lock, so no interleaving
// of two operations against one instance is observable; operations on
// different instances proceed independently.
//
// Operations mutate a working copy first and persist it only after the value
// transfers succeed, so a failed port call discards the whole operation
// including the state transition.
type Engine struct {
	store   Store
	tokens  TokenLookup
	emitter events.Emitter
	nowFn   func() int64

	mu    sync.Mutex
	locks map[[32]byte]*sync.Mutex
}

// NewEngine creates an engine with a no-op emitter and wall-clock time source.
func NewEngine(store Store, tokens TokenLookup) *Engine {
	return &Engine{
		store:   store,
		tokens:  tokens,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   make(map[[32]byte]*sync.Mutex),
	}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) now() int64 { return e.nowFn() }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) instanceLock(id [32]byte) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

func (e *Engine) load(id [32]byte) (*Escrow, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("escrow: engine not configured")
	}
	return e.store.Get(id)
}

func (e *Engine) port(token common.Address) (Token, error) {
	if e.tokens == nil {
		return nil, fmt.Errorf("escrow: engine not configured")
	}
	port, ok := e.tokens(token)
	if !ok {
		return nil, fmt.Errorf("%w: unknown value source %s", ErrInvalidParameter, token.Hex())
	}
	return port, nil
}

func wrapTransfer(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

// Deposit pulls the escrow amount from the buyer into the instance vault and
// immediately forwards the protocol fee to the mediator. Instances created
// with the instant-settlement sentinel (expiry 0) additionally forward the
// remainder to the seller in the same call and finish Claimed.
func (e *Engine) Deposit(id [32]byte, caller common.Address) error {
	lock := e.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.load(id)
	if err != nil {
		return err
	}
	if esc.State != StateUnfunded {
		return fmt.Errorf("%w: cannot deposit in state %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Buyer && caller != esc.Mediator {
		return fmt.Errorf("%w: deposit requires the buyer or mediator", ErrUnauthorized)
	}
	port, err := e.port(esc.Token)
	if err != nil {
		return err
	}
	vault := VaultAddress(id)
	now := e.now()

	instant := esc.ExpiryTime == 0
	if instant {
		esc.State = StateClaimed
	} else {
		esc.State = StateFunded
	}

	if err := port.TransferFrom(vault, esc.Buyer, vault, esc.Amount); err != nil {
		return wrapTransfer(err)
	}
	// The pull just credited the vault, so the follow-on transfers cannot
	// fail for lack of balance. If the port fails anyway, return what the
	// vault still holds to the buyer so a retried deposit does not pull a
	// second time on top of stranded funds.
	if esc.ProtocolFee.Sign() > 0 {
		if err := port.Transfer(vault, esc.Mediator, esc.ProtocolFee); err != nil {
			_ = port.Transfer(vault, esc.Buyer, esc.Amount)
			return wrapTransfer(err)
		}
	}
	payout := esc.Payout()
	if instant && payout.Sign() > 0 {
		if err := port.Transfer(vault, esc.Seller, payout); err != nil {
			_ = port.Transfer(vault, esc.Buyer, payout)
			return wrapTransfer(err)
		}
	}
	if err := e.store.Put(esc); err != nil {
		return err
	}

	e.emit(events.EscrowDeposited{ID: id, Buyer: esc.Buyer, Amount: new(big.Int).Set(esc.Amount), Timestamp: now})
	if esc.ProtocolFee.Sign() > 0 {
		e.emit(events.EscrowFeeCollected{ID: id, Mediator: esc.Mediator, Fee: new(big.Int).Set(esc.ProtocolFee), Timestamp: now})
	}
	if instant {
		e.emit(events.EscrowClaimed{ID: id, Recipient: esc.Seller, Amount: payout, Timestamp: now})
	}
	return nil
}

// RaiseDispute freezes the seller's claim path. Only the buyer may invoke it,
// and only while the escrow period is still running.
func (e *Engine) RaiseDispute(id [32]byte, caller common.Address) error {
	lock := e.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.load(id)
	if err != nil {
		return err
	}
	if esc.State != StateFunded {
		return fmt.Errorf("%w: cannot dispute in state %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Buyer {
		return fmt.Errorf("%w: dispute requires the buyer", ErrUnauthorized)
	}
	now := e.now()
	if esc.ExpiryTime == 0 || now >= esc.ExpiryTime {
		return fmt.Errorf("%w: dispute window closed", ErrInvalidState)
	}

	esc.State = StateDisputed
	if err := e.store.Put(esc); err != nil {
		return err
	}
	e.emit(events.EscrowDisputed{ID: id, Timestamp: now})
	return nil
}

// Claim settles an undisputed escrow in favour of the seller once the expiry
// has passed. The seller or the mediator may invoke it.
func (e *Engine) Claim(id [32]byte, caller common.Address) error {
	lock := e.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.load(id)
	if err != nil {
		return err
	}
	if esc.State != StateFunded {
		return fmt.Errorf("%w: cannot claim in state %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Seller && caller != esc.Mediator {
		return fmt.Errorf("%w: claim requires the seller or mediator", ErrUnauthorized)
	}
	now := e.now()
	if esc.ExpiryTime == 0 || now < esc.ExpiryTime {
		return fmt.Errorf("%w: escrow period not ended", ErrInvalidState)
	}
	port, err := e.port(esc.Token)
	if err != nil {
		return err
	}
	payout := esc.Payout()

	esc.State = StateClaimed
	if payout.Sign() > 0 {
		if err := port.Transfer(VaultAddress(id), esc.Seller, payout); err != nil {
			return wrapTransfer(err)
		}
	}
	if err := e.store.Put(esc); err != nil {
		return err
	}
	e.emit(events.EscrowClaimed{ID: id, Recipient: esc.Seller, Amount: payout, Timestamp: now})
	return nil
}

// ResolveDispute settles a disputed escrow according to the mediator's split.
// The two percentages must sum to exactly 100. The seller share is computed by
// subtraction from the payout so the shares always sum to it exactly, and the
// transfer targets are only ever the buyer and the seller.
func (e *Engine) ResolveDispute(id [32]byte, caller common.Address, buyerPct, sellerPct uint8) error {
	lock := e.instanceLock(id)
	lock.Lock()
	defer lock.Unlock()

	esc, err := e.load(id)
	if err != nil {
		return err
	}
	if esc.State != StateDisputed {
		return fmt.Errorf("%w: cannot resolve in state %s", ErrInvalidState, esc.State)
	}
	if caller != esc.Mediator {
		return fmt.Errorf("%w: resolution requires the mediator", ErrUnauthorized)
	}
	if int(buyerPct)+int(sellerPct) != 100 {
		return fmt.Errorf("%w: percentages must sum to 100", ErrInvalidParameter)
	}
	port, err := e.port(esc.Token)
	if err != nil {
		return err
	}
	vault := VaultAddress(id)
	now := e.now()

	payout := esc.Payout()
	buyerAmt := new(big.Int).Mul(payout, big.NewInt(int64(buyerPct)))
	buyerAmt.Div(buyerAmt, big.NewInt(100))
	sellerAmt := new(big.Int).Sub(payout, buyerAmt)

	esc.State = StateClaimed
	if buyerAmt.Sign() > 0 {
		if err := port.Transfer(vault, esc.Buyer, buyerAmt); err != nil {
			return wrapTransfer(err)
		}
	}
	if sellerAmt.Sign() > 0 {
		if err := port.Transfer(vault, esc.Seller, sellerAmt); err != nil {
			return wrapTransfer(err)
		}
	}
	if err := e.store.Put(esc); err != nil {
		return err
	}

	e.emit(events.EscrowResolved{ID: id, BuyerPct: buyerPct, SellerPct: sellerPct, Timestamp: now})
	if buyerAmt.Sign() > 0 {
		e.emit(events.EscrowClaimed{ID: id, Recipient: esc.Buyer, Amount: buyerAmt, Timestamp: now})
	}
	if sellerAmt.Sign() > 0 {
		e.emit(events.EscrowClaimed{ID: id, Recipient: esc.Seller, Amount: sellerAmt, Timestamp: now})
	}
	return nil
}

// --- Read-only queries. None of these mutate state; all return ErrNotFound
// for identifiers that were never created.

// Info returns a point-in-time snapshot of the escrow.
func (e *Engine) Info(id [32]byte) (*Snapshot, error) {
	esc, err := e.load(id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:          esc.ID,
		Token:       esc.Token,
		Buyer:       esc.Buyer,
		Seller:      esc.Seller,
		Mediator:    esc.Mediator,
		Amount:      esc.Amount,
		ProtocolFee: esc.ProtocolFee,
		ExpiryTime:  esc.ExpiryTime,
		CreatedAt:   esc.CreatedAt,
		Description: esc.Description,
		State:       esc.State,
		Now:         e.now(),
	}, nil
}

// IsExpired reports whether the escrow period has ended. Instant-settlement
// escrows (expiry 0) never report expired.
func (e *Engine) IsExpired(id [32]byte) (bool, error) {
	esc, err := e.load(id)
	if err != nil {
		return false, err
	}
	return esc.ExpiryTime != 0 && e.now() >= esc.ExpiryTime, nil
}

// CanClaim reports whether a claim would currently pass the state and time
// guards.
func (e *Engine) CanClaim(id [32]byte) (bool, error) {
	esc, err := e.load(id)
	if err != nil {
		return false, err
	}
	return esc.State == StateFunded && esc.ExpiryTime != 0 && e.now() >= esc.ExpiryTime, nil
}

// CanDispute reports whether the buyer could currently raise a dispute.
func (e *Engine) CanDispute(id [32]byte) (bool, error) {
	esc, err := e.load(id)
	if err != nil {
		return false, err
	}
	return esc.State == StateFunded && esc.ExpiryTime != 0 && e.now() < esc.ExpiryTime, nil
}

func (e *Engine) inState(id [32]byte, want State) (bool, error) {
	esc, err := e.load(id)
	if err != nil {
		return false, err
	}
	return esc.State == want, nil
}

// IsFunded reports whether the escrow currently holds the deposit.
func (e *Engine) IsFunded(id [32]byte) (bool, error) { return e.inState(id, StateFunded) }

// IsDisputed reports whether the buyer has frozen the claim path.
func (e *Engine) IsDisputed(id [32]byte) (bool, error) { return e.inState(id, StateDisputed) }

// IsClaimed reports whether the escrow has reached its terminal state.
func (e *Engine) IsClaimed(id [32]byte) (bool, error) { return e.inState(id, StateClaimed) }
