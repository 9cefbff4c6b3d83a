package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/conduit-ucpi/contracts/core/events"
)

// Factory gatekeeps creation of escrow instances. Only the configured mediator
// may create; every instance shares one behavior definition (the Engine), so
// the fleet is auditable as a class. The factory has no authority over an
// instance after creation.
type Factory struct {
	mediator common.Address
	tokens   TokenLookup
	store    Store
	policy   FeePolicy
	emitter  events.Emitter
	nowFn    func() int64
}

// NewFactory creates a factory owned by the given mediator. The mediator is
// explicit configuration threaded into every instance, not global state.
func NewFactory(mediator common.Address, tokens TokenLookup, store Store) *Factory {
	return &Factory{
		mediator: mediator,
		tokens:   tokens,
		store:    store,
		policy:   DefaultFeePolicy(),
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// Mediator returns the identity permitted to create instances and resolve
// disputes.
func (f *Factory) Mediator() common.Address { return f.mediator }

// SetFeePolicy overrides the protocol fee schedule.
func (f *Factory) SetFeePolicy(policy FeePolicy) { f.policy = policy }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (f *Factory) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		f.emitter = events.NoopEmitter{}
		return
	}
	f.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (f *Factory) SetNowFunc(now func() int64) {
	if now == nil {
		f.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	f.nowFn = now
}

func (f *Factory) now() int64 { return f.nowFn() }

// PredictID derives the deterministic identifier an escrow created with these
// parameters at the given timestamp will carry. It is pure: callers can verify
// "this identifier will host this exact agreement" without creating anything.
// The amount must fit in MaxAmountBits; callers validate before deriving.
func PredictID(token, buyer, seller common.Address, amount *big.Int, expiryTime, createdAt int64) [32]byte {
	var amountBuf [32]byte
	if amount != nil && amount.Sign() > 0 {
		amount.FillBytes(amountBuf[:])
	}
	var timeBuf [16]byte
	binary.BigEndian.PutUint64(timeBuf[:8], uint64(expiryTime))
	binary.BigEndian.PutUint64(timeBuf[8:], uint64(createdAt))
	return ethcrypto.Keccak256Hash(token.Bytes(), buyer.Bytes(), seller.Bytes(), amountBuf[:], timeBuf[:])
}

// CreateEscrow validates the terms, computes the protocol fee, derives the
// deterministic identifier and persists a new instance at state Unfunded.
// Terms are immutable from this point on.
func (f *Factory) CreateEscrow(caller, token, buyer, seller common.Address, amount *big.Int, expiryTime int64, description string) (*Escrow, error) {
	if f == nil || f.store == nil || f.tokens == nil {
		return nil, fmt.Errorf("escrow: factory not configured")
	}
	if caller != f.mediator {
		return nil, fmt.Errorf("%w: createEscrow requires the mediator", ErrUnauthorized)
	}
	if token == (common.Address{}) {
		return nil, fmt.Errorf("%w: value source required", ErrInvalidParameter)
	}
	if buyer == (common.Address{}) || seller == (common.Address{}) {
		return nil, fmt.Errorf("%w: buyer and seller required", ErrInvalidParameter)
	}
	if buyer == seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParameter)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	if amount.BitLen() > MaxAmountBits {
		return nil, fmt.Errorf("%w: amount exceeds %d bits", ErrInvalidParameter, MaxAmountBits)
	}
	if len(description) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidParameter, MaxDescriptionLen)
	}
	now := f.now()
	if expiryTime != 0 && expiryTime <= now {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidParameter)
	}
	port, ok := f.tokens(token)
	if !ok {
		return nil, fmt.Errorf("%w: unknown value source %s", ErrInvalidParameter, token.Hex())
	}
	fee, err := f.policy.ComputeFee(amount, port.Decimals())
	if err != nil {
		return nil, err
	}

	id := PredictID(token, buyer, seller, amount, expiryTime, now)
	if existing, err := f.store.Get(id); err == nil {
		// Identical terms created within the same second resolve to the
		// same instance; anything else, including a changed description,
		// is a collision.
		if existing.Token == token && existing.Buyer == buyer && existing.Seller == seller &&
			existing.Amount.Cmp(amount) == 0 && existing.ExpiryTime == expiryTime &&
			existing.Description == description {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: identifier already exists with different terms", ErrInvalidParameter)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	esc := &Escrow{
		ID:          id,
		Token:       token,
		Buyer:       buyer,
		Seller:      seller,
		Mediator:    f.mediator,
		Amount:      new(big.Int).Set(amount),
		ProtocolFee: fee,
		ExpiryTime:  expiryTime,
		CreatedAt:   now,
		Description: description,
		State:       StateUnfunded,
	}
	sanitized, err := Sanitize(esc)
	if err != nil {
		return nil, err
	}
	if err := f.store.Put(sanitized); err != nil {
		return nil, err
	}
	f.emitter.Emit(events.EscrowCreated{
		ID:         sanitized.ID,
		Buyer:      sanitized.Buyer,
		Seller:     sanitized.Seller,
		Amount:     new(big.Int).Set(sanitized.Amount),
		ExpiryTime: sanitized.ExpiryTime,
	})
	return sanitized.Clone(), nil
}
