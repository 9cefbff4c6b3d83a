package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State represents the lifecycle states of an escrow instance. Transitions are
// append-only: an instance never returns to an earlier state.
type State uint8

const (
	StateUninitialized State = iota
	StateUnfunded
	StateFunded
	StateDisputed
	StateClaimed
)

// MaxDescriptionLen bounds the free-text deal reference carried by an escrow.
const MaxDescriptionLen = 256

// MaxAmountBits bounds escrow amounts to what the 32-byte identifier encoding
// can hold.
const MaxAmountBits = 256

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool {
	return s <= StateClaimed
}

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateUnfunded:
		return "unfunded"
	case StateFunded:
		return "funded"
	case StateDisputed:
		return "disputed"
	case StateClaimed:
		return "claimed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Escrow captures the immutable terms and runtime state of a single agreement.
// The identifier is the keccak256 hash of the value source, participants,
// amount, expiry and creation timestamp, so callers can predict it before
// creation.
type Escrow struct {
	ID          [32]byte
	Token       common.Address
	Buyer       common.Address
	Seller      common.Address
	Mediator    common.Address
	Amount      *big.Int
	ProtocolFee *big.Int
	ExpiryTime  int64
	CreatedAt   int64
	Description string
	State       State
}

// Clone returns a deep copy of the escrow so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	if e.ProtocolFee != nil {
		clone.ProtocolFee = new(big.Int).Set(e.ProtocolFee)
	} else {
		clone.ProtocolFee = big.NewInt(0)
	}
	return &clone
}

// Payout returns the value distributable to buyer and seller, i.e. the
// escrowed amount less the protocol fee.
func (e *Escrow) Payout() *big.Int {
	if e == nil || e.Amount == nil {
		return big.NewInt(0)
	}
	fee := e.ProtocolFee
	if fee == nil {
		fee = big.NewInt(0)
	}
	return new(big.Int).Sub(e.Amount, fee)
}

// Sanitize validates the supplied escrow definition against the instance
// invariants and returns a cloned, normalised copy. The original value is not
// mutated.
func Sanitize(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidParameter)
	}
	clone := e.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("%w: invalid state %d", ErrInvalidParameter, clone.State)
	}
	if clone.State == StateUninitialized {
		return nil, fmt.Errorf("%w: escrow not initialized", ErrInvalidParameter)
	}
	if clone.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: value source required", ErrInvalidParameter)
	}
	if clone.Buyer == (common.Address{}) || clone.Seller == (common.Address{}) || clone.Mediator == (common.Address{}) {
		return nil, fmt.Errorf("%w: buyer, seller and mediator required", ErrInvalidParameter)
	}
	if clone.Buyer == clone.Seller {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidParameter)
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	if clone.Amount.BitLen() > MaxAmountBits {
		return nil, fmt.Errorf("%w: amount exceeds %d bits", ErrInvalidParameter, MaxAmountBits)
	}
	if clone.ProtocolFee.Sign() < 0 {
		return nil, fmt.Errorf("%w: fee must be non-negative", ErrInvalidParameter)
	}
	if clone.ProtocolFee.Cmp(clone.Amount) >= 0 {
		return nil, fmt.Errorf("%w: fee must be strictly less than amount", ErrInvalidParameter)
	}
	if clone.ExpiryTime < 0 {
		return nil, fmt.Errorf("%w: expiry must not be negative", ErrInvalidParameter)
	}
	if len(clone.Description) > MaxDescriptionLen {
		return nil, fmt.Errorf("%w: description exceeds %d bytes", ErrInvalidParameter, MaxDescriptionLen)
	}
	return clone, nil
}

// Snapshot is the read-only view of an escrow returned by the query surface.
type Snapshot struct {
	ID          [32]byte
	Token       common.Address
	Buyer       common.Address
	Seller      common.Address
	Mediator    common.Address
	Amount      *big.Int
	ProtocolFee *big.Int
	ExpiryTime  int64
	CreatedAt   int64
	Description string
	State       State
	Now         int64
}
