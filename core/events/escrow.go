package events

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeEscrowCreated   = "escrow.created"
	TypeEscrowDeposited = "escrow.deposited"
	TypeEscrowFee       = "escrow.fee_collected"
	TypeEscrowDisputed  = "escrow.disputed"
	TypeEscrowResolved  = "escrow.resolved"
	TypeEscrowClaimed   = "escrow.claimed"
)

// EscrowCreated is emitted by the factory once a new instance has been
// initialised with its immutable terms.
type EscrowCreated struct {
	ID         [32]byte
	Buyer      common.Address
	Seller     common.Address
	Amount     *big.Int
	ExpiryTime int64
}

func (EscrowCreated) EventType() string { return TypeEscrowCreated }

func (e EscrowCreated) Attributes() map[string]string {
	return map[string]string{
		"id":         hex.EncodeToString(e.ID[:]),
		"buyer":      e.Buyer.Hex(),
		"seller":     e.Seller.Hex(),
		"amount":     formatAmount(e.Amount),
		"expiryTime": intToString(e.ExpiryTime),
	}
}

// EscrowDeposited records the buyer funding an instance.
type EscrowDeposited struct {
	ID        [32]byte
	Buyer     common.Address
	Amount    *big.Int
	Timestamp int64
}

func (EscrowDeposited) EventType() string { return TypeEscrowDeposited }

func (e EscrowDeposited) Attributes() map[string]string {
	return map[string]string{
		"id":        hex.EncodeToString(e.ID[:]),
		"buyer":     e.Buyer.Hex(),
		"amount":    formatAmount(e.Amount),
		"timestamp": intToString(e.Timestamp),
	}
}

// EscrowFeeCollected records the protocol fee forwarded to the mediator at
// deposit time.
type EscrowFeeCollected struct {
	ID        [32]byte
	Mediator  common.Address
	Fee       *big.Int
	Timestamp int64
}

func (EscrowFeeCollected) EventType() string { return TypeEscrowFee }

func (e EscrowFeeCollected) Attributes() map[string]string {
	return map[string]string{
		"id":        hex.EncodeToString(e.ID[:]),
		"mediator":  e.Mediator.Hex(),
		"fee":       formatAmount(e.Fee),
		"timestamp": intToString(e.Timestamp),
	}
}

// EscrowDisputed is emitted when the buyer freezes the seller's claim path.
type EscrowDisputed struct {
	ID        [32]byte
	Timestamp int64
}

func (EscrowDisputed) EventType() string { return TypeEscrowDisputed }

func (e EscrowDisputed) Attributes() map[string]string {
	return map[string]string{
		"id":        hex.EncodeToString(e.ID[:]),
		"timestamp": intToString(e.Timestamp),
	}
}

// EscrowResolved records the mediator-determined percentage split.
type EscrowResolved struct {
	ID        [32]byte
	BuyerPct  uint8
	SellerPct uint8
	Timestamp int64
}

func (EscrowResolved) EventType() string { return TypeEscrowResolved }

func (e EscrowResolved) Attributes() map[string]string {
	return map[string]string{
		"id":        hex.EncodeToString(e.ID[:]),
		"buyerPct":  strconv.FormatUint(uint64(e.BuyerPct), 10),
		"sellerPct": strconv.FormatUint(uint64(e.SellerPct), 10),
		"timestamp": intToString(e.Timestamp),
	}
}

// EscrowClaimed records a single settlement transfer. Settlements that pay
// both parties emit one event per recipient.
type EscrowClaimed struct {
	ID        [32]byte
	Recipient common.Address
	Amount    *big.Int
	Timestamp int64
}

func (EscrowClaimed) EventType() string { return TypeEscrowClaimed }

func (e EscrowClaimed) Attributes() map[string]string {
	return map[string]string{
		"id":        hex.EncodeToString(e.ID[:]),
		"recipient": e.Recipient.Hex(),
		"amount":    formatAmount(e.Amount),
		"timestamp": intToString(e.Timestamp),
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func intToString(v int64) string {
	return strconv.FormatInt(v, 10)
}
