package escrow

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduit-ucpi/contracts/storage"
)

// Store persists escrow instances. Get must return a copy the caller may
// mutate freely, and ErrNotFound for identifiers that were never created.
type Store interface {
	Put(*Escrow) error
	Get(id [32]byte) (*Escrow, error)
}

const instanceKeyPrefix = "escrow/instance/"

// KVStore persists escrow instances in a key-value database using a stable
// JSON codec (big.Int amounts serialised as decimal strings).
type KVStore struct {
	db storage.Database
}

func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

type storedEscrow struct {
	ID          string `json:"id"`
	Token       string `json:"token"`
	Buyer       string `json:"buyer"`
	Seller      string `json:"seller"`
	Mediator    string `json:"mediator"`
	Amount      string `json:"amount"`
	ProtocolFee string `json:"protocolFee"`
	ExpiryTime  int64  `json:"expiryTime"`
	CreatedAt   int64  `json:"createdAt"`
	Description string `json:"description"`
	State       uint8  `json:"state"`
}

func instanceKey(id [32]byte) []byte {
	return []byte(instanceKeyPrefix + hex.EncodeToString(id[:]))
}

// Put validates and persists the escrow. The stored copy is sanitised so a
// later Get always round-trips a well-formed instance.
func (s *KVStore) Put(e *Escrow) error {
	sanitized, err := Sanitize(e)
	if err != nil {
		return err
	}
	record := storedEscrow{
		ID:          hex.EncodeToString(sanitized.ID[:]),
		Token:       sanitized.Token.Hex(),
		Buyer:       sanitized.Buyer.Hex(),
		Seller:      sanitized.Seller.Hex(),
		Mediator:    sanitized.Mediator.Hex(),
		Amount:      sanitized.Amount.String(),
		ProtocolFee: sanitized.ProtocolFee.String(),
		ExpiryTime:  sanitized.ExpiryTime,
		CreatedAt:   sanitized.CreatedAt,
		Description: sanitized.Description,
		State:       uint8(sanitized.State),
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("escrow: encode instance: %w", err)
	}
	return s.db.Put(instanceKey(sanitized.ID), blob)
}

// Get loads the escrow with the given identifier.
func (s *KVStore) Get(id [32]byte) (*Escrow, error) {
	blob, err := s.db.Get(instanceKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var record storedEscrow
	if err := json.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("escrow: decode instance: %w", err)
	}
	amount, ok := new(big.Int).SetString(record.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: corrupt amount %q", record.Amount)
	}
	fee, ok := new(big.Int).SetString(record.ProtocolFee, 10)
	if !ok {
		return nil, fmt.Errorf("escrow: corrupt fee %q", record.ProtocolFee)
	}
	rawID, err := hex.DecodeString(record.ID)
	if err != nil || len(rawID) != 32 {
		return nil, fmt.Errorf("escrow: corrupt identifier %q", record.ID)
	}
	esc := &Escrow{
		Token:       common.HexToAddress(record.Token),
		Buyer:       common.HexToAddress(record.Buyer),
		Seller:      common.HexToAddress(record.Seller),
		Mediator:    common.HexToAddress(record.Mediator),
		Amount:      amount,
		ProtocolFee: fee,
		ExpiryTime:  record.ExpiryTime,
		CreatedAt:   record.CreatedAt,
		Description: record.Description,
		State:       State(record.State),
	}
	copy(esc.ID[:], rawID)
	return Sanitize(esc)
}
