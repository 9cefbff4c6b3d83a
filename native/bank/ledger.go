package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduit-ucpi/contracts/storage"
)

var (
	ErrInsufficientBalance   = errors.New("bank: insufficient balance")
	ErrInsufficientAllowance = errors.New("bank: insufficient allowance")
)

// Ledger tracks balances and spending allowances for a single fungible token.
// Every mutating call is atomic: validation happens before any balance is
// written, so an insufficient balance or allowance leaves the ledger untouched.
type Ledger struct {
	mu       sync.Mutex
	db       storage.Database
	address  common.Address
	decimals uint8
}

// NewLedger opens a token ledger identified by its contract address. Balances
// persist in the supplied key-value store under a per-token prefix.
func NewLedger(db storage.Database, address common.Address, decimals uint8) *Ledger {
	return &Ledger{db: db, address: address, decimals: decimals}
}

// Address returns the token identity this ledger tracks.
func (l *Ledger) Address() common.Address { return l.address }

// Decimals returns the smallest-unit scale of the token.
func (l *Ledger) Decimals() uint8 { return l.decimals }

func (l *Ledger) balanceKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("bank/%s/balance/%s", l.address.Hex(), addr.Hex()))
}

func (l *Ledger) allowanceKey(owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("bank/%s/allowance/%s/%s", l.address.Hex(), owner.Hex(), spender.Hex()))
}

func (l *Ledger) load(key []byte) (*big.Int, error) {
	raw, err := l.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("bank: corrupt amount for key %q", key)
	}
	return value, nil
}

func (l *Ledger) store(key []byte, value *big.Int) error {
	return l.db.Put(key, []byte(value.String()))
}

// BalanceOf returns the current balance of the given account.
func (l *Ledger) BalanceOf(addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(l.balanceKey(addr))
}

// Allowance returns how much the spender may still move on the owner's behalf.
func (l *Ledger) Allowance(owner, spender common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(l.allowanceKey(owner, spender))
}

// Approve authorises the spender to move up to amount from the owner's balance.
func (l *Ledger) Approve(owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: approve amount must be non-negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store(l.allowanceKey(owner, spender), amount)
}

// Mint credits freshly issued tokens to the given account.
func (l *Ledger) Mint(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bank: mint amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(l.balanceKey(to))
	if err != nil {
		return err
	}
	return l.store(l.balanceKey(to), new(big.Int).Add(balance, amount))
}

// Transfer moves amount from one account to another, failing with
// ErrInsufficientBalance when the source cannot cover it.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.move(from, to, amount)
}

// TransferFrom moves amount from the owner to the recipient on behalf of the
// spender, consuming the spender's allowance.
func (l *Ledger) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("bank: negative transfer amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	allowance, err := l.load(l.allowanceKey(owner, spender))
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(owner, to, amount); err != nil {
		return err
	}
	return l.store(l.allowanceKey(owner, spender), new(big.Int).Sub(allowance, amount))
}

// move assumes the lock is held and the amount is positive.
func (l *Ledger) move(from, to common.Address, amount *big.Int) error {
	fromBalance, err := l.load(l.balanceKey(from))
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.load(l.balanceKey(to))
	if err != nil {
		return err
	}
	if err := l.store(l.balanceKey(from), new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	return l.store(l.balanceKey(to), new(big.Int).Add(toBalance, amount))
}

// Registry resolves token ledgers by their contract address.
type Registry struct {
	mu      sync.RWMutex
	ledgers map[common.Address]*Ledger
}

func NewRegistry() *Registry {
	return &Registry{ledgers: make(map[common.Address]*Ledger)}
}

// Register adds a ledger to the registry, replacing any previous entry for the
// same token address.
func (r *Registry) Register(l *Ledger) {
	if l == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ledgers[l.Address()] = l
}

// Token returns the ledger registered for the given address.
func (r *Registry) Token(addr common.Address) (*Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[addr]
	return l, ok
}
