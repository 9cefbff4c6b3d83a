package bank

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/conduit-ucpi/contracts/storage"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000AA")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000002")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(storage.NewMemDB(), tokenAddr, 6)
}

func TestLedgerMintAndTransfer(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(alice, bob, big.NewInt(400_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	assertBalance(t, l, alice, 600_000)
	assertBalance(t, l, bob, 400_000)
}

func TestLedgerTransferInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := l.Transfer(alice, bob, big.NewInt(101))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	assertBalance(t, l, alice, 100)
	assertBalance(t, l, bob, 0)
}

func TestLedgerTransferFromConsumesAllowance(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(alice, carol, big.NewInt(500_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := l.TransferFrom(carol, alice, bob, big.NewInt(300_000)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	assertBalance(t, l, alice, 700_000)
	assertBalance(t, l, bob, 300_000)

	remaining, err := l.Allowance(alice, carol)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if remaining.Cmp(big.NewInt(200_000)) != 0 {
		t.Fatalf("unexpected remaining allowance %s", remaining)
	}

	err = l.TransferFrom(carol, alice, bob, big.NewInt(200_001))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestLedgerTransferFromFailureLeavesStateUntouched(t *testing.T) {
	l := newTestLedger(t)
	if err := l.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Approve(alice, carol, big.NewInt(1_000)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := l.TransferFrom(carol, alice, bob, big.NewInt(500))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	assertBalance(t, l, alice, 100)
	remaining, err := l.Allowance(alice, carol)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if remaining.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("allowance mutated on failed transfer: %s", remaining)
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	l := newTestLedger(t)
	r.Register(l)

	got, ok := r.Token(tokenAddr)
	if !ok || got != l {
		t.Fatalf("registry lookup failed: ok=%v", ok)
	}
	if _, ok := r.Token(alice); ok {
		t.Fatalf("unexpected ledger for unregistered address")
	}
}

func assertBalance(t *testing.T, l *Ledger, addr common.Address, want int64) {
	t.Helper()
	got, err := l.BalanceOf(addr)
	if err != nil {
		t.Fatalf("balance of %s: %v", addr.Hex(), err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance of %s = %s, want %d", addr.Hex(), got, want)
	}
}
