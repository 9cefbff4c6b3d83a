package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is the fungible-value transfer port. Implementations must apply each
// call atomically: a transfer that cannot be covered by balance or allowance
// fails without any partial movement.
type Token interface {
	// Decimals returns the smallest-unit scale of the token; the protocol
	// fee thresholds are derived from it.
	Decimals() uint8
	// Transfer moves amount between two accounts.
	Transfer(from, to common.Address, amount *big.Int) error
	// TransferFrom moves amount out of owner on behalf of spender,
	// consuming the owner's allowance for the spender.
	TransferFrom(spender, owner, to common.Address, amount *big.Int) error
}

// TokenLookup resolves the transfer port for a value-source identity. It
// reports false for identities no port is registered for.
type TokenLookup func(common.Address) (Token, bool)
