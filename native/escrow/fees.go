package escrow

import (
	"fmt"
	"math/big"
)

// FeePolicy holds the protocol fee parameters. The defaults mirror the
// platform policy (1/1000 of a unit no-fee cutoff, 30% of a unit minimum fee,
// 1% rate) but are configuration, not law.
type FeePolicy struct {
	// NoFeeDivisor sets the no-fee cutoff at unit/NoFeeDivisor.
	NoFeeDivisor uint64
	// MinFeePercent sets the minimum fee at MinFeePercent% of one unit.
	MinFeePercent uint64
	// FeePercent sets the proportional fee at FeePercent% of the amount.
	FeePercent uint64
}

// DefaultFeePolicy returns the platform fee schedule.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		NoFeeDivisor:  1000,
		MinFeePercent: 30,
		FeePercent:    1,
	}
}

func (p FeePolicy) validate() error {
	if p.NoFeeDivisor == 0 {
		return fmt.Errorf("%w: fee policy no-fee divisor must be positive", ErrInvalidParameter)
	}
	if p.MinFeePercent >= 100 {
		return fmt.Errorf("%w: fee policy minimum fee must be below one unit", ErrInvalidParameter)
	}
	if p.FeePercent >= 100 {
		return fmt.Errorf("%w: fee policy rate must be below 100%%", ErrInvalidParameter)
	}
	return nil
}

// ComputeFee derives the protocol fee for an escrow amount given the value
// source's smallest-unit scale. Amounts at or below unit/NoFeeDivisor carry no
// fee; above that the amount must exceed the minimum fee, and the fee is the
// larger of the proportional fee and the minimum.
func (p FeePolicy) ComputeFee(amount *big.Int, decimals uint8) (*big.Int, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidParameter)
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	noFeeThreshold := new(big.Int).Div(unit, new(big.Int).SetUint64(p.NoFeeDivisor))
	if amount.Cmp(noFeeThreshold) <= 0 {
		return big.NewInt(0), nil
	}

	minFee := new(big.Int).Mul(unit, new(big.Int).SetUint64(p.MinFeePercent))
	minFee.Div(minFee, big.NewInt(100))
	if amount.Cmp(minFee) <= 0 {
		return nil, fmt.Errorf("%w: amount %s does not exceed minimum fee %s", ErrAmountTooSmall, amount, minFee)
	}

	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(p.FeePercent))
	fee.Div(fee, big.NewInt(100))
	if fee.Cmp(minFee) < 0 {
		fee = minFee
	}
	if fee.Cmp(amount) >= 0 {
		return nil, fmt.Errorf("%w: fee %s not strictly below amount %s", ErrAmountTooSmall, fee, amount)
	}
	return fee, nil
}
