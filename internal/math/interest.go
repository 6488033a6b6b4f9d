package math

import "github.com/holiman/uint256"

// RateFractionBits is the number of fractional bits in an fp32 interest rate.
// A rate of 1<<32 accrues 100% of principal per accrual period.
const RateFractionBits = 32

// AccrualPeriodSeconds is the period an interest rate is quoted over.
const AccrualPeriodSeconds = 3600

// RateFromBasisPoints converts a per-period rate in basis points to fp32.
func RateFromBasisPoints(bps uint64) uint64 {
	v, _ := MulDiv(bps, 1<<RateFractionBits, 10_000, RoundHalfUp)
	return v
}

// AccruedAmount returns round(qty * (1 + rate*elapsed/period)) with the rate in
// fp32. Non-positive elapsed time accrues nothing.
func AccruedAmount(qty, rate uint64, elapsedSeconds int64) uint64 {
	if qty == 0 || rate == 0 || elapsedSeconds <= 0 {
		return qty
	}

	num := Product(qty, rate, uint64(elapsedSeconds))
	den := new(uint256.Int).SetUint64(AccrualPeriodSeconds)
	den.Lsh(den, RateFractionBits)

	interest, err := Divide(num, den, RoundHalfUp)
	if err != nil {
		return qty
	}
	return SaturatingAdd(qty, interest)
}

// PremiumCost returns round(base * (100+premiumPercent) / 100).
func PremiumCost(base, premiumPercent uint64) uint64 {
	v, _ := MulDiv(base, 100+premiumPercent, 100, RoundHalfUp)
	return v
}
