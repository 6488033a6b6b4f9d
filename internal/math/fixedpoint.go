package math

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"
)

// ErrDivideByZero is returned when a ratio is evaluated with a zero denominator.
var ErrDivideByZero = errors.New("fixedpoint: divide by zero")

// RoundingMode selects how a quotient remainder is resolved.
type RoundingMode int

const (
	RoundHalfUp RoundingMode = iota // 0.5 rounds away from zero (default)
	RoundDown
	RoundUp
	RoundHalfEven
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfUp:
		return "half_up"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	case RoundHalfEven:
		return "half_even"
	default:
		return "unknown"
	}
}

// Intermediates are pooled; every risk evaluation touches several of them.
var wordPool = &sync.Pool{
	New: func() interface{} {
		return new(uint256.Int)
	},
}

func getWord() *uint256.Int {
	return wordPool.Get().(*uint256.Int)
}

func putWord(v *uint256.Int) {
	v.Clear()
	wordPool.Put(v)
}

// Product multiplies the factors into a 256-bit accumulator. Four 64-bit
// factors always fit; callers never pass more.
func Product(factors ...uint64) *uint256.Int {
	acc := new(uint256.Int).SetOne()
	tmp := getWord()
	for _, f := range factors {
		tmp.SetUint64(f)
		acc.Mul(acc, tmp)
	}
	putWord(tmp)
	return acc
}

// Divide returns num/den rounded per mode, saturating at MaxUint64.
func Divide(num, den *uint256.Int, mode RoundingMode) (uint64, error) {
	if den.IsZero() {
		return 0, ErrDivideByZero
	}

	quotient := getWord()
	remainder := getWord()
	defer putWord(quotient)
	defer putWord(remainder)

	quotient.DivMod(num, den, remainder)

	if !remainder.IsZero() {
		switch mode {
		case RoundUp:
			quotient.AddUint64(quotient, 1)
		case RoundHalfUp, RoundHalfEven:
			// compare 2*remainder with the denominator
			twice := getWord()
			twice.Lsh(remainder, 1)
			cmp := twice.Cmp(den)
			putWord(twice)

			if cmp > 0 || (cmp == 0 && mode == RoundHalfUp) {
				quotient.AddUint64(quotient, 1)
			} else if cmp == 0 && quotient.Uint64()%2 == 1 {
				quotient.AddUint64(quotient, 1)
			}
		}
	}

	if !quotient.IsUint64() {
		return ^uint64(0), nil
	}
	return quotient.Uint64(), nil
}

// MulDiv computes a*b/d with the given rounding.
func MulDiv(a, b, d uint64, mode RoundingMode) (uint64, error) {
	return Divide(Product(a, b), new(uint256.Int).SetUint64(d), mode)
}

// CeilDiv returns ceil(a/b).
func CeilDiv(a, b uint64) (uint64, error) {
	if b == 0 {
		return 0, ErrDivideByZero
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q, nil
}

// SaturatingSub returns a-b, or zero when b exceeds a.
func SaturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// SaturatingAdd returns a+b, clamped at MaxUint64.
func SaturatingAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return ^uint64(0)
	}
	return sum
}
