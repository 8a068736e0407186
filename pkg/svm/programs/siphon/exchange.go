package siphon

import "math/bits"

// ToTokenAmount converts base units to token units at rate tokens per base
// unit. Overflow is an error, never a wrap.
func ToTokenAmount(baseAmount, rate uint64) (uint64, error) {
	hi, lo := bits.Mul64(baseAmount, rate)
	if hi != 0 {
		return 0, errorf(ErrArithmetic, "%d * %d overflows", baseAmount, rate)
	}
	return lo, nil
}

// ToBaseAmount converts token units to base units, truncating toward zero.
func ToBaseAmount(tokenAmount, rate uint64) (uint64, error) {
	if rate == 0 {
		return 0, errorf(ErrArithmetic, "zero exchange rate")
	}
	return tokenAmount / rate, nil
}
