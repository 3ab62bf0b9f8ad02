package model

import (
	"math"
	"time"
)

// ContainPrincipal clamps an arbitrary float amount into the range of values
// that the principal column can hold. MinInt64 itself is excluded, so that
// negating a contained principal can never overflow. The second return value
// reports whether clamping happened.
func ContainPrincipal(value float64) (int64, bool) {
	if value >= float64(MaxInt64) {
		return MaxInt64, true
	}
	if value <= float64(MinInt64+1) {
		return MinInt64 + 1, true
	}
	return int64(value), false
}

// AddSat adds two int64 values, saturating at MaxInt64 and MinInt64+1 (the
// same bounds as ContainPrincipal) instead of wrapping.
func AddSat(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		if b > 0 {
			return MaxInt64, true
		}
		return MinInt64 + 1, true
	}
	if s == MinInt64 {
		return MinInt64 + 1, true
	}
	return s, false
}

// CalcK returns the continuous-compounding exponent coefficient (per second)
// for an annual interest rate given in percents. A rate of -100 gives -Inf,
// which makes any positive amount decay to zero.
func CalcK(interestRate float64) float64 {
	return math.Log(1+interestRate/100) / SecondsInYear
}

// CalcAccumulatedInterest computes the interest accumulated on the account
// between two moments, given the principal and the already accrued interest
// at the first moment. The result is the increase only, not the new total.
func CalcAccumulatedInterest(principal int64, interest, interestRate float64, from, to time.Time) float64 {
	passedSeconds := to.Sub(from).Seconds()
	if passedSeconds <= 0 {
		return 0
	}
	currentBalance := float64(principal) + interest
	if currentBalance <= 0 {
		return 0
	}
	k := CalcK(interestRate)
	newBalance := currentBalance * math.Exp(k*passedSeconds)
	return newBalance - currentBalance
}

// CalcDemurrageLimit computes the worst-case amount that a locked amount may
// have shrunk to, assuming the given (negative) demurrage rate applied since
// the transfer was prepared. Non-negative demurrage rates never shrink the
// amount.
func CalcDemurrageLimit(lockedAmount int64, demurrageRate float64, preparedAt, now time.Time) int64 {
	if demurrageRate >= 0 {
		return lockedAmount
	}
	passedSeconds := now.Sub(preparedAt).Seconds()
	if passedSeconds <= 0 {
		return lockedAmount
	}
	k := CalcK(demurrageRate)
	limit := math.Floor(float64(lockedAmount) * math.Exp(k*passedSeconds))
	if limit <= 0 {
		return 0
	}
	if limit >= float64(lockedAmount) {
		return lockedAmount
	}
	return int64(limit)
}
