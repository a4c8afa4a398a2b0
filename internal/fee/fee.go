// Package fee computes the platform's share of a course purchase.
package fee

import "errors"

// RateBasisPoints is the platform application fee in basis points (10%).
const RateBasisPoints = 1000

// ErrNegativeAmount is returned when the gross amount is below zero.
var ErrNegativeAmount = errors.New("gross amount must be non-negative")

// Split is the division of a gross charge between the platform and the instructor.
// All amounts are in minor currency units (e.g. cents).
type Split struct {
	Gross          int64
	ApplicationFee int64
	NetTransfer    int64
}

// ComputeSplit returns the application fee for a gross amount, rounded half-up,
// and the net amount the processor will transfer to the connected account.
//
// The fee is computed in integer arithmetic so that it always matches
// gross * 0.1 rounded half-up, without float drift.
func ComputeSplit(gross int64) (Split, error) {
	if gross < 0 {
		return Split{}, ErrNegativeAmount
	}

	// (gross*bp + 5000) / 10000, rearranged to avoid overflowing int64.
	whole := (gross / 10000) * RateBasisPoints
	rem := gross % 10000
	applicationFee := whole + (rem*RateBasisPoints+5000)/10000

	return Split{
		Gross:          gross,
		ApplicationFee: applicationFee,
		NetTransfer:    gross - applicationFee,
	}, nil
}
