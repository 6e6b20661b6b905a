package math

import (
	"math/big"
	"sort"
)

// ComputeFundingPayment calculates the funding payment for a single position.
// Returns: payment amount in quote units (positive = trader pays, negative = receives).
func ComputeFundingPayment(
	fundingRate int64, // Rate scale: 1e8, signed
	positionSize int64, // Quantity scale: 1e6
	markPrice int64, // Price scale: 1e12
	sideSign int64, // +1 for long, -1 for short
) int64 {
	// raw = fundingRate * positionSize * markPrice
	temp1 := MultiplyInt128(fundingRate, positionSize)
	temp2 := getInt128()
	temp2.Mul(temp1, big.NewInt(markPrice))

	// intermediate scale = R_s * Q_s * P_s = 1e8 * 1e6 * 1e12 = 1e26
	// target scale = 1e6 (quote), so divide by 1e20
	temp2.Quo(temp2, big.NewInt(1_000_000_000_000)) // / 1e12
	payment := DivideInt128(temp2, 100_000_000, RoundHalfEven)

	putInt128(temp1)
	putInt128(temp2)

	// Long + positive rate = pays (positive payment)
	// Short + positive rate = receives (negative payment)
	return payment * sideSign
}

// FundingSettlement represents computed funding for all positions of an instrument
type FundingSettlement struct {
	Instrument  string
	Epoch       int64
	FundingRate int64
	MarkPrice   int64
	Payments    []TraderPayment
	Residual    int64 // Rounding residual posted to the insurance account
}

type TraderPayment struct {
	Trader  string
	Payment int64 // Signed: positive = pays, negative = receives
}

// PositionForFunding is the minimal position view the settlement needs.
type PositionForFunding struct {
	Trader   string
	Size     int64
	SideSign int64
}

// ComputeFundingSettlement calculates funding for all positions of an instrument.
// Positions are sorted by trader for deterministic ordering; the sum of payments
// and receipts differ only by an integer rounding residual.
func ComputeFundingSettlement(
	instrument string,
	epoch int64,
	fundingRate int64,
	markPrice int64,
	positions []PositionForFunding,
) *FundingSettlement {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Trader < positions[j].Trader
	})

	payments := make([]TraderPayment, 0, len(positions))
	var totalPaid, totalReceived int64

	for _, pos := range positions {
		if pos.Size == 0 {
			continue // Skip flat positions
		}

		payment := ComputeFundingPayment(fundingRate, pos.Size, markPrice, pos.SideSign)

		if payment != 0 {
			payments = append(payments, TraderPayment{
				Trader:  pos.Trader,
				Payment: payment,
			})

			if payment > 0 {
				totalPaid += payment
			} else {
				totalReceived += -payment
			}
		}
	}

	return &FundingSettlement{
		Instrument:  instrument,
		Epoch:       epoch,
		FundingRate: fundingRate,
		MarkPrice:   markPrice,
		Payments:    payments,
		Residual:    totalPaid - totalReceived,
	}
}

// ClampRate bounds a funding rate to [-maxRate, +maxRate].
func ClampRate(rate, maxRate int64) int64 {
	if rate > maxRate {
		return maxRate
	}
	if rate < -maxRate {
		return -maxRate
	}
	return rate
}
