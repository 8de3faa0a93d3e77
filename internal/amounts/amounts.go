package amounts

import (
	"github.com/shopspring/decimal"
)

// LoanToValue is the fixed debt sizing policy: half of the deposited
// principal is minted as synthetic debt. Not user-configurable.
var LoanToValue = decimal.NewFromInt(1).Div(decimal.NewFromInt(2))

// daysPerYearTimes100 converts an annual percentage rate to a daily rate.
var daysPerYearTimes100 = decimal.NewFromInt(36500)

// ProjectedEarnings returns the compound-growth earnings of principal at
// annualRatePercent over the given number of days:
//
//	principal * ((1 + rate/36500)^days - 1)
//
// Zero principal (or negative) and zero days both yield zero.
func ProjectedEarnings(principal, annualRatePercent decimal.Decimal, days int) decimal.Decimal {
	if principal.Sign() <= 0 || days <= 0 || annualRatePercent.Sign() <= 0 {
		return decimal.Zero
	}
	dailyRate := annualRatePercent.Div(daysPerYearTimes100)
	growth := decimal.NewFromInt(1).Add(dailyRate).Pow(decimal.NewFromInt(int64(days)))
	return principal.Mul(growth.Sub(decimal.NewFromInt(1)))
}

// ExpectedDebt returns the synthetic debt minted against principal under the
// fixed loan-to-value policy.
func ExpectedDebt(principal decimal.Decimal) decimal.Decimal {
	if principal.Sign() <= 0 {
		return decimal.Zero
	}
	return principal.Mul(LoanToValue)
}

// MaxSpendable returns how much of balance can be committed to a deposit.
// For the chain's native currency a gas reserve is held back; the result is
// clamped at zero.
func MaxSpendable(balance decimal.Decimal, native bool, gasReserve decimal.Decimal) decimal.Decimal {
	if !native {
		if balance.Sign() < 0 {
			return decimal.Zero
		}
		return balance
	}
	spendable := balance.Sub(gasReserve)
	if spendable.Sign() < 0 {
		return decimal.Zero
	}
	return spendable
}

// Breakdown holds projected earnings over the standard display horizons.
type Breakdown struct {
	Daily   decimal.Decimal
	Weekly  decimal.Decimal
	Monthly decimal.Decimal
	Yearly  decimal.Decimal
}

// EarningsBreakdown projects earnings over 1, 7, 30 and 365 days.
func EarningsBreakdown(principal, annualRatePercent decimal.Decimal) Breakdown {
	return Breakdown{
		Daily:   ProjectedEarnings(principal, annualRatePercent, 1),
		Weekly:  ProjectedEarnings(principal, annualRatePercent, 7),
		Monthly: ProjectedEarnings(principal, annualRatePercent, 30),
		Yearly:  ProjectedEarnings(principal, annualRatePercent, 365),
	}
}
