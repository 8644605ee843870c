// Package pricing computes purchase, renewal, and upgrade prices for
// licenses. All amounts are integers in minor currency units (euro cents);
// nothing in this package touches floating point, so prices are exact and
// reproducible. The engine is pure: it never mutates state and depends only
// on the tier catalog and a license snapshot.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"omnifm/internal/catalog"
	"omnifm/internal/types"
)

// DefaultYearlyDiscountMonths is the number of free months granted per full
// 12-month block: a year is billed as 10 months. This is a fixed discount
// constant, not derived from seat counts.
const DefaultYearlyDiscountMonths = 2

// monthsPerYear is the block size the yearly discount applies to.
const monthsPerYear = 12

// ErrUpgradeNotApplicable is returned by UpgradePrice when there is no active
// license to upgrade, or the target tier is not a paid step up from the
// current one.
var ErrUpgradeNotApplicable = errors.New("upgrade not applicable")

// Engine computes prices against a tier catalog.
type Engine struct {
	catalog              catalog.Catalog
	yearlyDiscountMonths int
}

// NewEngine creates a pricing engine with the given catalog and the default
// yearly discount.
func NewEngine(cat catalog.Catalog) *Engine {
	return NewEngineWithDiscount(cat, DefaultYearlyDiscountMonths)
}

// NewEngineWithDiscount creates a pricing engine with an explicit yearly
// discount, expressed in free months per 12-month block. Discounts outside
// [0, 11] are clamped to the default.
func NewEngineWithDiscount(cat catalog.Catalog, discountMonths int) *Engine {
	if discountMonths < 0 || discountMonths >= monthsPerYear {
		discountMonths = DefaultYearlyDiscountMonths
	}
	return &Engine{catalog: cat, yearlyDiscountMonths: discountMonths}
}

// PurchasePrice returns the price of buying the given tier for the given
// number of months and seats.
//
// Below 12 months the price is months x seatPrice. At 12 months and beyond,
// each full 12-month block is billed as (12 - discount) months and the
// remainder months are billed at full rate:
//
//	floor(months/12) x 10 x seatPrice + (months mod 12) x seatPrice
func (e *Engine) PurchasePrice(tier types.Tier, months, seats int) (int64, error) {
	if _, ok := e.catalog.Get(tier); !ok || tier == types.TierFree {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("tier %q is not purchasable", tier), nil)
	}
	if months < 1 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidMonths,
			"months must be at least 1", nil)
	}
	if !types.SeatCountAllowed(seats) {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidSeats,
			fmt.Sprintf("seat count %d is not offered", seats), nil)
	}

	seatPrice := e.catalog.SeatPrice(tier, seats)
	years := int64(months / monthsPerYear)
	rest := int64(months % monthsPerYear)
	billedPerYear := int64(monthsPerYear - e.yearlyDiscountMonths)

	return years*billedPerYear*seatPrice + rest*seatPrice, nil
}

// UpgradePrice returns the pro-rated cost of swapping an active license to a
// higher tier mid-term. The cost covers only the price delta over the
// remaining days:
//
//	round((newPricePerMonth - oldPricePerMonth) / 30 x remainingDays)
//
// Rounding is round-half-up, done in integer arithmetic as
// (delta x days + 15) / 30 so no float ever enters a money computation.
//
// Returns ErrUpgradeNotApplicable when the license is absent or expired, or
// when the target tier's base monthly price is not strictly greater than the
// current tier's.
func (e *Engine) UpgradePrice(lic *types.License, newTier types.Tier, now time.Time) (int64, error) {
	newDef, ok := e.catalog.Get(newTier)
	if !ok || newTier == types.TierFree {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidTier,
			fmt.Sprintf("tier %q is not a valid upgrade target", newTier), nil)
	}
	if lic == nil || lic.ExpiredAt(now) {
		return 0, ErrUpgradeNotApplicable
	}
	oldDef, ok := e.catalog.Get(lic.Tier)
	if !ok {
		return 0, ErrUpgradeNotApplicable
	}

	delta := newDef.PricePerMonth - oldDef.PricePerMonth
	if delta <= 0 {
		return 0, ErrUpgradeNotApplicable
	}

	days := int64(lic.RemainingDaysAt(now))
	if days <= 0 {
		return 0, ErrUpgradeNotApplicable
	}

	return (delta*days + 15) / 30, nil
}

// VerifyAmount re-derives the expected purchase price from a payment
// confirmation and compares it to the amount the provider reports as charged.
// A mismatch means the checkout parameters and the confirmation disagree and
// the activation must not proceed.
func (e *Engine) VerifyAmount(conf types.PaymentConfirmation) error {
	expected, err := e.PurchasePrice(conf.Tier, conf.Months, conf.Seats)
	if err != nil {
		return err
	}
	if conf.Amount != expected {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentAmountMismatch,
			"confirmed amount does not match the price for the requested entitlement",
			nil,
			map[string]any{
				"expected":  expected,
				"confirmed": conf.Amount,
				"tier":      conf.Tier,
				"months":    conf.Months,
				"seats":     conf.Seats,
			})
	}
	return nil
}
