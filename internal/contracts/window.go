package contracts

import (
	"math/big"
	"time"
)

// WindowPeriod is the length of the rolling spend window.
const WindowPeriod = 24 * time.Hour

// Policy holds the two spend ceilings of a vault, in token base units.
type Policy struct {
	MaxPerTx   *big.Int
	DailyLimit *big.Int
}

// Window is the accounting window a vault spends against.
type Window struct {
	SpentToday *big.Int
	LastReset  time.Time
}

// Rollover returns the window as seen by a spend attempt at now. Once a full
// period has elapsed since LastReset the spend counter restarts at now;
// skipped periods are not replayed.
func (w Window) Rollover(now time.Time) Window {
	if !now.Before(w.LastReset.Add(WindowPeriod)) {
		return Window{SpentToday: new(big.Int), LastReset: now}
	}
	return Window{SpentToday: valueOrZero(w.SpentToday), LastReset: w.LastReset}
}

// Remaining returns how much can still be spent in the window under p.
func (w Window) Remaining(p Policy) *big.Int {
	left := new(big.Int).Sub(valueOrZero(p.DailyLimit), valueOrZero(w.SpentToday))
	if left.Sign() < 0 {
		return new(big.Int)
	}
	return left
}

// CheckSpend applies the vault ceilings to amount. Both bounds are inclusive.
// The per-transaction ceiling is checked first. w must already be rolled over.
func CheckSpend(p Policy, w Window, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Cmp(valueOrZero(p.MaxPerTx)) > 0 {
		return ErrExceedsMaxPerTx
	}
	total := new(big.Int).Add(valueOrZero(w.SpentToday), amount)
	if total.Cmp(valueOrZero(p.DailyLimit)) > 0 {
		return ErrExceedsDailyLimit
	}
	return nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
