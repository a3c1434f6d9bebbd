// Package stress computes training stress from power, heart-rate and pace
// series, estimates it for planned workouts, and persists results.
package stress

import "errors"

var (
	// ErrInsufficientData means no usable samples were available.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrInvalidParameter means a threshold is non-positive, NaN or implausible.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrCalculation means the inputs cannot produce a score, e.g. zero duration.
	ErrCalculation = errors.New("calculation failed")
	// ErrNoIndicators is returned by an IndicatorSource with nothing stored for a user.
	ErrNoIndicators = errors.New("no stored indicators")
)
