package disclosure

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidUnit is returned for a rounding unit that is not positive.
var ErrInvalidUnit = errors.New("rounding unit must be positive")

// DefaultUnit is the rounding unit applied to published counts.
const DefaultUnit = 7

// Control holds the small-number suppression and rounding parameters that
// every published numerator and denominator passes through.
type Control struct {
	RoundingUnit int `json:"rounding_unit"`
	// Threshold zeroes counts strictly below it before rounding. Zero
	// disables suppression.
	Threshold int `json:"suppression_threshold"`
}

// Default returns rounding to the nearest 7 with counts below 7 suppressed.
func Default() Control {
	return Control{RoundingUnit: DefaultUnit, Threshold: DefaultUnit}
}

// New builds a validated Control.
func New(unit, threshold int) (Control, error) {
	c := Control{RoundingUnit: unit, Threshold: threshold}
	if err := c.Validate(); err != nil {
		return Control{}, err
	}
	return c, nil
}

// Validate reports configuration errors.
func (c Control) Validate() error {
	if c.RoundingUnit <= 0 {
		return fmt.Errorf("disclosure control: %w (got %d)", ErrInvalidUnit, c.RoundingUnit)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("disclosure control: suppression threshold must not be negative (got %d)", c.Threshold)
	}
	return nil
}

// Suppress zeroes counts below the threshold.
func (c Control) Suppress(n int) int {
	if n <= 0 || n < c.Threshold {
		return 0
	}
	return n
}

// Round rounds a count to the nearest multiple of the unit, halves rounding
// up.
func (c Control) Round(n int) int {
	if n <= 0 {
		return 0
	}
	unit := float64(c.RoundingUnit)
	return int(math.Floor(float64(n)/unit+0.5)) * c.RoundingUnit
}

// Apply suppresses and then rounds a count. Suppression always happens
// first, so a count of 4 with unit 7 publishes as 0, not 7.
func (c Control) Apply(n int) int {
	return c.Round(c.Suppress(n))
}

// Compliant reports whether a published count satisfies the rounding
// invariant.
func (c Control) Compliant(n int) bool {
	return n == 0 || (n > 0 && n%c.RoundingUnit == 0)
}

// Percent computes 100*num/den from already controlled counts. A zero
// denominator yields 0. Values above 100 can only come from rounding and
// are clamped; the second result reports the clamp.
func Percent(num, den int) (float64, bool) {
	if den <= 0 {
		return 0, false
	}
	p := 100 * float64(num) / float64(den)
	if p > 100 {
		return 100, true
	}
	return p, false
}

// ErrorBars returns the upper and lower percentage error of a rate whose
// numerator and denominator were both rounded, given the rounded
// denominator. Each side may be off by up to half a unit.
func (c Control) ErrorBars(den int) (pos, neg float64) {
	h := float64(c.RoundingUnit / 2)
	d := float64(den)
	if h == 0 || d-h <= 0 {
		return 0, 0
	}
	return 100 * h / (d - h), 100 * h / (d + h)
}
