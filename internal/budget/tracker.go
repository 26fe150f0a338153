// Package budget tracks how many prompt tokens are still available.
package budget

// Tracker is a shrinking token allowance. It is not safe for concurrent use;
// each prompt assembly owns its own Tracker.
type Tracker struct {
	remaining int
}

// New returns a Tracker starting at total tokens.
func New(total int) *Tracker {
	return &Tracker{remaining: total}
}

// Charge subtracts n and reports whether the allowance is still non-negative.
// The charge stays applied even when it overflows.
func (t *Tracker) Charge(n int) bool {
	t.remaining -= n
	return t.remaining >= 0
}

// TryCharge subtracts n only if it fits and reports whether it did.
func (t *Tracker) TryCharge(n int) bool {
	if t.remaining-n < 0 {
		return false
	}
	t.remaining -= n
	return true
}

// Remaining returns the current allowance, negative after an overflowing Charge.
func (t *Tracker) Remaining() int {
	return t.remaining
}
