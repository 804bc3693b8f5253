package clock

import "time"

// Clock supplies the host tick used to evaluate deadlines. Deadlines are
// never wall-clock callbacks; operations and the sweeper compare stored
// deadlines against Now.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the production clock.
func System() Clock { return systemClock{} }

// Manual is a hand-advanced clock for tests.
type Manual struct {
	current time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

func (m *Manual) Now() time.Time { return m.current }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.current = m.current.Add(d) }

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) { m.current = t.UTC() }
