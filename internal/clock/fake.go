package clock

// Fake is a manually-advanced Clock for deterministic tests across every
// package that depends on clock.Clock.
type Fake struct {
	ms int64
}

// NewFake returns a Fake clock starting at the given millisecond value.
func NewFake(startMS int64) *Fake { return &Fake{ms: startMS} }

// NowMS implements Clock.
func (f *Fake) NowMS() int64 { return f.ms }

// Advance moves the fake clock forward by ms milliseconds.
func (f *Fake) Advance(ms int64) { f.ms += ms }
