package agenda

import "time"

// Clock abstracts time retrieval so audit timestamps and undo fallbacks are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the current UTC time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
