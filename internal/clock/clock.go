// Package clock provides the single time source the rest of the daemon
// reads from. Nothing outside this package may call time.Now directly.
package clock

import "time"

// Clock is the contract every time-dependent component depends on instead of
// the time package directly, so tests can inject deterministic time.
type Clock interface {
	// Now returns the current instant in UTC.
	Now() time.Time

	// LocalHour returns the current hour (0..23) in the configured local zone.
	LocalHour() int

	// TodayLocalDate returns today's date (in the configured local zone) as
	// YYYY-MM-DD.
	TodayLocalDate() string
}

// System is the production Clock, backed by time.Now and a fixed location.
type System struct {
	loc *time.Location
}

// NewSystem returns a Clock bound to loc. A nil loc means time.Local.
func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.Local
	}
	return &System{loc: loc}
}

func (s *System) Now() time.Time { return time.Now().UTC() }

func (s *System) LocalHour() int {
	return time.Now().In(s.loc).Hour()
}

func (s *System) TodayLocalDate() string {
	return time.Now().In(s.loc).Format("2006-01-02")
}
