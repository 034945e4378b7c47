package dispute

import "time"

// TimeRemaining is the breakdown of the time left before a deadline.
type TimeRemaining struct {
	Hours   int  `json:"hours"`
	Minutes int  `json:"minutes"`
	Seconds int  `json:"seconds"`
	Expired bool `json:"expired"`
}

// Clock supplies the current time and the remaining-time computation.
type Clock interface {
	Now() time.Time
	Remaining(deadline time.Time) TimeRemaining
}

// SystemClock reads the wall clock. Offset shifts it, which the stress
// harness uses to simulate elapsed deadlines.
type SystemClock struct {
	Offset time.Duration
}

func (c SystemClock) Now() time.Time {
	return time.Now().Add(c.Offset).UTC().Truncate(time.Microsecond)
}

func (c SystemClock) Remaining(deadline time.Time) TimeRemaining {
	return RemainingAt(c.Now(), deadline)
}

// RemainingAt computes the breakdown of deadline-now, flooring to whole
// seconds. A deadline at or before now is expired.
func RemainingAt(now, deadline time.Time) TimeRemaining {
	left := deadline.Sub(now)
	if left <= 0 {
		return TimeRemaining{Expired: true}
	}
	total := int(left / time.Second)
	return TimeRemaining{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}
