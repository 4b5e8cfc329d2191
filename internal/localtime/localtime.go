// Package localtime converts between real instants and the naive local
// wall-clock values stored in the tracks and locations tables.
//
// A naive value is a time.Time in UTC whose fields carry the local wall clock.
package localtime

import (
	"time"
)

// Clock abstracts time retrieval so handlers are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock returns the actual current time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Zone is the site timezone used for every naive timestamp.
type Zone struct {
	loc *time.Location
}

// NewZone resolves name as an IANA zone. An empty or unknown name falls back to
// the system zone, and to UTC when that is unavailable too.
func NewZone(name string) Zone {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return Zone{loc: loc}
		}
	}
	if time.Local != nil {
		return Zone{loc: time.Local}
	}
	return Zone{loc: time.UTC}
}

// FixedZone returns a zone with a constant offset.
func FixedZone(offset time.Duration) Zone {
	return Zone{loc: time.FixedZone("", int(offset/time.Second))}
}

func (z Zone) location() *time.Location {
	if z.loc == nil {
		return time.UTC
	}
	return z.loc
}

// Name returns the resolved zone name.
func (z Zone) Name() string {
	return z.location().String()
}

// Naive converts an instant to its naive local wall-clock value.
func (z Zone) Naive(t time.Time) time.Time {
	l := t.In(z.location())
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// Batch fixes the zone offset that applies at the instant at.
func (z Zone) Batch(at time.Time) Batch {
	_, offset := at.In(z.location()).Zone()
	return Batch{offset: time.Duration(offset) * time.Second}
}

// BatchAtNaive fixes the zone offset that applies at a naive local value.
func (z Zone) BatchAtNaive(naive time.Time) Batch {
	local := time.Date(naive.Year(), naive.Month(), naive.Day(), naive.Hour(), naive.Minute(),
		naive.Second(), naive.Nanosecond(), z.location())
	return z.Batch(local)
}

// Batch converts a group of timestamps with a single offset, so a batch that
// straddles a DST change stays internally consistent.
type Batch struct {
	offset time.Duration
}

// Offset returns the fixed offset east of UTC.
func (b Batch) Offset() time.Duration {
	return b.offset
}

// Naive converts an instant using the batch offset.
func (b Batch) Naive(t time.Time) time.Time {
	return t.UTC().Add(b.offset)
}

// Instant converts a naive value back to a UTC instant.
func (b Batch) Instant(naive time.Time) time.Time {
	n := naive.UTC()
	return time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), n.Second(), n.Nanosecond(), time.UTC).Add(-b.offset)
}

// FromEpoch converts seconds since the epoch to a naive value.
func (b Batch) FromEpoch(sec int64) time.Time {
	return b.Naive(time.Unix(sec, 0))
}

// FromEpochMillis converts milliseconds since the epoch to a naive value.
func (b Batch) FromEpochMillis(ms int64) time.Time {
	return b.Naive(time.UnixMilli(ms))
}
