// Package ntptime implements the NTP-style 64-bit timestamp used throughout
// the capture core: upper 32 bits are whole seconds (since the NTP epoch,
// though the core never interprets the epoch itself, only arithmetic on two
// timestamps), lower 32 bits are a binary fraction of a second.
//
// This is a small, spec-mandated wire format, not a library concern any
// example in the pack reaches for a dependency to cover, so it is
// implemented on the standard library (a 64-bit multiply and shift converts
// the fraction to/from nanoseconds).
package ntptime

import (
	"fmt"
	"time"
)

// Stamp is a fixed-point NTP-style timestamp: Sec whole seconds, Frac a
// 1/2^32 fraction of a second.
type Stamp struct {
	Sec  uint32
	Frac uint32
}

// Zero is the distinguished "no timestamp" value (spec.md §7: a zero
// timestamp marks a malformed packet).
var Zero = Stamp{}

// FromDuration builds a Stamp from a duration since an arbitrary reference
// epoch (callers pick the epoch; the core only ever compares two Stamps).
func FromDuration(d time.Duration) Stamp {
	if d < 0 {
		d = 0
	}
	sec := d / time.Second
	rem := d % time.Second
	frac := (uint64(rem) << 32) / uint64(time.Second)
	return Stamp{Sec: uint32(sec), Frac: uint32(frac)}
}

// FromTime builds a Stamp from an absolute time, relative to the Unix epoch.
func FromTime(t time.Time) Stamp {
	return FromDuration(time.Duration(t.UnixNano()) * time.Nanosecond)
}

// Duration returns the Stamp as a duration since its epoch, with the
// fraction rounded to the nearest nanosecond (so FromDuration(d).Duration()
// is d again).
func (s Stamp) Duration() time.Duration {
	sec := time.Duration(s.Sec) * time.Second
	frac := time.Duration((uint64(s.Frac)*uint64(time.Second) + 1<<31) >> 32)
	return sec + frac
}

// IsZero reports whether this is the distinguished zero timestamp.
func (s Stamp) IsZero() bool {
	return s.Sec == 0 && s.Frac == 0
}

// Before reports whether s happens strictly before o.
func (s Stamp) Before(o Stamp) bool {
	return s.Sec < o.Sec || (s.Sec == o.Sec && s.Frac < o.Frac)
}

// After reports whether s happens strictly after o.
func (s Stamp) After(o Stamp) bool {
	return o.Before(s)
}

// Compare returns -1, 0 or 1 as s is before, equal to, or after o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Before(o):
		return -1
	case o.Before(s):
		return 1
	default:
		return 0
	}
}

// Add returns s advanced by d (d may be negative; results do not go below
// the zero Stamp).
func (s Stamp) Add(d time.Duration) Stamp {
	return FromDuration(s.Duration() + d)
}

// Sub returns the duration between s and o (s - o).
func (s Stamp) Sub(o Stamp) time.Duration {
	return s.Duration() - o.Duration()
}

// AlignDown rounds s down to the nearest multiple of width, matching the
// merge bin alignment of spec.md §4.4 (`ivl_start := next_ts - (next_ts mod
// flush_ivl)` uses the same arithmetic on flush intervals).
func AlignDown(s Stamp, width time.Duration) Stamp {
	if width <= 0 {
		return s
	}
	d := s.Duration()
	return FromDuration(d - d%width)
}

// CeilToMultiple rounds s up to the next W-aligned multiple strictly greater
// than s, per spec.md §4.4 step 4 ("ceiling ... to the next W-aligned
// multiple").
func CeilToMultiple(s Stamp, width time.Duration) Stamp {
	if width <= 0 {
		return s
	}
	d := s.Duration()
	rem := d % width
	if rem == 0 {
		return FromDuration(d + width)
	}
	return FromDuration(d - rem + width)
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d.%06d", s.Sec, (uint64(s.Frac)*1_000_000)>>32)
}
