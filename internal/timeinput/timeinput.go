// Package timeinput normalizes heterogeneous reminder-time inputs into an
// absolute instant. Accepted shapes, in priority order: epoch numbers
// (seconds or milliseconds), numeric-string epochs, ISO strings with an
// explicit zone, naive local datetimes, and as a last resort anything a
// generic date parser can make sense of.
package timeinput

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrInvalidTimeInput is returned when no rule produces a valid instant.
// Callers must reject the request; nothing is stored.
var ErrInvalidTimeInput = errors.New("timeinput: invalid time input")

// Values at or above this are milliseconds since epoch, below are seconds.
const msEpochThreshold = 1_000_000_000_000

var (
	zonedSuffixRe = regexp.MustCompile(`(Z|[+-]\d{2}:\d{2})$`)
	naiveRe       = regexp.MustCompile(`^\d{4}-?\d{2}-?\d{2}[T ]\d{2}:\d{2}(:\d{2})?$`)
	numericRe     = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

var zonedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"20060102T15:04:05",
	"20060102T15:04",
	"20060102 15:04:05",
	"20060102 15:04",
}

// Normalize converts a reminder-time value of unknown shape into an absolute
// instant (UTC). It is a pure function; naive datetimes are interpreted in
// the host's local zone.
func Normalize(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, ErrInvalidTimeInput
	case time.Time:
		if t.IsZero() {
			return time.Time{}, ErrInvalidTimeInput
		}
		return t.UTC(), nil
	case float64:
		return fromEpoch(int64(t)), nil
	case int:
		return fromEpoch(int64(t)), nil
	case int64:
		return fromEpoch(t), nil
	case json.Number:
		return NormalizeString(t.String())
	case string:
		return NormalizeString(t)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidTimeInput, v)
	}
}

// NormalizeString applies the string rules: numeric epoch, zoned ISO, naive
// local datetime, then a best-effort generic parse.
func NormalizeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimeInput
	}

	if numericRe.MatchString(s) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeInput, s)
		}
		return fromEpoch(int64(f)), nil
	}

	if zonedSuffixRe.MatchString(s) {
		for _, layout := range zonedLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
	}

	if naiveRe.MatchString(s) {
		for _, layout := range naiveLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return ts.UTC(), nil
			}
		}
	}

	// Last resort: generic parsing, naive forms interpreted as local time.
	if ts, err := dateparse.ParseIn(s, time.Local); err == nil && !ts.IsZero() {
		return ts.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeInput, s)
}

// NormalizeDateTime joins separate date and time fields with a T separator
// and normalizes the result as a naive local datetime.
func NormalizeDateTime(date, clock string) (time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, ErrInvalidTimeInput
	}
	return NormalizeString(date + "T" + clock)
}

func fromEpoch(n int64) time.Time {
	if n >= msEpochThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
