// Package dateparse turns Microsoft Graph dateTimeTimeZone values into
// display strings in the viewer's local time.
package dateparse

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone rules for hosts without a zoneinfo database
)

// ShortLayout renders like the "g" general short pattern: M/d/yyyy h:mm tt.
const ShortLayout = "1/2/2006 3:04 PM"

// graphLayout is Graph's offset-less date-time. Parsing also accepts the
// seven fractional digits Graph appends.
const graphLayout = "2006-01-02T15:04:05"

var (
	// ErrUnknownTimeZone is returned when a zone id cannot be resolved.
	ErrUnknownTimeZone = errors.New("unknown time zone")
	// ErrInvalidDateTime is returned when the date-time string is malformed.
	ErrInvalidDateTime = errors.New("invalid date-time")
)

// FormatError describes a value that could not be formatted.
type FormatError struct {
	DateTime string
	TimeZone string
	Err      error
}

func (e *FormatError) Error() string {
	if errors.Is(e.Err, ErrUnknownTimeZone) {
		return fmt.Sprintf("%v %q", ErrUnknownTimeZone, e.TimeZone)
	}
	return fmt.Sprintf("%v %q: %v", ErrInvalidDateTime, e.DateTime, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Formatter converts zoned Graph timestamps to strings in Local.
type Formatter struct {
	// Local is the viewer's zone. Nil means time.Local.
	Local *time.Location
	// Layout is a time.Format layout. Empty means ShortLayout.
	Layout string
}

// NewFormatter returns a Formatter for the machine's local zone.
func NewFormatter() *Formatter {
	return &Formatter{Local: time.Local, Layout: ShortLayout}
}

// Format renders dateTime, a wall clock time in timeZone, in the viewer's
// zone.
func (f *Formatter) Format(dateTime, timeZone string) (string, error) {
	t, err := f.Instant(dateTime, timeZone)
	if err != nil {
		return "", err
	}

	layout := f.Layout
	if layout == "" {
		layout = ShortLayout
	}
	return t.Format(layout), nil
}

// Instant resolves dateTime in timeZone to an absolute time in the viewer's
// zone. The wall clock is anchored at the zone's base (standard) offset for
// that year, so a daylight-saving date in e.g. Pacific Standard Time is
// still read as UTC-8.
func (f *Formatter) Instant(dateTime, timeZone string) (time.Time, error) {
	loc, err := ResolveZone(timeZone)
	if err != nil {
		return time.Time{}, &FormatError{DateTime: dateTime, TimeZone: timeZone, Err: err}
	}

	wall, err := Parse(dateTime)
	if err != nil {
		return time.Time{}, &FormatError{DateTime: dateTime, TimeZone: timeZone, Err: err}
	}

	offset := BaseOffset(loc, wall.Year())
	anchored := time.Date(wall.Year(), wall.Month(), wall.Day(),
		wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(),
		time.FixedZone(timeZone, offset))

	local := f.Local
	if local == nil {
		local = time.Local
	}
	return anchored.In(local), nil
}

// Parse reads a Graph date-time as a wall clock value in UTC. Values that
// carry their own offset (RFC 3339) are converted to UTC first.
func Parse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty string", ErrInvalidDateTime)
	}

	if t, err := time.Parse(graphLayout, s); err == nil {
		return t, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateTime, s)
}

// BaseOffset returns loc's standard-time UTC offset in seconds for year,
// taken as the smaller of the January and July offsets. IsDST is not used:
// zones such as Europe/Dublin flag their winter time as daylight saving.
func BaseOffset(loc *time.Location, year int) int {
	_, janOffset := time.Date(year, time.January, 1, 12, 0, 0, 0, loc).Zone()
	_, julOffset := time.Date(year, time.July, 1, 12, 0, 0, 0, loc).Zone()
	return min(janOffset, julOffset)
}
