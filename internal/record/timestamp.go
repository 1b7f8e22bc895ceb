package record

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLayout is the canonical timestamp layout (YYYY-MM-DD HH:MM:SS).
const DefaultLayout = "2006-01-02 15:04:05"

// strftime directives and their Go layout equivalents.
var directives = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'I': "03",
	'M': "04",
	'S': "05",
	'f': "000000",
	'p': "PM",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'j': "002",
	'z': "-0700",
	'Z': "MST",
	'%': "%",
}

// Layout returns the Go time layout for format. Formats containing '%' are
// treated as strftime patterns (e.g. "%Y-%m-%d %H:%M:%S") and converted;
// anything else is returned unchanged. The layout must at least identify the
// calendar day.
func Layout(format string) (string, error) {
	if format == "" {
		return DefaultLayout, nil
	}
	layout := format
	if strings.Contains(format, "%") {
		var b strings.Builder
		for i := 0; i < len(format); i++ {
			if format[i] != '%' {
				b.WriteByte(format[i])
				continue
			}
			if i+1 == len(format) {
				return "", errors.New("trailing % in datetime format")
			}
			i++
			d, ok := directives[format[i]]
			if !ok {
				return "", fmt.Errorf("unsupported datetime directive %%%c", format[i])
			}
			b.WriteString(d)
		}
		layout = b.String()
	}
	ref := time.Date(2006, time.January, 2, 15, 4, 5, 0, time.UTC)
	parsed, err := time.ParseInLocation(layout, ref.Format(layout), time.UTC)
	if err != nil {
		return "", fmt.Errorf("datetime format %q does not round-trip: %w", format, err)
	}
	if parsed.Format("2006-01-02") != "2006-01-02" {
		return "", fmt.Errorf("datetime format %q does not identify the day", format)
	}
	return layout, nil
}

// Format formats t, in UTC, with layout.
func Format(t time.Time, layout string) string {
	return t.UTC().Format(layout)
}

// Parse parses s with layout. Timestamps without a zone are UTC.
func Parse(s, layout string) (time.Time, error) {
	return time.ParseInLocation(layout, s, time.UTC)
}

// Truncate returns t in UTC, reduced to the precision of layout, so that a
// timestamp survives a Format/Parse round trip unchanged.
func Truncate(t time.Time, layout string) time.Time {
	parsed, err := Parse(Format(t, layout), layout)
	if err != nil {
		return t.UTC()
	}
	return parsed
}
