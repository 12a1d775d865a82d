// Package format turns raw numbers and timestamps into display strings.
// Every function is total: bad input yields a placeholder, never a panic.
package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Placeholder is shown for missing or invalid values.
const Placeholder = "-"

// msThreshold separates epoch seconds from epoch milliseconds.
const msThreshold = 10_000_000_000

// Now is the clock used by RelativeTime.
var Now = time.Now

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB"}

func invalid(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

// FileSize formats a byte count with base-1024 units and two decimals.
func FileSize(bytes float64) string {
	if invalid(bytes) || bytes < 0 {
		return Placeholder
	}
	if bytes == 0 {
		return "0 B"
	}
	// floor(log1024(bytes)) without the float error of math.Log
	i, value := 0, bytes
	for value >= 1024 && i < len(sizeUnits)-1 {
		value /= 1024
		i++
	}
	return trimDecimals(value, 2) + " " + sizeUnits[i]
}

// toTime converts an epoch value in seconds or milliseconds.
func toTime(v float64) (time.Time, bool) {
	if invalid(v) || v <= 0 {
		return time.Time{}, false
	}
	if v < msThreshold {
		return time.UnixMilli(int64(math.Round(v * 1000))), true
	}
	return time.UnixMilli(int64(v)), true
}

// Timestamp renders an epoch value as "YYYY-MM-DD HH:mm:ss" in local time.
func Timestamp(v float64) string {
	t, ok := toTime(v)
	if !ok {
		return Placeholder
	}
	return t.Format("2006-01-02 15:04:05")
}

// Duration renders milliseconds using the largest fitting unit pair.
func Duration(ms float64) string {
	if invalid(ms) || ms <= 0 {
		return "0s"
	}
	total := int64(ms / 1000)
	days := total / 86400
	hours := (total % 86400) / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// RelativeTime renders "just now", "N minutes ago" and so on. Anything older
// than 30 days, or in the future, falls back to Timestamp.
func RelativeTime(v float64) string {
	t, ok := toTime(v)
	if !ok {
		return Placeholder
	}
	diff := Now().Sub(t)
	switch {
	case diff < 0:
		return Timestamp(v)
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return ago(int(diff/time.Minute), "minute")
	case diff < 24*time.Hour:
		return ago(int(diff/time.Hour), "hour")
	case diff <= 30*24*time.Hour:
		return ago(int(diff/(24*time.Hour)), "day")
	default:
		return Timestamp(v)
	}
}

func ago(n int, unit string) string {
	if n == 1 {
		return "1 " + unit + " ago"
	}
	return strconv.Itoa(n) + " " + unit + "s ago"
}

// Percent formats v (already 0-100) with the given number of decimals.
func Percent(v float64, decimals int) string {
	if invalid(v) {
		return Placeholder
	}
	if decimals < 0 {
		decimals = 0
	}
	return strconv.FormatFloat(v, 'f', decimals, 64) + "%"
}

// Number groups thousands with commas and keeps at most two decimals.
func Number(v float64) string {
	if invalid(v) {
		return Placeholder
	}
	s := trimDecimals(v, 2)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var sb strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(r)
	}
	if hasFrac {
		sb.WriteByte('.')
		sb.WriteString(frac)
	}
	return sign + sb.String()
}

// Truncate cuts s to max runes and appends "..." when anything was dropped.
func Truncate(s string, max int) string {
	if max < 0 {
		max = 0
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

// RunID shortens a run id to its first 8 characters.
func RunID(id string) string {
	if id == "" {
		return Placeholder
	}
	return Truncate(id, 8)
}

// trimDecimals rounds to n decimals and drops trailing zeros.
func trimDecimals(v float64, n int) string {
	s := strconv.FormatFloat(v, 'f', n, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		s = "0"
	}
	return s
}
