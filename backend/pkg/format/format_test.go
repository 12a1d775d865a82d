package format

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileSize(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1 MB"},
		{5.25 * 1024 * 1024 * 1024, "5.25 GB"},
		{1024 * 1024 * 1024 * 1024, "1 TB"},
		{2048 * 1024 * 1024 * 1024 * 1024, "2048 TB"},
		{0.5, "0.5 B"},
		{-1, "-"},
		{math.NaN(), "-"},
		{math.Inf(1), "-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FileSize(tt.in), "FileSize(%v)", tt.in)
	}
}

func TestTimestamp_SecondsMillisecondsBoundary(t *testing.T) {
	asSeconds := time.Unix(9_999_999_999, 0).Format("2006-01-02 15:04:05")
	assert.Equal(t, asSeconds, Timestamp(9_999_999_999))

	asMillis := time.UnixMilli(10_000_000_000).Format("2006-01-02 15:04:05")
	assert.Equal(t, asMillis, Timestamp(10_000_000_000))

	assert.Equal(t, Timestamp(1_700_000_000), Timestamp(1_700_000_000_000))
}

func TestTimestamp_Invalid(t *testing.T) {
	assert.Equal(t, "-", Timestamp(0))
	assert.Equal(t, "-", Timestamp(-5))
	assert.Equal(t, "-", Timestamp(math.NaN()))
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0s"},
		{-100, "0s"},
		{math.NaN(), "0s"},
		{999, "0s"},
		{45_000, "45s"},
		{59_999, "59s"},
		{60_000, "1m 0s"},
		{125_000, "2m 5s"},
		{3_599_999, "59m 59s"},
		{3_600_000, "1h 0m"},
		{5_400_000, "1h 30m"},
		{86_399_999, "23h 59m"},
		{86_400_000, "1d 0h"},
		{90_000_000, "1d 1h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Duration(tt.in), "Duration(%v)", tt.in)
	}
}

func TestRelativeTime(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	orig := Now
	Now = func() time.Time { return now }
	t.Cleanup(func() { Now = orig })

	ms := func(d time.Duration) float64 { return float64(now.Add(-d).UnixMilli()) }
	sec := func(d time.Duration) float64 { return float64(now.Add(-d).Unix()) }

	assert.Equal(t, "just now", RelativeTime(ms(30*time.Second)))
	assert.Equal(t, "1 minute ago", RelativeTime(ms(time.Minute)))
	assert.Equal(t, "5 minutes ago", RelativeTime(sec(5*time.Minute)))
	assert.Equal(t, "1 hour ago", RelativeTime(ms(90*time.Minute)))
	assert.Equal(t, "3 hours ago", RelativeTime(ms(3*time.Hour)))
	assert.Equal(t, "1 day ago", RelativeTime(ms(25*time.Hour)))
	assert.Equal(t, "30 days ago", RelativeTime(ms(30*24*time.Hour)))

	old := ms(31 * 24 * time.Hour)
	assert.Equal(t, Timestamp(old), RelativeTime(old))

	future := float64(now.Add(time.Hour).UnixMilli())
	assert.Equal(t, Timestamp(future), RelativeTime(future))

	assert.Equal(t, "-", RelativeTime(0))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "42.5%", Percent(42.5, 1))
	assert.Equal(t, "100%", Percent(100, 0))
	assert.Equal(t, "33.33%", Percent(100.0/3, 2))
	assert.Equal(t, "7%", Percent(7, -1))
	assert.Equal(t, "-", Percent(math.NaN(), 1))
}

func TestNumber(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{1234567, "1,234,567"},
		{1234.5678, "1,234.57"},
		{-9876543.2, "-9,876,543.2"},
		{math.Inf(-1), "-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Number(tt.in), "Number(%v)", tt.in)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "exact", Truncate("exact", 5))
	assert.Equal(t, "hello...", Truncate("hello world", 5))
	assert.Equal(t, "实验...", Truncate("实验记录", 2))
	assert.Equal(t, "...", Truncate("abc", -3))
}

func TestRunID(t *testing.T) {
	assert.Equal(t, "20240310...", RunID("20240310_120000_abcdef"))
	assert.Equal(t, "abc", RunID("abc"))
	assert.Equal(t, "-", RunID(""))
}
