package app

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Segment artifact names carry local wall-clock timestamps for legibility.
// Canonical form: segment_<YYYYMMDDHHMM>_<YYYYMMDDHHMM>.<ext>
// Legacy form:    <YYYYMMDDHHMMSS>-<YYYYMMDDHHMMSS>.<ext> (read-only; the
// seconds digits are accepted but ignored, 12-digit stems work too).
const segmentStampLayout = "200601021504"

// SegmentFileName formats the canonical artifact name for a window.
func SegmentFileName(start, end time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("segment_%s_%s.%s",
		start.Local().Format(segmentStampLayout),
		end.Local().Format(segmentStampLayout),
		ext)
}

// ParseSegmentFileName recovers the window from an artifact name, accepting
// both the canonical and the legacy stem. Returned instants are UTC at
// minute precision.
func ParseSegmentFileName(name string) (start, end time.Time, err error) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))

	var a, b string
	switch {
	case strings.HasPrefix(stem, "segment_"):
		parts := strings.Split(strings.TrimPrefix(stem, "segment_"), "_")
		if len(parts) != 2 {
			return time.Time{}, time.Time{}, fmt.Errorf("malformed segment name %q", name)
		}
		a, b = parts[0], parts[1]
	case strings.Contains(stem, "-"):
		parts := strings.SplitN(stem, "-", 2)
		a, b = parts[0], parts[1]
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unrecognized segment name %q", name)
	}

	start, err = parseSegmentStamp(a)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("segment name %q: %w", name, err)
	}
	end, err = parseSegmentStamp(b)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("segment name %q: %w", name, err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("segment name %q: window end before start", name)
	}
	return start, end, nil
}

func parseSegmentStamp(s string) (time.Time, error) {
	switch len(s) {
	case 12:
	case 14:
		// Legacy stamps carry seconds; minute precision is the contract.
		s = s[:12]
	default:
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	t, err := time.ParseInLocation(segmentStampLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return t.UTC(), nil
}

// parseClockOffset parses an MM:SS session-relative offset into a duration.
func parseClockOffset(s string) (time.Duration, error) {
	var mm, ss int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &mm, &ss); err != nil {
		return 0, fmt.Errorf("bad offset %q", s)
	}
	if mm < 0 || ss < 0 || ss > 59 {
		return 0, fmt.Errorf("bad offset %q", s)
	}
	return time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second, nil
}

func formatClockOffset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// parseWallClock parses a local HH:MM wall-clock value on the given day.
func parseWallClock(s string, day time.Time) (time.Time, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, fmt.Errorf("bad wall clock %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, fmt.Errorf("bad wall clock %q", s)
	}
	local := day.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, time.Local), nil
}
