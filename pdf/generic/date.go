package generic

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatDate renders t as a PDF date string, e.g. D:20260601080000Z or
// D:20260601100000+02'00'.
func FormatDate(t time.Time) string {
	_, offset := t.Zone()
	if offset == 0 {
		return t.Format("D:20060102150405") + "Z"
	}
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%s%c%02d'%02d'", t.Format("D:20060102150405"), sign, offset/3600, offset%3600/60)
}

// ParseDate reads a PDF date string. Missing trailing fields take their
// lowest value and a missing offset means UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "D:")
	if len(s) < 4 {
		return time.Time{}, fmt.Errorf("invalid PDF date %q", s)
	}
	fields := []int{0, 1, 1, 0, 0, 0}
	widths := []int{4, 2, 2, 2, 2, 2}
	pos := 0
	for i, w := range widths {
		if pos+w > len(s) || !isDigits(s[pos:pos+w]) {
			break
		}
		fields[i], _ = strconv.Atoi(s[pos : pos+w])
		pos += w
	}

	loc := time.UTC
	if rest := s[pos:]; rest != "" && rest[0] != 'Z' {
		if rest[0] != '+' && rest[0] != '-' {
			return time.Time{}, fmt.Errorf("invalid PDF date offset in %q", s)
		}
		tz := strings.ReplaceAll(rest[1:], "'", "")
		hours, minutes := 0, 0
		if len(tz) >= 2 {
			hours, _ = strconv.Atoi(tz[:2])
		}
		if len(tz) >= 4 {
			minutes, _ = strconv.Atoi(tz[2:4])
		}
		offset := hours*3600 + minutes*60
		if rest[0] == '-' {
			offset = -offset
		}
		loc = time.FixedZone("", offset)
	}
	return time.Date(fields[0], time.Month(fields[1]), fields[2], fields[3], fields[4], fields[5], 0, loc), nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
