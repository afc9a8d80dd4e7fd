package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var datePhrases = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDate accepts RFC 3339, YYYY-MM-DD or an English phrase such as
// "yesterday" or "last friday", relative to now. Dates without a time are
// midnight UTC so they sort the same on every device.
func parseDate(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "today") {
		return day(now), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}

	r, err := datePhrases.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q (use YYYY-MM-DD or a phrase like 'yesterday')", s)
	}
	return day(r.Time), nil
}

// parseMonth accepts YYYY-MM, or a date phrase whose month is used.
func parseMonth(s string, now time.Time) (string, error) {
	if s == "" {
		return now.Format("2006-01"), nil
	}
	if _, err := time.Parse("2006-01", s); err == nil {
		return s, nil
	}
	t, err := parseDate(s, now)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01"), nil
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
