package domain

import (
	"errors"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// Date is a calendar day without a time of day, encoded as YYYY-MM-DD.
type Date struct {
	t time.Time
}

// NewDate returns the calendar day of t in t's location.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp, keeping only the day.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, errors.New("empty date")
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return NewDate(t), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, err
	}
	return NewDate(t), nil
}

func (d Date) String() string { return d.t.Format(DateLayout) }

func (d Date) Time() time.Time { return d.t }

func (d Date) IsZero() bool { return d.t.IsZero() }

func (d Date) Before(other Date) bool { return d.t.Before(other.t) }

func (d Date) AddDays(n int) Date { return Date{t: d.t.AddDate(0, 0, n)} }

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
