package qbank

import (
	"fmt"
	"strings"
	"time"
)

// RelativeDelta is a calendar-aware offset. Years and months are applied
// first, clipping the day to the end of the target month, then days and hours.
// Month arithmetic is therefore not associative: Jan 31 + 1 month + 1 month
// is Mar 28, while Jan 31 + 2 months is Mar 31.
type RelativeDelta struct {
	Years  int `json:"years,omitempty" yaml:"years,omitempty"`
	Months int `json:"months,omitempty" yaml:"months,omitempty"`
	Days   int `json:"days,omitempty" yaml:"days,omitempty"`
	Hours  int `json:"hours,omitempty" yaml:"hours,omitempty"`
}

func Months(n int) RelativeDelta { return RelativeDelta{Months: n} }
func Days(n int) RelativeDelta   { return RelativeDelta{Days: n} }

func (d RelativeDelta) IsZero() bool {
	return d == RelativeDelta{}
}

// TotalMonths folds years into months.
func (d RelativeDelta) TotalMonths() int {
	return d.Years*12 + d.Months
}

func (d RelativeDelta) Add(o RelativeDelta) RelativeDelta {
	return RelativeDelta{
		Years:  d.Years + o.Years,
		Months: d.Months + o.Months,
		Days:   d.Days + o.Days,
		Hours:  d.Hours + o.Hours,
	}
}

func (d RelativeDelta) Scale(k int) RelativeDelta {
	return RelativeDelta{Years: d.Years * k, Months: d.Months * k, Days: d.Days * k, Hours: d.Hours * k}
}

// AddTo applies the delta to t.
func (d RelativeDelta) AddTo(t time.Time) time.Time {
	if months := d.TotalMonths(); months != 0 {
		year, month, day := t.Date()
		total := int(month) - 1 + months
		year += floorDiv(total, 12)
		month = time.Month(total-floorDiv(total, 12)*12) + 1
		if last := daysIn(year, month); day > last {
			day = last
		}
		hour, min, sec := t.Clock()
		t = time.Date(year, month, day, hour, min, sec, t.Nanosecond(), t.Location())
	}
	if d.Days != 0 {
		t = t.AddDate(0, 0, d.Days)
	}
	if d.Hours != 0 {
		t = t.Add(time.Duration(d.Hours) * time.Hour)
	}
	return t
}

func (d RelativeDelta) String() string {
	if d.IsZero() {
		return "0"
	}
	var parts []string
	add := func(n int, unit string) {
		if n != 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, unit))
		}
	}
	add(d.Years, "years")
	add(d.Months, "months")
	add(d.Days, "days")
	add(d.Hours, "hours")
	return strings.Join(parts, " ")
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
