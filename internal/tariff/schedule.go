package tariff

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const day = 24 * time.Hour

// Band is a daily time-of-day rate such as an overnight off-peak slot.
// A band whose end is not after its start wraps past midnight.
type Band struct {
	Start time.Duration
	End   time.Duration
	Rate  decimal.Decimal
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

func (b Band) contains(off time.Duration) bool {
	if b.End > b.Start {
		return off >= b.Start && off < b.End
	}
	return off >= b.Start || off < b.End
}

// Schedule prices time by daily bands. Time outside every band uses the
// default rate, or is left uncovered when there is none.
type Schedule struct {
	bands      []Band
	def        *decimal.Decimal
	loc        *time.Location
	boundaries []time.Duration
}

func NewSchedule(bands []Band, def *decimal.Decimal, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.Local
	}
	seen := map[time.Duration]bool{0: true, day: true}
	for i, b := range bands {
		if b.Start < 0 || b.Start > day || b.End < 0 || b.End > day {
			return nil, fmt.Errorf("band %d: clock out of range", i)
		}
		if b.Start == b.End {
			return nil, fmt.Errorf("band %d: empty band", i)
		}
		if b.Rate.IsNegative() {
			return nil, fmt.Errorf("band %d: negative rate", i)
		}
		seen[b.Start%day] = true
		seen[b.End%day] = true
	}
	s := &Schedule{bands: append([]Band(nil), bands...), def: def, loc: loc}
	for off := range seen {
		s.boundaries = append(s.boundaries, off)
	}
	sort.Slice(s.boundaries, func(i, j int) bool { return s.boundaries[i] < s.boundaries[j] })
	return s, nil
}

func (s *Schedule) rateAt(off time.Duration) (decimal.Decimal, bool) {
	for _, b := range s.bands {
		if b.contains(off) {
			return b.Rate, true
		}
	}
	if s.def != nil {
		return *s.def, true
	}
	return decimal.Zero, false
}

func (s *Schedule) nextBoundary(off time.Duration) time.Duration {
	for _, b := range s.boundaries {
		if b > off {
			return b
		}
	}
	return day
}

// clockOf is the wall-clock offset of t from its local midnight.
func clockOf(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
}

// wallTime returns the instant the local clock reads off on t's date, so
// band edges follow the clock across daylight-saving changes.
func (s *Schedule) wallTime(t time.Time, off time.Duration) time.Time {
	h := int(off / time.Hour)
	m := int(off % time.Hour / time.Minute)
	return time.Date(t.Year(), t.Month(), t.Day(), h, m, 0, 0, s.loc)
}

func (s *Schedule) Windows(_ context.Context, start, end time.Time) ([]Window, error) {
	var out []Window
	for cur := start; cur.Before(end); {
		local := cur.In(s.loc)
		off := clockOf(local)

		next := s.wallTime(local, s.nextBoundary(off))
		if !next.After(cur) {
			next = cur.Add(time.Minute)
		}
		if next.After(end) {
			next = end
		}
		if rate, ok := s.rateAt(off); ok {
			if n := len(out); n > 0 && out[n-1].End.Equal(cur) && out[n-1].RatePerKWh.Equal(rate) {
				out[n-1].End = next
			} else {
				out = append(out, Window{Start: cur, End: next, RatePerKWh: rate})
			}
		}
		cur = next
	}
	if len(out) == 0 {
		return nil, ErrNoTariffData
	}
	return out, nil
}
