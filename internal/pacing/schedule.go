package pacing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/pacer/internal/models"
)

// ErrInvalidSchedule is wrapped by all schedule validation errors
var ErrInvalidSchedule = errors.New("invalid schedule")

var weekdayCodes = map[string]time.Weekday{
	"MON": time.Monday,
	"TUE": time.Tuesday,
	"WED": time.Wednesday,
	"THU": time.Thursday,
	"FRI": time.Friday,
	"SAT": time.Saturday,
	"SUN": time.Sunday,
}

// ParseWeekday parses a MON..SUN day code
func ParseWeekday(code string) (time.Weekday, error) {
	d, ok := weekdayCodes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown day code %q", ErrInvalidSchedule, code)
	}
	return d, nil
}

// TimeOfDay is a wall clock time as minutes since midnight
type TimeOfDay int

// ParseTimeOfDay parses HH:MM
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: bad time %q (expected HH:MM)", ErrInvalidSchedule, s)
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On returns the instant of t on the calendar day of day, in loc
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc)
}

// Schedule constrains when a campaign may send
type Schedule struct {
	Weekdays         []time.Weekday
	WindowStart      TimeOfDay
	WindowEnd        TimeOfDay
	BaseDelay        time.Duration
	MaxPerDay        int
	RespectHolidays  bool
	HolidayCountries []string
	Location         *time.Location
}

// Validate checks the schedule for configuration errors
func (s Schedule) Validate() error {
	if len(s.Weekdays) == 0 {
		return fmt.Errorf("%w: no allowed weekdays", ErrInvalidSchedule)
	}
	if s.WindowStart < 0 || s.WindowEnd > 24*60 {
		return fmt.Errorf("%w: window out of range", ErrInvalidSchedule)
	}
	if s.WindowStart >= s.WindowEnd {
		return fmt.Errorf("%w: window start %s must be before end %s", ErrInvalidSchedule, s.WindowStart, s.WindowEnd)
	}
	if s.BaseDelay <= 0 {
		return fmt.Errorf("%w: base delay must be positive", ErrInvalidSchedule)
	}
	if s.MaxPerDay <= 0 {
		return fmt.Errorf("%w: max per day must be positive", ErrInvalidSchedule)
	}
	if s.RespectHolidays && len(s.HolidayCountries) == 0 {
		return fmt.Errorf("%w: holidays respected but no country configured", ErrInvalidSchedule)
	}
	return nil
}

// WindowHours returns the length of the daily send window in hours
func (s Schedule) WindowHours() float64 {
	return float64(s.WindowEnd-s.WindowStart) / 60
}

func (s Schedule) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

func (s Schedule) allowsWeekday(d time.Weekday) bool {
	for _, w := range s.Weekdays {
		if w == d {
			return true
		}
	}
	return false
}

// FromSettings builds and validates a schedule from stored campaign settings.
// fallback is used when the settings carry no timezone.
func FromSettings(in models.ScheduleSettings, fallback *time.Location) (Schedule, error) {
	var s Schedule

	for _, code := range in.AllowedDays {
		d, err := ParseWeekday(code)
		if err != nil {
			return s, err
		}
		if !s.allowsWeekday(d) {
			s.Weekdays = append(s.Weekdays, d)
		}
	}

	var err error
	if s.WindowStart, err = ParseTimeOfDay(in.StartTime); err != nil {
		return s, err
	}
	if in.EndTime == "24:00" {
		s.WindowEnd = 24 * 60
	} else if s.WindowEnd, err = ParseTimeOfDay(in.EndTime); err != nil {
		return s, err
	}

	s.BaseDelay = time.Duration(in.DelaySeconds) * time.Second
	s.MaxPerDay = in.MaxPerDay
	s.RespectHolidays = in.RespectHolidays
	for _, cc := range in.HolidayCountries {
		if cc = strings.ToUpper(strings.TrimSpace(cc)); cc != "" {
			s.HolidayCountries = append(s.HolidayCountries, cc)
		}
	}

	s.Location = fallback
	if in.Timezone != "" {
		loc, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return s, fmt.Errorf("%w: unknown timezone %q", ErrInvalidSchedule, in.Timezone)
		}
		s.Location = loc
	}

	return s, s.Validate()
}
