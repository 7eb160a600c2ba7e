package pacing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxzi/pacer/internal/models"
)

type fakeHolidays struct {
	days map[string]bool
	err  error
}

func (f *fakeHolidays) IsHoliday(ctx context.Context, date time.Time, country string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.days[country+"/"+date.Format("2006-01-02")], nil
}

func weekdaysOnly() Schedule {
	return Schedule{
		Weekdays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		WindowStart: 9 * 60,
		WindowEnd:   17 * 60,
		BaseDelay:   90 * time.Second,
		MaxPerDay:   50,
		Location:    time.UTC,
	}
}

func newTestCalculator(now time.Time, holidays HolidayChecker) *Calculator {
	c := NewCalculator(holidays)
	c.now = func() time.Time { return now }
	c.rand = func() float64 { return 0.5 }
	return c
}

func at(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func ptr(t time.Time) *time.Time { return &t }

func TestScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Schedule)
		wantErr bool
	}{
		{"valid", func(s *Schedule) {}, false},
		{"no weekdays", func(s *Schedule) { s.Weekdays = nil }, true},
		{"start equals end", func(s *Schedule) { s.WindowEnd = s.WindowStart }, true},
		{"start after end", func(s *Schedule) { s.WindowStart = 18 * 60 }, true},
		{"zero delay", func(s *Schedule) { s.BaseDelay = 0 }, true},
		{"zero max per day", func(s *Schedule) { s.MaxPerDay = 0 }, true},
		{"holidays without country", func(s *Schedule) { s.RespectHolidays = true }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := weekdaysOnly()
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidSchedule) {
				t.Errorf("expected ErrInvalidSchedule, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestFromSettings(t *testing.T) {
	s, err := FromSettings(models.ScheduleSettings{
		AllowedDays:      []string{"mon", "TUE", "tue", "FRI"},
		StartTime:        "08:30",
		EndTime:          "16:00",
		DelaySeconds:     120,
		MaxPerDay:        40,
		RespectHolidays:  true,
		HolidayCountries: []string{" pl", "de"},
	}, time.UTC)
	if err != nil {
		t.Fatalf("FromSettings failed: %v", err)
	}

	if len(s.Weekdays) != 3 {
		t.Errorf("expected 3 unique weekdays, got %v", s.Weekdays)
	}
	if s.WindowStart.String() != "08:30" || s.WindowEnd.String() != "16:00" {
		t.Errorf("unexpected window %s-%s", s.WindowStart, s.WindowEnd)
	}
	if s.BaseDelay != 2*time.Minute {
		t.Errorf("unexpected delay %v", s.BaseDelay)
	}
	if len(s.HolidayCountries) != 2 || s.HolidayCountries[0] != "PL" {
		t.Errorf("unexpected countries %v", s.HolidayCountries)
	}
	if s.WindowHours() != 7.5 {
		t.Errorf("expected 7.5 window hours, got %v", s.WindowHours())
	}

	bad := []models.ScheduleSettings{
		{AllowedDays: []string{"MONDAYISH"}, StartTime: "09:00", EndTime: "17:00", DelaySeconds: 1, MaxPerDay: 1},
		{AllowedDays: []string{"MON"}, StartTime: "9am", EndTime: "17:00", DelaySeconds: 1, MaxPerDay: 1},
		{AllowedDays: []string{"MON"}, StartTime: "09:00", EndTime: "17:00", DelaySeconds: 1, MaxPerDay: 1, Timezone: "Mars/Olympus"},
		{AllowedDays: []string{"MON"}, StartTime: "17:00", EndTime: "09:00", DelaySeconds: 1, MaxPerDay: 1},
	}
	for i, in := range bad {
		if _, err := FromSettings(in, time.UTC); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("case %d: expected ErrInvalidSchedule, got %v", i, err)
		}
	}
}

func TestNext(t *testing.T) {
	// 2024-05-06 is a Monday
	tests := []struct {
		name     string
		now      time.Time
		schedule func() Schedule
		input    Input
		holidays *fakeHolidays
		want     time.Time
		newDay   bool
	}{
		{
			name:     "first send inside window goes now",
			now:      at("2024-05-06 10:00:00"),
			schedule: weekdaysOnly,
			want:     at("2024-05-06 10:00:00"),
		},
		{
			name:     "chained to last send",
			now:      at("2024-05-06 10:00:00"),
			schedule: weekdaysOnly,
			input:    Input{LastSentAt: ptr(at("2024-05-06 09:59:30")), SentToday: 3},
			want:     at("2024-05-06 10:01:00"),
		},
		{
			name:     "stale chain computes from now",
			now:      at("2024-05-06 11:00:00"),
			schedule: weekdaysOnly,
			input:    Input{LastSentAt: ptr(at("2024-05-06 10:00:00")), SentToday: 3},
			want:     at("2024-05-06 11:00:00"),
		},
		{
			name:     "last send yesterday is ignored",
			now:      at("2024-05-07 09:00:10"),
			schedule: weekdaysOnly,
			input:    Input{LastSentAt: ptr(at("2024-05-06 16:59:59"))},
			want:     at("2024-05-07 09:00:10"),
		},
		{
			name:     "before window clamps to start",
			now:      at("2024-05-06 07:15:00"),
			schedule: weekdaysOnly,
			want:     at("2024-05-06 09:00:00"),
		},
		{
			name:     "window end is exclusive",
			now:      at("2024-05-09 17:00:00"),
			schedule: weekdaysOnly,
			want:     at("2024-05-10 09:00:00"),
			newDay:   true,
		},
		{
			name:     "chain crossing window end rolls over weekend",
			now:      at("2024-05-10 16:59:00"),
			schedule: weekdaysOnly,
			input:    Input{LastSentAt: ptr(at("2024-05-10 16:59:00")), SentToday: 10},
			want:     at("2024-05-13 09:00:00"),
			newDay:   true,
		},
		{
			name:     "daily cap rolls to next eligible day",
			now:      at("2024-05-10 10:00:00"),
			schedule: weekdaysOnly,
			input:    Input{LastSentAt: ptr(at("2024-05-10 09:59:00")), SentToday: 50},
			want:     at("2024-05-13 09:00:00"),
			newDay:   true,
		},
		{
			name: "holiday is skipped",
			now:  at("2024-05-10 18:00:00"),
			schedule: func() Schedule {
				s := weekdaysOnly()
				s.RespectHolidays = true
				s.HolidayCountries = []string{"DE", "PL"}
				return s
			},
			holidays: &fakeHolidays{days: map[string]bool{"PL/2024-05-13": true}},
			want:     at("2024-05-14 09:00:00"),
			newDay:   true,
		},
		{
			name: "holiday lookup failure fails open",
			now:  at("2024-05-10 18:00:00"),
			schedule: func() Schedule {
				s := weekdaysOnly()
				s.RespectHolidays = true
				s.HolidayCountries = []string{"PL"}
				return s
			},
			holidays: &fakeHolidays{err: errors.New("api down")},
			want:     at("2024-05-13 09:00:00"),
			newDay:   true,
		},
		{
			name:     "not before in the future",
			now:      at("2024-05-06 10:00:00"),
			schedule: weekdaysOnly,
			input:    Input{NotBefore: ptr(at("2024-05-08 12:30:00"))},
			want:     at("2024-05-08 12:30:00"),
			newDay:   true,
		},
		{
			name: "local timezone window",
			now:  at("2024-05-06 06:00:00"),
			schedule: func() Schedule {
				s := weekdaysOnly()
				s.Location = time.FixedZone("CEST", 2*3600)
				return s
			},
			want: at("2024-05-06 07:00:00"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var holidays HolidayChecker
			if tt.holidays != nil {
				holidays = tt.holidays
			}
			c := newTestCalculator(tt.now, holidays)

			d, err := c.Next(context.Background(), tt.schedule(), tt.input)
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if !d.NextSendAt.Equal(tt.want) {
				t.Errorf("expected %v, got %v", tt.want, d.NextSendAt)
			}
			if d.NewDay != tt.newDay {
				t.Errorf("expected new day %v, got %v", tt.newDay, d.NewDay)
			}
			if d.Wait != tt.want.Sub(tt.now) {
				t.Errorf("expected wait %v, got %v", tt.want.Sub(tt.now), d.Wait)
			}
			if d.Delay != 90*time.Second {
				t.Errorf("expected nominal delay at midpoint jitter, got %v", d.Delay)
			}
		})
	}
}

func TestNextJitterBounds(t *testing.T) {
	now := at("2024-05-06 10:00:00")
	last := at("2024-05-06 10:00:00")
	s := weekdaysOnly()
	s.BaseDelay = 100 * time.Second

	tests := []struct {
		r    float64
		want time.Duration
	}{
		{0, 80 * time.Second},
		{0.5, 100 * time.Second},
		{0.9999, 119996 * time.Millisecond},
	}

	for _, tt := range tests {
		c := newTestCalculator(now, nil)
		c.rand = func() float64 { return tt.r }

		d, err := c.Next(context.Background(), s, Input{LastSentAt: &last, SentToday: 1})
		if err != nil {
			t.Fatal(err)
		}
		if diff := d.Delay - tt.want; diff > time.Millisecond || diff < -time.Millisecond {
			t.Errorf("rand %v: expected delay ~%v, got %v", tt.r, tt.want, d.Delay)
		}
		if d.Delay < 80*time.Second || d.Delay > 120*time.Second {
			t.Errorf("delay %v out of jitter bounds", d.Delay)
		}
		if !d.NextSendAt.Equal(last.Add(d.Delay)) {
			t.Errorf("expected send at last+delay, got %v", d.NextSendAt)
		}
	}
}

func TestNextNoEligibleDay(t *testing.T) {
	s := weekdaysOnly()
	s.Weekdays = []time.Weekday{time.Saturday}
	s.RespectHolidays = true
	s.HolidayCountries = []string{"PL"}

	always := &alwaysHoliday{}
	c := newTestCalculator(at("2024-05-06 10:00:00"), always)

	if _, err := c.Next(context.Background(), s, Input{}); !errors.Is(err, ErrNoEligibleDay) {
		t.Errorf("expected ErrNoEligibleDay, got %v", err)
	}
}

type alwaysHoliday struct{}

func (alwaysHoliday) IsHoliday(context.Context, time.Time, string) (bool, error) { return true, nil }

func TestEstimate(t *testing.T) {
	s := weekdaysOnly()
	s.WindowEnd = 12 * 60
	s.BaseDelay = time.Hour

	tests := []struct {
		name       string
		maxPerDay  int
		recipients int
		wantLast   time.Time
		wantDays   int
	}{
		{"window bound", 10, 5, at("2024-05-07 10:00:00"), 2},
		{"cap bound", 2, 5, at("2024-05-08 09:00:00"), 3},
		{"single", 10, 1, at("2024-05-06 09:00:00"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.MaxPerDay = tt.maxPerDay
			c := newTestCalculator(at("2024-05-06 08:00:00"), nil)

			est, err := c.Estimate(context.Background(), s, Input{}, tt.recipients)
			if err != nil {
				t.Fatalf("Estimate failed: %v", err)
			}
			if !est.FirstSendAt.Equal(at("2024-05-06 09:00:00")) {
				t.Errorf("unexpected first send %v", est.FirstSendAt)
			}
			if !est.LastSendAt.Equal(tt.wantLast) {
				t.Errorf("expected last send %v, got %v", tt.wantLast, est.LastSendAt)
			}
			if est.SendDays != tt.wantDays {
				t.Errorf("expected %d send days, got %d", tt.wantDays, est.SendDays)
			}
			if len(est.Sends) != tt.recipients {
				t.Errorf("expected %d planned sends, got %d", tt.recipients, len(est.Sends))
			}
		})
	}
}
