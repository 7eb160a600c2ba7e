package pacing

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrNoEligibleDay is returned when no allowed day exists within the search horizon
var ErrNoEligibleDay = errors.New("no eligible send day within search horizon")

const (
	defaultJitter    = 0.2
	defaultMaxSearch = 60
	maxPlannedSends  = 50
)

// HolidayChecker reports public holidays
type HolidayChecker interface {
	IsHoliday(ctx context.Context, date time.Time, country string) (bool, error)
}

// Input is the campaign state the next send is computed from
type Input struct {
	// LastSentAt is the last successful send of the campaign
	LastSentAt *time.Time
	// SentToday counts the campaign's sends on the current local day
	SentToday int
	// NotBefore is a lower bound such as the campaign's scheduled start
	NotBefore *time.Time
}

// Decision is the computed next send slot
type Decision struct {
	NextSendAt time.Time     `json:"next_send_at"`
	Delay      time.Duration `json:"delay"`
	Wait       time.Duration `json:"wait"`
	// NewDay is set when the slot falls on a later local day
	NewDay bool `json:"new_day"`
}

// Calculator computes legal send times
type Calculator struct {
	holidays      HolidayChecker
	now           func() time.Time
	rand          func() float64
	jitter        float64
	maxSearchDays int
}

// NewCalculator creates a calculator. holidays may be nil when no schedule respects holidays.
func NewCalculator(holidays HolidayChecker) *Calculator {
	return &Calculator{
		holidays:      holidays,
		now:           time.Now,
		rand:          rand.Float64,
		jitter:        defaultJitter,
		maxSearchDays: defaultMaxSearch,
	}
}

// Next returns the earliest legal send time with a freshly jittered delay
func (c *Calculator) Next(ctx context.Context, s Schedule, in Input) (*Decision, error) {
	delay := c.jittered(s.BaseDelay)
	now := c.now()

	next, err := c.plan(ctx, s, now, in, delay)
	if err != nil {
		return nil, err
	}

	loc := s.location()
	return &Decision{
		NextSendAt: next,
		Delay:      delay,
		Wait:       max(0, next.Sub(now)),
		NewDay:     !sameDay(next, now, loc),
	}, nil
}

// jittered returns base scaled by a uniform factor in [1-jitter, 1+jitter]
func (c *Calculator) jittered(base time.Duration) time.Duration {
	factor := 1 - c.jitter + 2*c.jitter*c.rand()
	return time.Duration(float64(base) * factor)
}

func (c *Calculator) plan(ctx context.Context, s Schedule, now time.Time, in Input, delay time.Duration) (time.Time, error) {
	loc := s.location()
	now = now.In(loc)

	var candidate time.Time
	if in.SentToday >= s.MaxPerDay {
		next, err := c.nextDayStart(ctx, s, now)
		if err != nil {
			return time.Time{}, err
		}
		candidate = next
	} else {
		candidate = now
		if in.LastSentAt != nil && sameDay(*in.LastSentAt, now, loc) {
			if chained := in.LastSentAt.Add(delay); chained.After(candidate) {
				candidate = chained
			}
		}
	}

	if in.NotBefore != nil && in.NotBefore.After(candidate) {
		candidate = *in.NotBefore
	}

	return c.fit(ctx, s, candidate.In(loc))
}

// fit moves t into the send window of an eligible day
func (c *Calculator) fit(ctx context.Context, s Schedule, t time.Time) (time.Time, error) {
	loc := s.location()
	if c.eligible(ctx, s, t) {
		start := s.WindowStart.On(t, loc)
		end := s.WindowEnd.On(t, loc)
		if t.Before(start) {
			return start, nil
		}
		if t.Before(end) {
			return t, nil
		}
	}
	return c.nextDayStart(ctx, s, t)
}

// nextDayStart returns the window start of the first eligible day after t
func (c *Calculator) nextDayStart(ctx context.Context, s Schedule, t time.Time) (time.Time, error) {
	loc := s.location()
	y, m, d := t.In(loc).Date()
	for i := 1; i <= c.maxSearchDays; i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
		if c.eligible(ctx, s, day) {
			return s.WindowStart.On(day, loc), nil
		}
	}
	return time.Time{}, ErrNoEligibleDay
}

// eligible reports whether the local day of t allows sending.
// Holiday lookup failures never block sending.
func (c *Calculator) eligible(ctx context.Context, s Schedule, t time.Time) bool {
	local := t.In(s.location())
	if !s.allowsWeekday(local.Weekday()) {
		return false
	}
	if !s.RespectHolidays || c.holidays == nil {
		return true
	}
	for _, cc := range s.HolidayCountries {
		holiday, err := c.holidays.IsHoliday(ctx, local, cc)
		if err == nil && holiday {
			return false
		}
	}
	return true
}

// Estimate is a projected send plan for a number of recipients
type Estimate struct {
	Recipients  int           `json:"recipients"`
	FirstSendAt time.Time     `json:"first_send_at"`
	LastSendAt  time.Time     `json:"last_send_at"`
	Duration    time.Duration `json:"duration"`
	SendDays    int           `json:"send_days"`
	// Sends lists the first planned slots
	Sends []time.Time `json:"sends,omitempty"`
}

// Estimate projects when recipients would be sent using the nominal delay.
// It follows the same stepping rules as Next, without jitter.
func (c *Calculator) Estimate(ctx context.Context, s Schedule, in Input, recipients int) (*Estimate, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	est := &Estimate{Recipients: recipients}
	if recipients <= 0 {
		return est, nil
	}

	loc := s.location()
	now := c.now()
	state := in
	var prevDay time.Time

	for i := 0; i < recipients; i++ {
		next, err := c.plan(ctx, s, now, state, s.BaseDelay)
		if err != nil {
			return nil, err
		}

		if i == 0 {
			est.FirstSendAt = next
		}
		if i == 0 || !sameDay(next, prevDay, loc) {
			est.SendDays++
			if i > 0 || !sameDay(next, now, loc) {
				state.SentToday = 0
			}
		}
		if len(est.Sends) < maxPlannedSends {
			est.Sends = append(est.Sends, next)
		}

		state.SentToday++
		sent := next
		state.LastSentAt = &sent
		state.NotBefore = nil
		prevDay = next
		now = next
		est.LastSendAt = next
	}

	est.Duration = est.LastSendAt.Sub(est.FirstSendAt)
	return est, nil
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}
