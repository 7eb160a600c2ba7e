package followup

import (
	"errors"
	"testing"
	"time"

	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
)

func outcomes() []models.ReplyOutcome {
	return []models.ReplyOutcome{
		{LeadID: "1", Class: models.ReplyNone},
		{LeadID: "2", Class: models.ReplyOutOfOffice},
		{LeadID: "3", Class: models.ReplyInterested},
		{LeadID: "4", Class: models.ReplyNotInterested},
		{LeadID: "5", Class: models.ReplyUnsubscribed},
		{LeadID: "6", Class: models.ReplyBounced},
		{LeadID: "7", Class: models.ReplyNone},
		{LeadID: "1", Class: models.ReplyNone},
	}
}

func TestSchedule(t *testing.T) {
	completed := time.Date(2024, 5, 6, 15, 30, 0, 0, time.UTC)

	plan, err := Schedule(Request{
		CompletedAt:        &completed,
		Outcomes:           outcomes(),
		ExistingFollowUps:  1,
		RequestedDelayDays: 7,
	})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	want := []string{"1", "2", "7"}
	if len(plan.LeadIDs) != len(want) {
		t.Fatalf("expected %v, got %v", want, plan.LeadIDs)
	}
	for i := range want {
		if plan.LeadIDs[i] != want[i] {
			t.Errorf("expected %v, got %v", want, plan.LeadIDs)
		}
	}

	if plan.Sequence != 2 {
		t.Errorf("expected sequence 2, got %d", plan.Sequence)
	}
	if !plan.ScheduledAt.Equal(completed.AddDate(0, 0, 7)) {
		t.Errorf("unexpected scheduled at %v", plan.ScheduledAt)
	}
	if plan.Stats.NoReply != 2 || plan.Stats.OutOfOffice != 1 || plan.Stats.Excluded != 4 {
		t.Errorf("unexpected stats: %+v", plan.Stats)
	}
}

func TestScheduleMinimumDelay(t *testing.T) {
	completed := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		requested int
		minDays   int
		want      int
	}{
		{"requested below floor", 1, 0, MinDelayDays},
		{"requested above floor", 5, 0, 5},
		{"computed minimum wins", 2, 6, 6},
		{"zero requested", 0, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Schedule(Request{
				CompletedAt:        &completed,
				Outcomes:           outcomes(),
				RequestedDelayDays: tt.requested,
				MinDelayDays:       tt.minDays,
			})
			if err != nil {
				t.Fatal(err)
			}
			if plan.DelayDays != tt.want {
				t.Errorf("expected %d days, got %d", tt.want, plan.DelayDays)
			}
			if plan.ScheduledAt.Before(completed.AddDate(0, 0, MinDelayDays)) {
				t.Errorf("scheduled too early: %v", plan.ScheduledAt)
			}
		})
	}
}

func TestScheduleErrors(t *testing.T) {
	completed := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "parent running",
			req:  Request{Outcomes: outcomes()},
			want: ErrParentNotCompleted,
		},
		{
			name: "default limit",
			req:  Request{CompletedAt: &completed, Outcomes: outcomes(), ExistingFollowUps: DefaultMaxFollowUps},
			want: ErrLimitReached,
		},
		{
			name: "custom limit",
			req:  Request{CompletedAt: &completed, Outcomes: outcomes(), ExistingFollowUps: 2, MaxFollowUps: 2},
			want: ErrLimitReached,
		},
		{
			name: "everybody replied",
			req: Request{CompletedAt: &completed, Outcomes: []models.ReplyOutcome{
				{LeadID: "1", Class: models.ReplyInterested},
				{LeadID: "2", Class: models.ReplyBounced},
			}},
			want: ErrNoEligibleRecipients,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Schedule(tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMinDays(t *testing.T) {
	s := pacing.Schedule{WindowStart: 9 * 60, WindowEnd: 17 * 60, BaseDelay: 90 * time.Second}

	tests := []struct {
		recipients int
		want       int
	}{
		{0, 3},
		{100, 3},  // 2.5h of sending
		{1000, 4}, // 25h over 8h windows
		{2000, 7}, // 50h
	}
	for _, tt := range tests {
		if got := MinDays(tt.recipients, s); got != tt.want {
			t.Errorf("%d recipients: expected %d, got %d", tt.recipients, tt.want, got)
		}
	}
}

func TestNewCampaign(t *testing.T) {
	parent := models.Campaign{
		ID:         "42",
		Name:       "Spring outreach",
		Subject:    "Quick question",
		MailboxIDs: []string{"a", "b"},
		Schedule:   models.ScheduleSettings{AllowedDays: []string{"MON"}, MaxPerDay: 20},
	}
	completed := time.Date(2024, 5, 6, 12, 0, 0, 0, time.UTC)
	plan, err := Schedule(Request{CompletedAt: &completed, Outcomes: outcomes()})
	if err != nil {
		t.Fatal(err)
	}

	c := NewCampaign(parent, plan, "", "Just following up")
	if c.Subject != "Re: Quick question" {
		t.Errorf("unexpected subject %q", c.Subject)
	}
	if c.ParentID != "42" || c.FollowUpSequence != 1 {
		t.Errorf("unexpected chain fields: %+v", c)
	}
	if c.ScheduledAt == nil || !c.ScheduledAt.Equal(plan.ScheduledAt) {
		t.Errorf("unexpected scheduled at %v", c.ScheduledAt)
	}
	if c.Schedule.MaxPerDay != 20 {
		t.Error("expected schedule copied from parent")
	}

	c.MailboxIDs[0] = "changed"
	if parent.MailboxIDs[0] != "a" {
		t.Error("mailbox ids must be copied")
	}
}
