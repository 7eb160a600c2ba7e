package followup

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
)

var (
	ErrLimitReached         = errors.New("follow-up limit reached")
	ErrNoEligibleRecipients = errors.New("no eligible recipients for follow-up")
	ErrParentNotCompleted   = errors.New("parent campaign has not completed")
)

const (
	DefaultMaxFollowUps = 10
	// MinDelayDays is the floor for the wait between a campaign and its follow-up
	MinDelayDays = 3
)

// Request describes a follow-up to plan
type Request struct {
	// CompletedAt is when the parent campaign finished sending
	CompletedAt *time.Time
	Outcomes    []models.ReplyOutcome
	// ExistingFollowUps counts follow-ups already created for the parent
	ExistingFollowUps  int
	RequestedDelayDays int
	// MinDelayDays overrides the computed minimum; zero uses MinDelayDays
	MinDelayDays int
	// MaxFollowUps overrides DefaultMaxFollowUps when positive
	MaxFollowUps int
}

// Stats breaks down the parent's recipients
type Stats struct {
	NoReply     int                       `json:"no_reply"`
	OutOfOffice int                       `json:"out_of_office"`
	Excluded    int                       `json:"excluded"`
	ByClass     map[models.ReplyClass]int `json:"by_class"`
}

// Plan is the computed follow-up
type Plan struct {
	LeadIDs     []string  `json:"lead_ids"`
	ScheduledAt time.Time `json:"scheduled_at"`
	DelayDays   int       `json:"delay_days"`
	Sequence    int       `json:"sequence"`
	Stats       Stats     `json:"stats"`
}

// Eligible reports whether a reply class may receive a follow-up
func Eligible(class models.ReplyClass) bool {
	return class == models.ReplyNone || class == models.ReplyOutOfOffice
}

// Schedule selects eligible recipients and computes the earliest start of the follow-up
func Schedule(req Request) (*Plan, error) {
	if req.CompletedAt == nil || req.CompletedAt.IsZero() {
		return nil, ErrParentNotCompleted
	}

	maxFollowUps := req.MaxFollowUps
	if maxFollowUps <= 0 {
		maxFollowUps = DefaultMaxFollowUps
	}
	if req.ExistingFollowUps >= maxFollowUps {
		return nil, fmt.Errorf("%w: %d of %d", ErrLimitReached, req.ExistingFollowUps, maxFollowUps)
	}

	plan := &Plan{
		Sequence: req.ExistingFollowUps + 1,
		Stats:    Stats{ByClass: make(map[models.ReplyClass]int)},
	}

	seen := make(map[string]bool, len(req.Outcomes))
	for _, o := range req.Outcomes {
		if seen[o.LeadID] {
			continue
		}
		seen[o.LeadID] = true
		plan.Stats.ByClass[o.Class]++

		switch o.Class {
		case models.ReplyNone:
			plan.Stats.NoReply++
		case models.ReplyOutOfOffice:
			plan.Stats.OutOfOffice++
		default:
			plan.Stats.Excluded++
			continue
		}
		plan.LeadIDs = append(plan.LeadIDs, o.LeadID)
	}

	if len(plan.LeadIDs) == 0 {
		return nil, ErrNoEligibleRecipients
	}

	minDays := req.MinDelayDays
	if minDays <= 0 {
		minDays = MinDelayDays
	}
	plan.DelayDays = max(req.RequestedDelayDays, minDays)
	plan.ScheduledAt = req.CompletedAt.AddDate(0, 0, plan.DelayDays)

	return plan, nil
}

// MinDays returns the minimum follow-up delay so the parent's recipients can be
// sent within the schedule's window: ceil(recipients * delay / window), at least MinDelayDays.
func MinDays(recipients int, s pacing.Schedule) int {
	hours := s.WindowHours()
	if recipients <= 0 || hours <= 0 {
		return MinDelayDays
	}
	sendHours := float64(recipients) * s.BaseDelay.Hours()
	days := int(math.Ceil(sendHours / hours))
	return max(days, MinDelayDays)
}

// NewCampaign derives the follow-up campaign from its parent
func NewCampaign(parent models.Campaign, plan *Plan, subject, body string) models.Campaign {
	if subject == "" {
		subject = "Re: " + parent.Subject
	}
	scheduledAt := plan.ScheduledAt

	return models.Campaign{
		Name:             fmt.Sprintf("%s - Follow-up %d", parent.Name, plan.Sequence),
		Subject:          subject,
		Body:             body,
		HTML:             parent.HTML,
		MailboxIDs:       append([]string(nil), parent.MailboxIDs...),
		Schedule:         parent.Schedule,
		ScheduledAt:      &scheduledAt,
		ParentID:         parent.ID,
		FollowUpSequence: plan.Sequence,
	}
}
