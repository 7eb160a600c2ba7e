package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist
var ErrNotFound = errors.New("not found")

// Mailbox is an outbound sending account
type Mailbox struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	DailyLimit  int    `json:"daily_limit"`
	Active      bool   `json:"active"`
	// Priority orders mailboxes with equal load; lower goes first
	Priority int `json:"priority"`

	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Security string `json:"security"` // starttls, tls, none
}

// Recipient is a lead targeted by a campaign
type Recipient struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
}

// Name returns a display label for progress reporting
func (r Recipient) Name() string {
	switch {
	case r.Company != "" && r.Email != "":
		return r.Company + " <" + r.Email + ">"
	case r.Email != "":
		return r.Email
	default:
		return r.ID
	}
}

// ScheduleSettings is the stored pacing configuration of a campaign
type ScheduleSettings struct {
	AllowedDays      []string `json:"allowed_days"` // MON..SUN
	StartTime        string   `json:"start_time"`   // HH:MM
	EndTime          string   `json:"end_time"`     // HH:MM
	DelaySeconds     int      `json:"delay_seconds"`
	MaxPerDay        int      `json:"max_per_day"`
	RespectHolidays  bool     `json:"respect_holidays"`
	HolidayCountries []string `json:"holiday_countries"`
	Timezone         string   `json:"timezone"`
}

// Campaign is an outreach campaign
type Campaign struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Subject    string           `json:"subject"`
	Body       string           `json:"body"`
	HTML       bool             `json:"html"`
	MailboxIDs []string         `json:"mailbox_ids"`
	Schedule   ScheduleSettings `json:"schedule"`

	// ScheduledAt delays the first send
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Follow-up chain
	ParentID         string `json:"parent_id,omitempty"`
	FollowUpSequence int    `json:"follow_up_sequence"`
}

// SendStatus is the result of a send attempt
type SendStatus string

const (
	SendStatusSent  SendStatus = "sent"
	SendStatusError SendStatus = "error"
)

// SendHistoryEntry records one send attempt
type SendHistoryEntry struct {
	CampaignID string     `json:"campaign_id"`
	MailboxID  string     `json:"mailbox_id"`
	LeadID     string     `json:"lead_id"`
	SentAt     time.Time  `json:"sent_at"`
	Status     SendStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// ReplyClass is the terminal classification of a recipient's reply
type ReplyClass string

const (
	ReplyInterested    ReplyClass = "interested"
	ReplyNotInterested ReplyClass = "not_interested"
	ReplyUnsubscribed  ReplyClass = "unsubscribed"
	ReplyBounced       ReplyClass = "bounced"
	ReplyOutOfOffice   ReplyClass = "out_of_office"
	ReplyNone          ReplyClass = "no_reply"
)

// ReplyOutcome is the classification of one recipient of a campaign
type ReplyOutcome struct {
	LeadID string     `json:"lead_id"`
	Class  ReplyClass `json:"class"`
}
