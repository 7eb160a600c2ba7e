package followup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/pacer/internal/models"
	"github.com/foxzi/pacer/internal/pacing"
)

// Store reads the parent campaign and persists the follow-up
type Store interface {
	Campaign(ctx context.Context, id string) (*models.Campaign, error)
	ReplyOutcomes(ctx context.Context, campaignID string) ([]models.ReplyOutcome, error)
	FollowUpCount(ctx context.Context, parentID string) (int, error)
	CreateFollowUp(ctx context.Context, c models.Campaign, leadIDs []string) (string, error)
}

// Options are the caller's choices for a follow-up
type Options struct {
	DelayDays    int    `json:"delay_days"`
	MaxFollowUps int    `json:"max_follow_ups"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
}

// Created is a persisted follow-up campaign
type Created struct {
	CampaignID string `json:"campaign_id"`
	Plan       *Plan  `json:"plan"`
}

// Service plans follow-ups from stored outcomes
type Service struct {
	store    Store
	location *time.Location
	logger   *slog.Logger
}

// NewService creates a follow-up service. loc is the fallback timezone of parent schedules.
func NewService(store Store, loc *time.Location, logger *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		location: loc,
		logger:   logger.With("component", "followup"),
	}
}

// Preview computes the follow-up plan without creating anything
func (s *Service) Preview(ctx context.Context, parentID string, opts Options) (*Plan, error) {
	_, plan, err := s.plan(ctx, parentID, opts)
	return plan, err
}

// Create plans and stores the follow-up campaign
func (s *Service) Create(ctx context.Context, parentID string, opts Options) (*Created, error) {
	parent, plan, err := s.plan(ctx, parentID, opts)
	if err != nil {
		return nil, err
	}

	c := NewCampaign(*parent, plan, opts.Subject, opts.Body)
	id, err := s.store.CreateFollowUp(ctx, c, plan.LeadIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create follow-up: %w", err)
	}

	s.logger.Info("follow-up created",
		"parent_id", parentID,
		"campaign_id", id,
		"sequence", plan.Sequence,
		"recipients", len(plan.LeadIDs),
		"scheduled_at", plan.ScheduledAt,
	)
	return &Created{CampaignID: id, Plan: plan}, nil
}

func (s *Service) plan(ctx context.Context, parentID string, opts Options) (*models.Campaign, *Plan, error) {
	parent, err := s.store.Campaign(ctx, parentID)
	if err != nil {
		return nil, nil, err
	}
	outcomes, err := s.store.ReplyOutcomes(ctx, parentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load reply outcomes: %w", err)
	}
	existing, err := s.store.FollowUpCount(ctx, parentID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to count follow-ups: %w", err)
	}

	req := Request{
		CompletedAt:        parent.CompletedAt,
		Outcomes:           outcomes,
		ExistingFollowUps:  existing,
		RequestedDelayDays: opts.DelayDays,
		MaxFollowUps:       opts.MaxFollowUps,
	}
	plan, err := Schedule(req)
	if err != nil {
		return nil, nil, err
	}

	// The minimum grows with the time the follow-up itself needs to go out
	if sched, err := pacing.FromSettings(parent.Schedule, s.location); err == nil {
		req.MinDelayDays = MinDays(len(plan.LeadIDs), sched)
		if plan, err = Schedule(req); err != nil {
			return nil, nil, err
		}
	} else {
		s.logger.Warn("parent schedule invalid, using default minimum delay", "parent_id", parentID, "error", err)
	}

	return parent, plan, nil
}
