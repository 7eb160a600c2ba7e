// Package postgres reads campaigns, recipients and mailboxes from the
// application's PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/foxzi/pacer/internal/models"
)

// Store is a read-mostly adapter over the outreach tables
type Store struct {
	db *sql.DB
}

// Open connects with the lib/pq driver and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

const campaignColumns = `id, name, subject, body, is_html, mailbox_ids, schedule,
	scheduled_at, completed_at, parent_id, followup_sequence`

// Campaign loads one campaign
func (s *Store) Campaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)

	var (
		c           models.Campaign
		schedule    []byte
		scheduledAt sql.NullTime
		completedAt sql.NullTime
		parentID    sql.NullString
	)
	err := row.Scan(&c.ID, &c.Name, &c.Subject, &c.Body, &c.HTML, pq.Array(&c.MailboxIDs), &schedule,
		&scheduledAt, &completedAt, &parentID, &c.FollowUpSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", id, err)
	}

	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &c.Schedule); err != nil {
			return nil, fmt.Errorf("invalid schedule of campaign %s: %w", id, err)
		}
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	c.ParentID = parentID.String

	return &c, nil
}

// Recipients returns the campaign's leads in enrollment order
func (s *Store) Recipients(ctx context.Context, campaignID string) ([]models.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.email, l.first_name, l.last_name, l.company
		FROM campaign_leads cl
		JOIN leads l ON l.id = cl.lead_id
		WHERE cl.campaign_id = $1 AND l.email <> ''
		ORDER BY cl.created_at, l.id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recipients: %w", err)
	}
	defer rows.Close()

	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var first, last, company sql.NullString
		if err := rows.Scan(&r.ID, &r.Email, &first, &last, &company); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		r.FirstName, r.LastName, r.Company = first.String, last.String, company.String
		out = append(out, r)
	}
	return out, rows.Err()
}

const mailboxColumns = `id, email, display_name, daily_limit, is_active, priority,
	smtp_host, smtp_port, smtp_username, smtp_password, smtp_security`

// Mailboxes returns the given mailboxes by priority, then in the order of ids
func (s *Store) Mailboxes(ctx context.Context, ids []string) ([]models.Mailbox, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes
		WHERE id = ANY($1) ORDER BY priority, array_position($1, id)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	return scanMailboxes(rows)
}

// AllMailboxes lists every mailbox by priority
func (s *Store) AllMailboxes(ctx context.Context) ([]models.Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mailboxColumns+` FROM mailboxes ORDER BY priority, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	return scanMailboxes(rows)
}

func scanMailboxes(rows *sql.Rows) ([]models.Mailbox, error) {
	defer rows.Close()

	var out []models.Mailbox
	for rows.Next() {
		var mb models.Mailbox
		var name, user, pass sql.NullString
		if err := rows.Scan(&mb.ID, &mb.Email, &name, &mb.DailyLimit, &mb.Active, &mb.Priority,
			&mb.SMTPHost, &mb.SMTPPort, &user, &pass, &mb.Security); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mb.DisplayName, mb.Username, mb.Password = name.String, user.String, pass.String
		out = append(out, mb)
	}
	return out, rows.Err()
}

// MarkCompleted stamps the campaign's completion time once
func (s *Store) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET completed_at = $2 WHERE id = $1 AND completed_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark campaign %s completed: %w", id, err)
	}
	return nil
}

// ReplyOutcomes returns the reply classification of every lead of the campaign
func (s *Store) ReplyOutcomes(ctx context.Context, campaignID string) ([]models.ReplyOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lead_id, COALESCE(reply_class, '')
		FROM campaign_leads
		WHERE campaign_id = $1
		ORDER BY created_at, lead_id
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reply outcomes: %w", err)
	}
	defer rows.Close()

	var out []models.ReplyOutcome
	for rows.Next() {
		var o models.ReplyOutcome
		var class string
		if err := rows.Scan(&o.LeadID, &class); err != nil {
			return nil, fmt.Errorf("failed to scan reply outcome: %w", err)
		}
		o.Class = models.ReplyClass(class)
		if o.Class == "" {
			o.Class = models.ReplyNone
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// FollowUpCount counts follow-ups already derived from the campaign
func (s *Store) FollowUpCount(ctx context.Context, parentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns WHERE parent_id = $1`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count follow-ups: %w", err)
	}
	return n, nil
}

// CreateFollowUp inserts a follow-up campaign with its leads and returns the new id
func (s *Store) CreateFollowUp(ctx context.Context, c models.Campaign, leadIDs []string) (string, error) {
	schedule, err := json.Marshal(c.Schedule)
	if err != nil {
		return "", fmt.Errorf("failed to encode schedule: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO campaigns (name, subject, body, is_html, mailbox_ids, schedule, scheduled_at, parent_id, followup_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, c.Name, c.Subject, c.Body, c.HTML, pq.Array(c.MailboxIDs), schedule, c.ScheduledAt, c.ParentID, c.FollowUpSequence).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert follow-up campaign: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_leads (campaign_id, lead_id)
		SELECT $1, unnest($2::text[])
	`, id, pq.Array(leadIDs))
	if err != nil {
		return "", fmt.Errorf("failed to enroll follow-up leads: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit follow-up: %w", err)
	}
	return id, nil
}
