package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pacer/internal/models"
)

var (
	bucketEntries = []byte("send_history")
	bucketSent    = []byte("sent_leads")
)

// DayStats summarizes successful sends of a campaign within a time range
type DayStats struct {
	Sent       int        `json:"sent"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// BoltStore is an append-only send history backed by BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates the history buckets in db
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketSent} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Append records a send attempt
func (s *BoltStore) Append(ctx context.Context, e models.SendHistoryEntry) error {
	if e.CampaignID == "" || e.LeadID == "" {
		return fmt.Errorf("history entry requires campaign and lead ids")
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put(entryKey(e.CampaignID, e.SentAt, e.LeadID), data); err != nil {
			return fmt.Errorf("failed to store history entry: %w", err)
		}
		if e.Status == models.SendStatusSent {
			ts := []byte(e.SentAt.UTC().Format(time.RFC3339Nano))
			if err := tx.Bucket(bucketSent).Put(sentKey(e.CampaignID, e.LeadID), ts); err != nil {
				return fmt.Errorf("failed to add to sent index: %w", err)
			}
		}
		return nil
	})
}

// SentLeads returns the ids of all leads that received the campaign
func (s *BoltStore) SentLeads(ctx context.Context, campaignID string) (map[string]bool, error) {
	leads := make(map[string]bool)
	prefix := []byte(campaignID + "/")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSent).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			leads[string(k[len(prefix):])] = true
		}
		return nil
	})
	return leads, err
}

// DayStats counts successful sends of a campaign in [from, to)
func (s *BoltStore) DayStats(ctx context.Context, campaignID string, from, to time.Time) (*DayStats, error) {
	stats := &DayStats{}
	prefix := []byte(campaignID + "/")
	start := timeKey(campaignID, from)
	end := timeKey(campaignID, to)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, end) < 0; k, v = c.Next() {
			var e models.SendHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if e.Status != models.SendStatusSent {
				continue
			}
			stats.Sent++
			sentAt := e.SentAt
			stats.LastSentAt = &sentAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// List returns up to limit entries of a campaign, newest first
func (s *BoltStore) List(ctx context.Context, campaignID string, limit int) ([]models.SendHistoryEntry, error) {
	var entries []models.SendHistoryEntry
	prefix := []byte(campaignID + "/")
	// "0" sorts right after "/" so seeking to it lands past the campaign's keys
	after := []byte(campaignID + "0")

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()

		k, v := c.Seek(after)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}

		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var e models.SendHistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// entryKey orders entries by campaign then time
func entryKey(campaignID string, t time.Time, leadID string) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", campaignID, t.UnixNano(), leadID))
}

func timeKey(campaignID string, t time.Time) []byte {
	return []byte(fmt.Sprintf("%s/%020d", campaignID, t.UnixNano()))
}

func sentKey(campaignID, leadID string) []byte {
	return []byte(campaignID + "/" + leadID)
}
