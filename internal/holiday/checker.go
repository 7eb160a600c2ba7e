package holiday

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/pacer/internal/metrics"
)

var bucketHolidays = []byte("holidays")

const dateLayout = "2006-01-02"

// Static is a configured holiday that applies without an API lookup
type Static struct {
	// Date is YYYY-MM-DD
	Date string `yaml:"date"`
	// Country limits the holiday to one country; empty applies to all
	Country string `yaml:"country"`
	Name    string `yaml:"name"`
}

// Checker answers holiday queries from configured dates and a cached calendar
type Checker struct {
	fetcher Fetcher
	db      *bolt.DB
	logger  *slog.Logger

	static map[string]bool

	mu    sync.Mutex
	years map[string]map[string]bool // CC/YEAR -> set of dates
}

// NewChecker creates a checker. db may be nil to keep the cache in memory only;
// fetcher may be nil to use static dates only.
func NewChecker(fetcher Fetcher, db *bolt.DB, static []Static, logger *slog.Logger) (*Checker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Checker{
		fetcher: fetcher,
		db:      db,
		logger:  logger.With("component", "holiday"),
		static:  make(map[string]bool),
		years:   make(map[string]map[string]bool),
	}

	for _, s := range static {
		if _, err := time.Parse(dateLayout, s.Date); err != nil {
			return nil, fmt.Errorf("invalid static holiday date %q: %w", s.Date, err)
		}
		c.static[staticKey(s.Country, s.Date)] = true
	}

	if db != nil {
		err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketHolidays)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create holidays bucket: %w", err)
		}
	}

	return c, nil
}

func staticKey(country, date string) string {
	return strings.ToUpper(country) + "/" + date
}

func yearKey(country string, year int) string {
	return fmt.Sprintf("%s/%d", strings.ToUpper(country), year)
}

// IsHoliday reports whether date is a public holiday in country.
// Lookup failures are logged and treated as a regular day.
func (c *Checker) IsHoliday(ctx context.Context, date time.Time, country string) (bool, error) {
	day := date.Format(dateLayout)
	if c.static[staticKey("", day)] || c.static[staticKey(country, day)] {
		return true, nil
	}
	if c.fetcher == nil {
		return false, nil
	}

	dates, err := c.yearDates(ctx, date.Year(), country)
	if err != nil {
		metrics.IncHolidayLookup("error")
		c.logger.Warn("holiday lookup failed, treating day as regular",
			"country", country,
			"year", date.Year(),
			"error", err,
		)
		return false, nil
	}
	return dates[day], nil
}

// Holidays returns the cached or fetched holidays of a country for a year
func (c *Checker) Holidays(ctx context.Context, year int, country string) ([]string, error) {
	if c.fetcher == nil {
		return nil, nil
	}
	dates, err := c.yearDates(ctx, year, country)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dates))
	for d := range dates {
		out = append(out, d)
	}
	return out, nil
}

func (c *Checker) yearDates(ctx context.Context, year int, country string) (map[string]bool, error) {
	key := yearKey(country, year)

	c.mu.Lock()
	defer c.mu.Unlock()

	if dates, ok := c.years[key]; ok {
		metrics.IncHolidayLookup("memory")
		return dates, nil
	}

	if dates, ok := c.loadCached(key); ok {
		metrics.IncHolidayLookup("cache")
		c.years[key] = dates
		return dates, nil
	}

	holidays, err := c.fetcher.Fetch(ctx, year, country)
	if err != nil {
		return nil, err
	}
	metrics.IncHolidayLookup("fetch")

	dates := make(map[string]bool, len(holidays))
	list := make([]string, 0, len(holidays))
	for _, h := range holidays {
		// Regional holidays do not stop a nationwide campaign
		if !h.Global {
			continue
		}
		dates[h.Date] = true
		list = append(list, h.Date)
	}

	c.years[key] = dates
	c.storeCached(key, list)

	c.logger.Debug("holidays loaded", "country", country, "year", year, "count", len(dates))
	return dates, nil
}

func (c *Checker) loadCached(key string) (map[string]bool, bool) {
	if c.db == nil {
		return nil, false
	}

	var list []string
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHolidays).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &list)
	})
	if err != nil || !found {
		return nil, false
	}

	dates := make(map[string]bool, len(list))
	for _, d := range list {
		dates[d] = true
	}
	return dates, true
}

func (c *Checker) storeCached(key string, list []string) {
	if c.db == nil {
		return
	}

	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHolidays).Put([]byte(key), data)
	})
	if err != nil {
		c.logger.Warn("failed to cache holidays", "key", key, "error", err)
	}
}
