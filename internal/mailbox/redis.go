package mailbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/pacer/internal/metrics"
	"github.com/foxzi/pacer/internal/models"
)

// DefaultRedisPrefix namespaces the quota hashes
const DefaultRedisPrefix = "pacer:quota:"

// acquireScript picks the best candidate and reserves one send in a single
// step. KEYS are the candidate hashes; ARGV is day, now in unix ms, then a
// limit and priority pair per key. Returns {index, sent_today} with a 1-based
// index, or {0, 0} when every candidate is exhausted.
var acquireScript = redis.NewScript(`
	local day = ARGV[1]
	local now = ARGV[2]
	local best, bestSent, bestLimit, bestPrio, bestUsed
	for i = 1, #KEYS do
		local limit = tonumber(ARGV[1 + i * 2])
		local prio = tonumber(ARGV[2 + i * 2])
		local c = redis.call("hmget", KEYS[i], "day", "sent", "last")
		local sent = 0
		if c[1] == day and c[2] then
			sent = tonumber(c[2])
		end
		local used = 0
		if c[3] then
			used = tonumber(c[3])
		end
		if sent < limit then
			local better = best == nil
			if not better then
				local lhs = sent * bestLimit
				local rhs = bestSent * limit
				if lhs ~= rhs then
					better = lhs < rhs
				elseif prio ~= bestPrio then
					better = prio < bestPrio
				else
					better = used < bestUsed
				end
			end
			if better then
				best, bestSent, bestLimit, bestPrio, bestUsed = i, sent, limit, prio, used
			end
		end
	end
	if best == nil then
		return {0, 0}
	end
	redis.call("hset", KEYS[best], "day", day, "sent", bestSent + 1, "last", now)
	redis.call("hincrby", KEYS[best], "total", 1)
	return {best, bestSent + 1}
`)

// RedisAllocator keeps the sent-today counters in Redis so that every
// dispatch process draws from the same quota. Selection matches Allocator.
type RedisAllocator struct {
	client *redis.Client
	prefix string
	loc    *time.Location
	now    func() time.Time
}

// NewRedisAllocator creates an allocator on client. Counters roll over at midnight in loc.
func NewRedisAllocator(client *redis.Client, prefix string, loc *time.Location) *RedisAllocator {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if loc == nil {
		loc = time.UTC
	}
	return &RedisAllocator{
		client: client,
		prefix: prefix,
		loc:    loc,
		now:    time.Now,
	}
}

func (a *RedisAllocator) key(mailboxID string) string {
	return a.prefix + mailboxID
}

// Acquire selects an eligible mailbox among candidates and reserves one send
func (a *RedisAllocator) Acquire(ctx context.Context, candidates []models.Mailbox) (*Result, error) {
	now := a.now()

	var eligible []models.Mailbox
	var keys []string
	args := []interface{}{dayKey(now, a.loc), now.UnixMilli()}
	for _, mb := range candidates {
		if !mb.Active || mb.DailyLimit <= 0 {
			continue
		}
		eligible = append(eligible, mb)
		keys = append(keys, a.key(mb.ID))
		args = append(args, mb.DailyLimit, mb.Priority)
	}

	exhausted := &Result{Allowed: false, RetryAt: nextReset(now, a.loc)}
	if len(eligible) == 0 {
		metrics.IncMailboxAllocation("exhausted")
		return exhausted, nil
	}

	res, err := acquireScript.Run(ctx, a.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve mailbox quota: %w", err)
	}
	if len(res) != 2 || res[0] < 0 || int(res[0]) > len(eligible) {
		return nil, fmt.Errorf("unexpected quota reply %v", res)
	}
	if res[0] == 0 {
		metrics.IncMailboxAllocation("exhausted")
		return exhausted, nil
	}

	mb := eligible[res[0]-1]
	sent := int(res[1])
	metrics.IncMailboxAllocation("allowed")
	return &Result{
		Allowed:   true,
		Mailbox:   mb,
		SentToday: sent,
		Remaining: mb.DailyLimit - sent,
	}, nil
}

// Stats returns quota information for the given mailboxes without reserving anything
func (a *RedisAllocator) Stats(ctx context.Context, mailboxes []models.Mailbox) ([]Quota, error) {
	quotas := make([]Quota, 0, len(mailboxes))
	if len(mailboxes) == 0 {
		return quotas, nil
	}

	cmds := make([]*redis.SliceCmd, len(mailboxes))
	_, err := a.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, mb := range mailboxes {
			cmds[i] = pipe.HMGet(ctx, a.key(mb.ID), "day", "sent", "total", "last")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read mailbox quotas: %w", err)
	}

	day := dayKey(a.now(), a.loc)
	for i, mb := range mailboxes {
		quotas = append(quotas, quotaOf(mb, parseCounter(cmds[i].Val(), day)))
	}
	return quotas, nil
}

// Reset zeroes today's counter of a mailbox
func (a *RedisAllocator) Reset(ctx context.Context, mailboxID string) error {
	day := dayKey(a.now(), a.loc)
	if err := a.client.HSet(ctx, a.key(mailboxID), "day", day, "sent", 0).Err(); err != nil {
		return fmt.Errorf("failed to reset counter for %s: %w", mailboxID, err)
	}
	return nil
}

// parseCounter decodes an HMGET reply of day, sent, total, last
func parseCounter(vals []interface{}, day string) Counter {
	field := func(i int) string {
		if i >= len(vals) {
			return ""
		}
		s, _ := vals[i].(string)
		return s
	}

	c := Counter{Day: day}
	if field(0) == day {
		c.SentToday, _ = strconv.Atoi(field(1))
	}
	c.TotalSent, _ = strconv.Atoi(field(2))
	if ms, err := strconv.ParseInt(field(3), 10, 64); err == nil && ms > 0 {
		c.LastUsedAt = time.UnixMilli(ms)
	}
	return c
}
