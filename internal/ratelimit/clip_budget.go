// Package ratelimit meters how many clips each tenant may request from the
// generation provider.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one admission request.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until enough clips have refilled. Zero with
	// Allowed false means the request can never fit the budget.
	RetryAfter time.Duration
}

// ClipBudget is a Redis-backed token bucket where one token pays for one
// clip. A job is admitted only when its whole clip count fits.
type ClipBudget struct {
	client   *redis.Client
	capacity int
	refill   float64 // clips per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

func NewClipBudget(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *ClipBudget {
	return &ClipBudget{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "adgen:clips:",
		now:      time.Now,
	}
}

// Take spends clips tokens from tenant's budget, all or nothing.
func (b *ClipBudget) Take(ctx context.Context, tenant string, clips int) (Decision, error) {
	if clips < 1 {
		clips = 1
	}
	res, err := takeScript.Run(ctx, b.client, []string{b.prefix + tenant},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds(), clips).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("clip budget: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("clip budget: unexpected reply %v", res)
	}
	wait, _ := res[0].(int64)
	level, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(level, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("clip budget: bad level %q: %w", level, err)
	}

	d := Decision{Remaining: remaining}
	switch {
	case wait == 0:
		d.Allowed = true
	case wait > 0:
		d.RetryAfter = time.Duration(wait) * time.Millisecond
	}
	return d, nil
}

// Replies: {0, level} admitted, {ms, level} retry later, {-1, level} never fits.
// The level goes back as a string because Redis truncates Lua numbers.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local want = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'level', 'at')
local level = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now
if now > at then
  level = math.min(capacity, level + (now - at) * rate / 1000)
end

local wait = 0
if want > capacity then
  wait = -1
elseif level >= want then
  level = level - want
elseif rate > 0 then
  wait = math.ceil((want - level) * 1000 / rate)
else
  wait = -1
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'at', now)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {wait, tostring(level)}
`)
