// Package security raises alerts when authentication failures from one
// client pile up.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

const (
	defaultPrefix  = "toyapi:alerts"
	redisOpTimeout = 2 * time.Second
)

// AlertResult contains alert evaluation output.
type AlertResult struct {
	// Triggered is true only for the event that reaches the threshold, so
	// one burst produces one alert per window.
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// Rule is a failure budget for one audit event.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

// DefaultRules covers the gate and token events written by the API server.
// The rate_limited outcome of any event uses the "*" rule.
var DefaultRules = map[string]Rule{
	"auth.apiKey": {Threshold: 10, Window: 5 * time.Minute},
	"auth.bearer": {Threshold: 25, Window: 5 * time.Minute},
	"auth.token":  {Threshold: 15, Window: 5 * time.Minute},
	"*":           {Threshold: 20, Window: time.Minute},
}

// AuditAlerter counts failed security events per client in Redis.
type AuditAlerter struct {
	redisClient *redis.Client
	prefix      string
	rules       map[string]Rule
	now         func() time.Time
}

// NewAuditAlerter creates an alerter backed by Redis counters. It returns nil
// when addr is empty; a nil alerter observes nothing.
func NewAuditAlerter(addr, password, prefix string, rules map[string]Rule) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	if rules == nil {
		rules = DefaultRules
	}
	return &AuditAlerter{
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		rules:  rules,
		now:    time.Now,
	}
}

// Observe records a security event for ip and reports whether it crossed the
// event's threshold.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	result := AlertResult{}
	if a == nil || a.redisClient == nil {
		return result, nil
	}
	rule, ok := a.rule(event, outcome)
	if !ok {
		return result, nil
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		ip = "unknown"
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, sanitizeSegment(event), sanitizeSegment(outcome), sanitizeSegment(ip), slot)
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.redisClient, []string{key}, windowMs).Int64()
	if err != nil {
		return result, err
	}
	result.Count = count
	result.Threshold = rule.Threshold
	result.Window = rule.Window
	result.Triggered = count == rule.Threshold
	return result, nil
}

// Close releases the Redis connection pool.
func (a *AuditAlerter) Close() error {
	if a == nil || a.redisClient == nil {
		return nil
	}
	return a.redisClient.Close()
}

func (a *AuditAlerter) rule(event, outcome string) (Rule, bool) {
	var (
		rule Rule
		ok   bool
	)
	switch strings.TrimSpace(outcome) {
	case "rate_limited":
		rule, ok = a.rules["*"]
	case "fail":
		rule, ok = a.rules[strings.TrimSpace(event)]
	}
	if !ok || rule.Threshold <= 0 || rule.Window < time.Millisecond {
		return Rule{}, false
	}
	return rule, true
}

func sanitizeSegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	replacer := strings.NewReplacer(":", "_", "|", "_", " ", "_")
	return replacer.Replace(in)
}
