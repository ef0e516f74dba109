package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestAuditAlerterTriggersOncePerWindow(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewAuditAlerter(redis.Addr(), "", "test:alerts", nil)
	if alerter == nil {
		t.Fatalf("expected alerter")
	}
	t.Cleanup(func() { _ = alerter.Close() })

	triggered := 0
	for i := 0; i < 15; i++ {
		result, err := alerter.Observe(context.Background(), "auth.apiKey", "fail", "203.0.113.9")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered {
			triggered++
			if result.Count != 10 || result.Threshold != 10 {
				t.Fatalf("triggered at count %d threshold %d", result.Count, result.Threshold)
			}
		}
	}
	if triggered != 1 {
		t.Fatalf("expected exactly one alert, got %d", triggered)
	}
}

func TestAuditAlerterCountsPerClient(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewAuditAlerter(redis.Addr(), "", "test:alerts", map[string]Rule{
		"auth.bearer": {Threshold: 2, Window: time.Minute},
	})
	ctx := context.Background()
	if r, _ := alerter.Observe(ctx, "auth.bearer", "fail", "10.0.0.1"); r.Triggered {
		t.Fatalf("first failure must not alert")
	}
	if r, _ := alerter.Observe(ctx, "auth.bearer", "fail", "10.0.0.2"); r.Triggered {
		t.Fatalf("failures from another client must not add up")
	}
	if r, _ := alerter.Observe(ctx, "auth.bearer", "fail", "10.0.0.1"); !r.Triggered {
		t.Fatalf("second failure from the same client should alert")
	}
}

func TestAuditAlerterIgnoresUnknownRuleAndSuccess(t *testing.T) {
	redis := miniredis.RunT(t)
	alerter := NewAuditAlerter(redis.Addr(), "", "test:alerts", nil)
	for _, tc := range []struct{ event, outcome string }{
		{"auth.custom", "fail"},
		{"auth.apiKey", "success"},
	} {
		result, err := alerter.Observe(context.Background(), tc.event, tc.outcome, "127.0.0.1")
		if err != nil {
			t.Fatalf("observe: %v", err)
		}
		if result.Triggered || result.Count != 0 {
			t.Fatalf("unexpected evaluation for %s/%s: %+v", tc.event, tc.outcome, result)
		}
	}
}

func TestNilAuditAlerter(t *testing.T) {
	alerter := NewAuditAlerter("", "", "", nil)
	if alerter != nil {
		t.Fatalf("expected nil alerter without redis addr")
	}
	if _, err := alerter.Observe(context.Background(), "auth.apiKey", "fail", "ip"); err != nil {
		t.Fatalf("nil alerter should be a no-op: %v", err)
	}
}
