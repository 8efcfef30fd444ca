package api

import (
	"fmt"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/pkidesk/certerr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(maxFailures int) (*submitRateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := newSubmitRateLimiter()
	rl.maxFailures = maxFailures
	rl.now = clock.now
	return rl, clock
}

func TestSubmitRateLimiter_AllowsBeforeThreshold(t *testing.T) {
	rl, _ := newTestLimiter(3)
	rl.recordFailure("1.2.3.4")
	rl.recordFailure("1.2.3.4")

	blocked, _ := rl.check("1.2.3.4")
	assert.False(t, blocked)
}

func TestSubmitRateLimiter_BlocksAfterThreshold(t *testing.T) {
	rl, _ := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		rl.recordFailure("1.2.3.4")
	}

	blocked, retryAfter := rl.check("1.2.3.4")
	assert.True(t, blocked)
	assert.Equal(t, submitBaseLockout, retryAfter)

	blocked, _ = rl.check("5.6.7.8")
	assert.False(t, blocked, "other IPs are unaffected")
}

func TestSubmitRateLimiter_ExponentialBackoffCapped(t *testing.T) {
	rl, _ := newTestLimiter(1)
	for i := 0; i < 3; i++ {
		rl.recordFailure("ip")
	}
	_, retryAfter := rl.check("ip")
	assert.Equal(t, 4*submitBaseLockout, retryAfter)

	for i := 0; i < 20; i++ {
		rl.recordFailure("ip")
	}
	_, retryAfter = rl.check("ip")
	assert.Equal(t, submitMaxLockout, retryAfter)
}

func TestSubmitRateLimiter_LockoutExpires(t *testing.T) {
	rl, clock := newTestLimiter(1)
	rl.recordFailure("ip")

	clock.advance(submitBaseLockout + time.Second)
	blocked, _ := rl.check("ip")
	assert.False(t, blocked)
}

func TestSubmitRateLimiter_SuccessResets(t *testing.T) {
	rl, _ := newTestLimiter(2)
	rl.recordFailure("ip")
	rl.recordSuccess("ip")
	rl.recordFailure("ip")

	blocked, _ := rl.check("ip")
	assert.False(t, blocked)
}

func TestSubmitRateLimiter_SweepRemovesExpired(t *testing.T) {
	rl, clock := newTestLimiter(5)
	rl.recordFailure("old")
	clock.advance(attemptExpiry + time.Minute)
	rl.recordFailure("new")

	rl.sweep()
	assert.NotContains(t, rl.attempts, "old")
	assert.Contains(t, rl.attempts, "new")
}

func TestCountsAsFailure(t *testing.T) {
	assert.True(t, countsAsFailure(fmt.Errorf("x: %w", certerr.ErrInvalid)))
	assert.True(t, countsAsFailure(fmt.Errorf("x: %w", certerr.ErrConflict)))
	assert.False(t, countsAsFailure(fmt.Errorf("x: %w", certerr.ErrTransport)))
	assert.False(t, countsAsFailure(fmt.Errorf("plain")))
}

func TestRetryAfterString(t *testing.T) {
	assert.Equal(t, "1", retryAfterString(0))
	assert.Equal(t, "1", retryAfterString(300*time.Millisecond))
	assert.Equal(t, "90", retryAfterString(90*time.Second))
}

func TestExtractClientIPWithProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		proxies    []netip.Prefix
		want       string
	}{
		{name: "remote ipv4", remoteAddr: "192.168.1.1:12345", want: "192.168.1.1"},
		{name: "remote ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{
			name:       "untrusted peer ignores XFF",
			remoteAddr: "192.168.1.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			proxies:    trusted,
			want:       "192.168.1.1",
		},
		{
			name:       "no proxies configured ignores XFF",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.25"},
			want:       "10.0.0.1",
		},
		{
			name:       "trusted peer honors XFF first valid entry",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "unknown, 203.0.113.7, 198.51.100.1"},
			proxies:    trusted,
			want:       "203.0.113.7",
		},
		{
			name:       "trusted peer honors Forwarded",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"Forwarded": `for=198.51.100.1;proto=https`},
			proxies:    trusted,
			want:       "198.51.100.1",
		},
		{
			name:       "trusted peer honors X-Real-IP",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "203.0.113.11"},
			proxies:    trusted,
			want:       "203.0.113.11",
		},
		{name: "empty when nothing parseable", remoteAddr: "not-a-hostport", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{RemoteAddr: tt.remoteAddr, Header: make(http.Header)}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractClientIPWithProxies(r, tt.proxies))
		})
	}
}
