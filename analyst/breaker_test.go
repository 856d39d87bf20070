package analyst

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestBreaker(t *testing.T) {
	c := newClock()
	b := NewBreaker(time.Minute, c.Now)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, c.Now().Add(time.Minute), b.RetryAfter())
	assert.False(t, b.Allow())
	assert.True(t, b.Blocked())

	c.Add(30 * time.Second)
	assert.False(t, b.Allow())

	c.Add(30 * time.Second)
	assert.False(t, b.Blocked())
	assert.True(t, b.Allow(), "a trial call after the window")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one trial call at a time")

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 2, b.Failures())
	assert.Equal(t, c.Now().Add(time.Minute), b.RetryAfter())

	c.Add(time.Minute)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures())
	assert.True(t, b.Allow())
}

func TestBreakerStateString(t *testing.T) {
	cases := []struct {
		state BreakerState
		want  string
	}{
		{BreakerClosed, "closed"},
		{BreakerOpen, "open"},
		{BreakerHalfOpen, "half-open"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.state.String())
	}
}

func TestHostList(t *testing.T) {
	c := newClock()
	loads := 0
	hosts := []string{"a:8283", "b:8283", "a:8283", " "}
	l := NewHostList(func() []string {
		loads++
		return hosts
	}, 5*time.Second, c.Now)

	assert.ElementsMatch(t, []string{"a:8283", "b:8283"}, l.Hosts())
	assert.Equal(t, 1, loads)

	hosts = []string{"c:8283"}
	c.Add(time.Second)
	assert.ElementsMatch(t, []string{"a:8283", "b:8283"}, l.Hosts())
	assert.Equal(t, 1, loads)

	c.Add(5 * time.Second)
	assert.Equal(t, []string{"c:8283"}, l.Hosts())
	assert.Equal(t, 2, loads)
}
