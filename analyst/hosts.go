package analyst

import (
	"math/rand"
	"strings"
	"time"

	sync "github.com/sasha-s/go-deadlock"
)

// HostList is the list of coordinator addresses an analyst talks to.
// It is loaded again once it is older than the refresh interval, so
// coordinators can be added without restarting the analyst.
type HostList struct {
	load    func() []string
	refresh time.Duration
	now     func() time.Time

	mu     sync.Mutex
	hosts  []string
	loaded time.Time
}

func NewHostList(load func() []string, refresh time.Duration, now func() time.Time) *HostList {
	if now == nil {
		now = time.Now
	}
	return &HostList{load: load, refresh: refresh, now: now}
}

// StaticHosts returns a loader always returning hosts.
func StaticHosts(hosts []string) func() []string {
	return func() []string {
		return hosts
	}
}

// Hosts returns the addresses in random order.
func (l *HostList) Hosts() []string {
	l.mu.Lock()
	now := l.now()
	if l.loaded.IsZero() || now.Sub(l.loaded) >= l.refresh {
		l.hosts = uniqueHosts(l.load())
		l.loaded = now
	}
	hosts := make([]string, len(l.hosts))
	copy(hosts, l.hosts)
	l.mu.Unlock()

	rand.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
	return hosts
}

func uniqueHosts(hosts []string) []string {
	seen := make(map[string]bool, len(hosts))
	uniq := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		uniq = append(uniq, h)
	}
	return uniq
}
