package analyst

import (
	"context"
	"io"
	"time"

	"github.com/patrickmn/go-cache"
	sync "github.com/sasha-s/go-deadlock"

	"github.com/Juanbuhler/zmlp-sub000/rpc"
)

// DialFunc connects to the coordinator at addr. The returned closer,
// when not nil, is closed once the connection is dropped from the cache.
type DialFunc func(addr string) (rpc.CoordinatorClient, io.Closer, error)

// DialGRPC connects to a coordinator over grpc.
func DialGRPC(addr string) (rpc.CoordinatorClient, io.Closer, error) {
	conn, err := rpc.Dial(context.Background(), addr)
	if err != nil {
		return nil, nil, err
	}
	return rpc.NewCoordinatorClient(conn), conn, nil
}

type cachedConn struct {
	client rpc.CoordinatorClient
	closer io.Closer
}

// ConnectionCache keeps a client and a Breaker per coordinator address.
// Clients expire an hour after they were dialed. Breakers live as long
// as the cache.
type ConnectionCache struct {
	dial   DialFunc
	window time.Duration
	now    func() time.Time
	conns  *cache.Cache

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewConnectionCache(dial DialFunc, window time.Duration, now func() time.Time) *ConnectionCache {
	if dial == nil {
		dial = DialGRPC
	}
	if now == nil {
		now = time.Now
	}
	c := &ConnectionCache{
		dial:     dial,
		window:   window,
		now:      now,
		conns:    cache.New(time.Hour, 10*time.Minute),
		breakers: make(map[string]*Breaker),
	}
	c.conns.OnEvicted(func(addr string, v interface{}) {
		if cc := v.(*cachedConn); cc.closer != nil {
			cc.closer.Close()
		}
	})
	return c
}

// Breaker returns the breaker of addr.
func (c *ConnectionCache) Breaker(addr string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[addr]
	if !ok {
		b = NewBreaker(c.window, c.now)
		c.breakers[addr] = b
	}
	return b
}

// Client returns the cached client of addr, dialing it when missing.
// It doesn't look at the breaker of addr.
func (c *ConnectionCache) Client(addr string) (rpc.CoordinatorClient, error) {
	if v, ok := c.conns.Get(addr); ok {
		return v.(*cachedConn).client, nil
	}
	client, closer, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	cc := &cachedConn{client: client, closer: closer}
	if err := c.conns.Add(addr, cc, cache.DefaultExpiration); err != nil {
		// dialed concurrently, keep the other one.
		if v, ok := c.conns.Get(addr); ok {
			if closer != nil {
				closer.Close()
			}
			return v.(*cachedConn).client, nil
		}
		c.conns.SetDefault(addr, cc)
	}
	return client, nil
}

// Drop closes the client of addr. The next call dials again.
func (c *ConnectionCache) Drop(addr string) {
	c.conns.Delete(addr)
}

// Close closes every cached client.
func (c *ConnectionCache) Close() {
	for addr := range c.conns.Items() {
		c.conns.Delete(addr)
	}
}
