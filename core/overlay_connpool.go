package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"
)

// overlayPooledConn is one idle TLS connection kept warm for a given
// address, so path-folding and tracker-driven reconnects do not each pay a
// fresh handshake.
type overlayPooledConn struct {
	*tls.Conn
	addr     string
	lastUsed time.Time
}

// OverlayConnPool manages reusable outbound TLS connections to neighbor
// addresses (§4.4's stream backend). Adapted from
// core_keep/connection_pool.go: generalized from a plain net.Conn pool
// dialing through an injected Dialer to one that performs the TLS
// handshake itself (the overlay's node-fingerprint authentication, §4.4).
type OverlayConnPool struct {
	tlsConfig *tls.Config
	mu        sync.Mutex
	conns     map[string][]*overlayPooledConn
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewOverlayConnPool creates a pool dialing with tlsConfig, keeping up to
// maxIdle idle connections per address for idleTTL.
func NewOverlayConnPool(tlsConfig *tls.Config, maxIdle int, idleTTL time.Duration) *OverlayConnPool {
	if maxIdle <= 0 {
		maxIdle = 4
	}
	if idleTTL <= 0 {
		idleTTL = time.Minute
	}
	cp := &OverlayConnPool{
		tlsConfig: tlsConfig,
		conns:     make(map[string][]*overlayPooledConn),
		maxIdle:   maxIdle,
		idleTTL:   idleTTL,
		closing:   make(chan struct{}),
	}
	go cp.reaper()
	return cp
}

// Acquire returns a TLS connection to addr, reusing an idle one if present.
func (cp *OverlayConnPool) Acquire(ctx context.Context, addr string) (*tls.Conn, error) {
	cp.mu.Lock()
	list := cp.conns[addr]
	n := len(list)
	if n > 0 {
		c := list[n-1]
		cp.conns[addr] = list[:n-1]
		cp.mu.Unlock()
		return c.Conn, nil
	}
	cp.mu.Unlock()

	dialer := &tls.Dialer{Config: cp.tlsConfig}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("overlay dial %s: %w", addr, err)
	}
	conn, ok := raw.(*tls.Conn)
	if !ok {
		_ = raw.Close()
		return nil, fmt.Errorf("overlay dial %s: not a TLS connection", addr)
	}
	return conn, nil
}

// Release returns conn to the pool for addr, or closes it if the pool is
// already at capacity.
func (cp *OverlayConnPool) Release(addr string, conn *tls.Conn) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if len(cp.conns[addr]) < cp.maxIdle {
		cp.conns[addr] = append(cp.conns[addr], &overlayPooledConn{Conn: conn, addr: addr, lastUsed: time.Now()})
		return
	}
	_ = conn.Close()
}

// Close closes every pooled connection and stops the reaper.
func (cp *OverlayConnPool) Close() {
	cp.closeOnce.Do(func() {
		close(cp.closing)
		cp.mu.Lock()
		defer cp.mu.Unlock()
		for _, list := range cp.conns {
			for _, c := range list {
				_ = c.Close()
			}
		}
		cp.conns = make(map[string][]*overlayPooledConn)
	})
}

func (cp *OverlayConnPool) reaper() {
	ticker := time.NewTicker(cp.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cp.idleTTL)
			cp.mu.Lock()
			for addr, list := range cp.conns {
				i := 0
				for _, c := range list {
					if c.lastUsed.Before(cutoff) {
						_ = c.Close()
						continue
					}
					list[i] = c
					i++
				}
				cp.conns[addr] = list[:i]
			}
			cp.mu.Unlock()
		case <-cp.closing:
			return
		}
	}
}

// dialRaw opens a plain, unpooled TCP socket with no TLS layer. Nothing in
// this module calls it; there is no HTTP-tunnel client path.
func dialRaw(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
