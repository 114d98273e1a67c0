package ldap

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
)

// Directory is the subset of directory operations the repository needs.
// The pool implements it with a scoped checkout per call so callers never
// hold connections across operations.
type Directory interface {
	Search(ctx context.Context, req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Add(ctx context.Context, req *goldap.AddRequest) error
	Modify(ctx context.Context, req *goldap.ModifyRequest) error
	Del(ctx context.Context, req *goldap.DelRequest) error
}

type pooledConn struct {
	conn    *goldap.Conn
	created time.Time
}

func (p *pooledConn) expired(maxAge time.Duration) bool {
	return maxAge > 0 && time.Since(p.created) > maxAge
}

// Pool maintains a bounded set of bound directory connections. Connections
// are retired once they exceed the configured age, and idle connections are
// probed on a background interval.
type Pool struct {
	cfg config.LDAPConfig
	log *zap.Logger

	idle chan *pooledConn

	mu     sync.Mutex
	open   int
	closed bool

	stop chan struct{}
	wg   sync.WaitGroup

	observe func(op string, err error, elapsed time.Duration)
}

// SetObserver installs a callback invoked after every directory operation,
// typically to record metrics. Call before the pool is shared.
func (p *Pool) SetObserver(fn func(op string, err error, elapsed time.Duration)) {
	p.observe = fn
}

// NewPool connects the minimum number of sessions and starts the health
// checker. Failure to establish the initial sessions fails startup.
func NewPool(cfg config.LDAPConfig, log *zap.Logger) (*Pool, error) {
	p := &Pool{
		cfg:  cfg,
		log:  log,
		idle: make(chan *pooledConn, cfg.Pool.MaxConnections),
		stop: make(chan struct{}),
	}
	for i := 0; i < cfg.Pool.MinConnections; i++ {
		if !p.reserve() {
			break
		}
		pc, err := p.dial()
		if err != nil {
			p.unreserve()
			p.Close()
			return nil, fmt.Errorf("ldap pool warmup: %w", err)
		}
		p.idle <- pc
	}
	if cfg.Pool.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	log.Info("ldap pool ready",
		zap.String("url", cfg.URL),
		zap.Int("min", cfg.Pool.MinConnections),
		zap.Int("max", cfg.Pool.MaxConnections))
	return p, nil
}

// reserve claims a connection slot against the configured maximum. The
// claim and the occupancy check happen under one lock acquisition so
// concurrent callers cannot overshoot the bound. A successful reservation
// must be followed by dial or unreserve.
func (p *Pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.open >= p.cfg.Pool.MaxConnections {
		return false
	}
	p.open++
	return true
}

func (p *Pool) unreserve() {
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// dial connects and binds a fresh session for a slot the caller reserved.
func (p *Pool) dial() (*pooledConn, error) {
	conn, err := goldap.DialURL(p.cfg.URL,
		goldap.DialWithDialer(&net.Dialer{Timeout: p.cfg.Pool.ConnectTimeout}))
	if err != nil {
		return nil, err
	}
	if p.cfg.Search.TimeLimit > 0 {
		conn.SetTimeout(p.cfg.Search.TimeLimit)
	}
	if p.cfg.BindDN != "" {
		if err := conn.Bind(p.cfg.BindDN, p.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &pooledConn{conn: conn, created: time.Now()}, nil
}

func (p *Pool) discard(pc *pooledConn) {
	pc.conn.Close()
	p.mu.Lock()
	p.open--
	p.mu.Unlock()
}

// checkout returns a session, preferring idle ones, dialing a fresh one
// while under the max, and otherwise waiting until one is returned or the
// context ends.
func (p *Pool) checkout(ctx context.Context) (*pooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("ldap pool closed")
	}
	p.mu.Unlock()

	for {
		select {
		case pc := <-p.idle:
			if pc.expired(p.cfg.Pool.MaxConnectionAge) || pc.conn.IsClosing() {
				p.discard(pc)
				continue
			}
			return pc, nil
		default:
		}

		if p.reserve() {
			pc, err := p.dial()
			if err != nil {
				p.unreserve()
				return nil, err
			}
			return pc, nil
		}

		select {
		case pc := <-p.idle:
			if pc.expired(p.cfg.Pool.MaxConnectionAge) || pc.conn.IsClosing() {
				p.discard(pc)
				continue
			}
			return pc, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for ldap connection: %w", ctx.Err())
		}
	}
}

func (p *Pool) checkin(pc *pooledConn, broken bool) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if broken || closed || pc.expired(p.cfg.Pool.MaxConnectionAge) {
		p.discard(pc)
		return
	}
	select {
	case p.idle <- pc:
	default:
		p.discard(pc)
	}
}

// withConn runs fn on a checked-out session. Network failures retire the
// session instead of returning it to the pool.
func (p *Pool) withConn(ctx context.Context, op string, fn func(*goldap.Conn) error) error {
	pc, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(pc.conn)
	if p.observe != nil {
		p.observe(op, err, time.Since(start))
	}
	broken := goldap.IsErrorAnyOf(err, goldap.ErrorNetwork, goldap.LDAPResultServerDown)
	if broken {
		p.log.Warn("retiring broken ldap connection", zap.Error(err))
	}
	p.checkin(pc, broken)
	return err
}

// Search runs a search request on a pooled session.
func (p *Pool) Search(ctx context.Context, req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	var res *goldap.SearchResult
	err := p.withConn(ctx, "search", func(conn *goldap.Conn) error {
		var ferr error
		res, ferr = conn.Search(req)
		return ferr
	})
	return res, err
}

// Add runs an add request on a pooled session.
func (p *Pool) Add(ctx context.Context, req *goldap.AddRequest) error {
	return p.withConn(ctx, "add", func(conn *goldap.Conn) error {
		return conn.Add(req)
	})
}

// Modify runs a modify request on a pooled session.
func (p *Pool) Modify(ctx context.Context, req *goldap.ModifyRequest) error {
	return p.withConn(ctx, "modify", func(conn *goldap.Conn) error {
		return conn.Modify(req)
	})
}

// Del runs a delete request on a pooled session.
func (p *Pool) Del(ctx context.Context, req *goldap.DelRequest) error {
	return p.withConn(ctx, "delete", func(conn *goldap.Conn) error {
		return conn.Del(req)
	})
}

// Stats reports current pool occupancy.
type Stats struct {
	Open int
	Idle int
}

// Stats returns a snapshot of open and idle connection counts.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.open, Idle: len(p.idle)}
}

// Close stops the health checker and closes every idle session. Sessions
// checked out at the time of the call are closed when returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()
	for {
		select {
		case pc := <-p.idle:
			p.discard(pc)
		default:
			return
		}
	}
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.Pool.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probeIdle()
		case <-p.stop:
			return
		}
	}
}

// probeIdle drains the idle set once, pinging each session with a root DSE
// read and dropping the ones that fail. Healthy sessions go back, and the
// pool is topped back up to the minimum afterwards.
func (p *Pool) probeIdle() {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case pc := <-p.idle:
			if pc.expired(p.cfg.Pool.MaxConnectionAge) || !p.ping(pc.conn) {
				p.discard(pc)
				continue
			}
			p.checkin(pc, false)
		default:
			i = n
		}
	}

	for {
		p.mu.Lock()
		need := !p.closed && p.open < p.cfg.Pool.MinConnections
		if need {
			p.open++
		}
		p.mu.Unlock()
		if !need {
			return
		}
		pc, err := p.dial()
		if err != nil {
			p.unreserve()
			p.log.Warn("ldap pool replenish failed", zap.Error(err))
			return
		}
		p.checkin(pc, false)
	}
}

func (p *Pool) ping(conn *goldap.Conn) bool {
	req := goldap.NewSearchRequest("", goldap.ScopeBaseObject, goldap.NeverDerefAliases,
		1, 5, false, "(objectClass=*)", []string{"1.1"}, nil)
	_, err := conn.Search(req)
	return err == nil
}
