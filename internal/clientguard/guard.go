package clientguard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/smsgate/internal/httpmw"
)

// client tracks one IP's token bucket and last activity
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// set after the first denial is reported, cleared by eviction
	reported bool
}

// Guard holds per-IP token buckets with background eviction of idle clients.
type Guard struct {
	mu      sync.Mutex
	clients map[string]*client

	perSecond  rate.Limit
	burst      int
	ttl        time.Duration
	maxClients int
	now        func() time.Time

	// true while new IPs are being turned away for capacity, cleared when eviction frees room
	atCapacity bool

	onFirstDenied func(ip string)
	onDenied      func(ip string)
	onCapacity    func()
}

type Option func(*Guard)

// WithRate sets the refill rate and bucket size. WithRate(200, 400) allows 400
// requests at once, then 200 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(g *Guard) {
		g.perSecond = rate.Limit(perSecond)
		g.burst = burst
	}
}

// WithTTL controls how long an idle IP keeps its bucket.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) { g.ttl = d }
}

// WithMaxClients caps the number of tracked IPs. New IPs beyond it are denied
// until eviction frees room. 0 disables the cap.
func WithMaxClients(n int) Option {
	return func(g *Guard) { g.maxClients = n }
}

// WithOnFirstDenied is called once per tracked IP on its first denial, for logging.
func WithOnFirstDenied(fn func(ip string)) Option {
	return func(g *Guard) { g.onFirstDenied = fn }
}

// WithOnDenied is called on every denial, for counting.
func WithOnDenied(fn func(ip string)) Option {
	return func(g *Guard) { g.onDenied = fn }
}

// WithOnCapacity is called when the guard starts turning away new IPs because it is full.
// It fires again only after eviction has freed room and the guard fills up once more.
func WithOnCapacity(fn func()) Option {
	return func(g *Guard) { g.onCapacity = fn }
}

func withClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a Guard and starts its eviction loop, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) *Guard {
	g := &Guard{
		clients:    make(map[string]*client),
		perSecond:  200,
		burst:      400,
		ttl:        3 * time.Minute,
		maxClients: 10000,
		now:        time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	if g.ttl <= 0 {
		g.ttl = 3 * time.Minute
	}
	go g.evictLoop(ctx)
	return g
}

// Len returns the number of tracked IPs.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Allow reports whether ip may make a request now, consuming a token if so.
func (g *Guard) Allow(ip string) bool {
	now := g.now()

	g.mu.Lock()
	c, ok := g.clients[ip]
	if !ok {
		if g.maxClients > 0 && len(g.clients) >= g.maxClients {
			first := !g.atCapacity
			g.atCapacity = true
			g.mu.Unlock()
			if first && g.onCapacity != nil {
				g.onCapacity()
			}
			if g.onDenied != nil {
				g.onDenied(ip)
			}
			return false
		}
		c = &client{limiter: rate.NewLimiter(g.perSecond, g.burst)}
		g.clients[ip] = c
	}
	c.lastSeen = now
	allowed := c.limiter.AllowN(now, 1)
	first := !allowed && !c.reported
	if first {
		c.reported = true
	}
	// hooks run unlocked, they may log or touch metrics
	g.mu.Unlock()

	if allowed {
		return true
	}
	if first && g.onFirstDenied != nil {
		g.onFirstDenied(ip)
	}
	if g.onDenied != nil {
		g.onDenied(ip)
	}
	return false
}

// evictIdle drops clients idle for longer than the ttl and returns how many it removed.
func (g *Guard) evictIdle(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for ip, c := range g.clients {
		if now.Sub(c.lastSeen) > g.ttl {
			delete(g.clients, ip)
			n++
		}
	}
	if n > 0 {
		g.atCapacity = false
	}
	return n
}

// evictLoop runs every ttl/2 so idle entries outlive the ttl by at most half of it.
func (g *Guard) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.evictIdle(g.now())
		}
	}
}

// Middleware rejects requests over the per-IP rate with 429. It keys on the
// address resolved by httpmw.ClientIP, so it must run after it.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill, callers get the same answer regardless
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
