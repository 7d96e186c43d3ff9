package sessions

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/ggoodman/sockjs-server-go/internal/frame"
	"github.com/ggoodman/sockjs-server-go/scheduler"
)

// ErrSessionExists is returned by [Registry.Add] for a duplicate id.
var ErrSessionExists = errors.New("sessions: session already registered")

// DefaultDisconnectDelay is how long an unattached session survives.
const DefaultDisconnectDelay = 5 * time.Second

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDisconnectDelay sets how long an unattached session is kept before the
// sweep closes it.
func WithDisconnectDelay(d time.Duration) RegistryOption {
	return func(r *Registry) { r.ttl = d }
}

// WithRegistryScheduler sets the clock used for expiry deadlines and for
// [Registry.Start].
func WithRegistryScheduler(s scheduler.Scheduler) RegistryOption {
	return func(r *Registry) { r.sched = s }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithMaxSessions bounds the number of registered sessions. When full, the
// least recently active session is evicted and closed.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) { r.max = n }
}

type entry struct {
	sess     *Session
	deadline time.Time
}

// Registry maps session ids to sessions and expires those left unattached
// for longer than the disconnect delay.
//
// Entries are kept in recency order: every promotion moves the entry to the
// most recent end and refreshes its deadline, so deadlines are monotonic
// from oldest to newest and a sweep only inspects overdue entries.
//
// The Registry never calls into a Session while holding its own lock, and
// sessions only promote themselves after releasing theirs.
type Registry struct {
	sched scheduler.Scheduler
	ttl   time.Duration
	max   int
	log   *slog.Logger

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry]
	adding  bool
	evicted []*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sched: scheduler.Real(),
		ttl:   DefaultDisconnectDelay,
		max:   math.MaxInt32,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.DiscardHandler)
	}
	if r.max <= 0 {
		r.max = math.MaxInt32
	}

	// The callback also fires for explicit removals; only capacity
	// evictions during an add are of interest.
	lru, err := simplelru.NewLRU[string, *entry](r.max, func(_ string, e *entry) {
		if r.adding {
			r.evicted = append(r.evicted, e.sess)
		}
	})
	if err != nil {
		// Only returned for a non-positive size, which is excluded above.
		panic(err)
	}
	r.lru = lru
	return r
}

// Add registers s. The session's activity will refresh its expiry deadline
// from now on.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if r.lru.Contains(s.id) {
		r.mu.Unlock()
		return ErrSessionExists
	}
	r.addLocked(s)
	evicted := r.takeEvictedLocked()
	r.mu.Unlock()

	r.closeEvicted(evicted)
	return nil
}

func (r *Registry) addLocked(s *Session) {
	s.registry.Store(r)
	r.adding = true
	r.lru.Add(s.id, &entry{sess: s, deadline: r.sched.Now().Add(r.ttl)})
	r.adding = false
}

// Get returns the session registered under id. It does not count as
// activity.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.lru.Peek(id)
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// LoadOrCreate returns the session registered under id, creating and
// registering one with create if there is none. create runs without the
// registry lock; if another caller registers the id first, its session wins
// and the one built by create is discarded unopened.
func (r *Registry) LoadOrCreate(id string, create func() *Session) (s *Session, created bool) {
	if s, ok := r.Get(id); ok {
		return s, false
	}

	fresh := create()

	r.mu.Lock()
	if e, ok := r.lru.Peek(id); ok {
		r.mu.Unlock()
		return e.sess, false
	}
	r.addLocked(fresh)
	evicted := r.takeEvictedLocked()
	r.mu.Unlock()

	r.closeEvicted(evicted)
	return fresh, true
}

// Remove closes and unregisters the session. Unless forced, a session that
// is attached and open is kept and its deadline refreshed instead; Remove
// then reports false.
func (r *Registry) Remove(id string, forced bool) bool {
	r.mu.Lock()
	e, ok := r.lru.Peek(id)
	r.mu.Unlock()
	if !ok {
		return false
	}

	if !e.sess.expire(forced) {
		r.promote(id)
		return false
	}

	r.mu.Lock()
	if cur, ok := r.lru.Peek(id); ok && cur == e {
		r.lru.Remove(id)
	}
	r.mu.Unlock()
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Sweep expires every session whose deadline is not after now. Attached,
// open sessions are re-promoted rather than closed. It returns the number of
// sessions removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	var due []*entry
	for n := r.lru.Len(); n > 0; n-- {
		id, e, ok := r.lru.GetOldest()
		if !ok || e.deadline.After(now) {
			break
		}
		// Provisionally promote so the scan moves on; the session decides
		// below whether it really survives.
		r.lru.Get(id)
		e.deadline = now.Add(r.ttl)
		due = append(due, e)
	}
	r.mu.Unlock()

	removed := 0
	for _, e := range due {
		if !e.sess.expire(false) {
			r.log.Debug("registry.sweep.keep", slog.String("session_id", e.sess.id))
			continue
		}
		r.mu.Lock()
		if cur, ok := r.lru.Peek(e.sess.id); ok && cur == e {
			r.lru.Remove(e.sess.id)
		}
		r.mu.Unlock()
		removed++
		r.log.Debug("registry.sweep.expire", slog.String("session_id", e.sess.id))
	}
	return removed
}

// Start runs Sweep every interval on the registry's scheduler until the
// returned stop function is called.
func (r *Registry) Start(interval time.Duration) (stop func()) {
	var (
		mu      sync.Mutex
		stopped bool
		timer   scheduler.Timer
	)

	var tick func()
	tick = func() {
		r.Sweep(r.sched.Now())
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			timer = r.sched.AfterFunc(interval, tick)
		}
	}

	mu.Lock()
	timer = r.sched.AfterFunc(interval, tick)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		timer.Stop()
	}
}

// Run sweeps every interval until ctx is done, then force-closes every
// remaining session.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	stop := r.Start(interval)
	<-ctx.Done()
	stop()
	r.CloseAll()
	return ctx.Err()
}

// CloseAll force-closes and unregisters every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := r.lru.Keys()
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id, true)
	}
}

func (r *Registry) promote(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.lru.Get(id); ok {
		e.deadline = r.sched.Now().Add(r.ttl)
	}
}

func (r *Registry) takeEvictedLocked() []*Session {
	ev := r.evicted
	r.evicted = nil
	return ev
}

func (r *Registry) closeEvicted(evicted []*Session) {
	for _, s := range evicted {
		r.log.Warn("registry.evict", slog.String("session_id", s.id))
		s.Close(frame.CodeGoAway, frame.ReasonGoAway)
	}
}
