// Package circuit keeps one gobreaker circuit breaker per downstream name.
package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// StateChange is reported whenever a breaker moves between states.
type StateChange struct {
	Name string
	From gobreaker.State
	To   gobreaker.State
}

// Set lazily creates breakers sharing one configuration.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	failureThreshold uint32
	halfOpenRequests uint32
	interval         time.Duration
	openTimeout      time.Duration
	isSuccessful     func(error) bool
	onChange         func(StateChange)
}

type Option func(*Set)

// WithFailureThreshold opens a breaker after n consecutive failures.
func WithFailureThreshold(n uint32) Option {
	return func(s *Set) { s.failureThreshold = n }
}

// WithHalfOpenRequests sets how many probes a half-open breaker lets through.
func WithHalfOpenRequests(n uint32) Option {
	return func(s *Set) { s.halfOpenRequests = n }
}

func WithOpenTimeout(d time.Duration) Option {
	return func(s *Set) { s.openTimeout = d }
}

func WithInterval(d time.Duration) Option {
	return func(s *Set) { s.interval = d }
}

// WithSuccessClassifier decides which errors still count as the downstream
// being healthy. A rejected request, for example, proves it is reachable.
func WithSuccessClassifier(fn func(error) bool) Option {
	return func(s *Set) { s.isSuccessful = fn }
}

func WithOnStateChange(fn func(StateChange)) Option {
	return func(s *Set) { s.onChange = fn }
}

func New(opts ...Option) *Set {
	s := &Set{
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		failureThreshold: 5,
		halfOpenRequests: 1,
		interval:         10 * time.Second,
		openTimeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	threshold := s.failureThreshold
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.halfOpenRequests,
		Interval:    s.interval,
		Timeout:     s.openTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: s.isSuccessful,
	}
	if s.onChange != nil {
		notify := s.onChange
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			notify(StateChange{Name: name, From: from, To: to})
		}
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	s.breakers[name] = cb
	return cb
}

// States snapshots every known breaker's state, keyed by name.
func (s *Set) States() map[string]gobreaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]gobreaker.State, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State()
	}
	return out
}

// Names lists known breakers in sorted order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
