package digest

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/roach88/recstore/internal/fault"
)

// EscalationHook observes a successful escalation.
type EscalationHook func(ctx context.Context, from, to Algorithm)

// Service tracks the active algorithm of a store and escalates it on
// collision. Safe for concurrent use.
type Service struct {
	registry    *Registry
	ladderNames []Algorithm
	ladder      []Definition
	active      atomic.Pointer[Definition]
	logger      *slog.Logger
	onEscalate  EscalationHook
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRegistry sets the registry algorithms are resolved from.
func WithRegistry(r *Registry) ServiceOption {
	return func(s *Service) {
		s.registry = r
	}
}

// WithLadder sets the escalation order. Entries are sorted by strength.
func WithLadder(ladder ...Algorithm) ServiceOption {
	return func(s *Service) {
		s.ladderNames = append([]Algorithm(nil), ladder...)
	}
}

// WithLogger sets the logger used for escalation events.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithEscalationHook registers a callback run after each escalation.
func WithEscalationHook(h EscalationHook) ServiceOption {
	return func(s *Service) {
		s.onEscalate = h
	}
}

// NewService creates a Service whose active algorithm is active.
// The ladder defaults to DefaultLadder.
func NewService(active Algorithm, opts ...ServiceOption) (*Service, error) {
	s := &Service{registry: defaultRegistry, ladderNames: DefaultLadder}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	for _, name := range s.ladderNames {
		d, ok := s.registry.Lookup(name)
		if !ok {
			return nil, fault.Validation("digest.service", "ladder algorithm %q is not registered", name)
		}
		s.ladder = append(s.ladder, d)
	}
	sort.SliceStable(s.ladder, func(i, j int) bool {
		return s.ladder[i].Strength < s.ladder[j].Strength
	})

	if active == "" {
		active = Default
	}
	d, ok := s.registry.Lookup(active)
	if !ok {
		return nil, fault.Validation("digest.service", "unknown algorithm %q", active)
	}
	s.active.Store(&d)
	return s, nil
}

// Registry returns the registry the service resolves algorithms from.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Active returns the current algorithm.
func (s *Service) Active() Algorithm {
	return s.active.Load().Name
}

// Ladder returns the escalation order, weakest first.
func (s *Service) Ladder() []Algorithm {
	out := make([]Algorithm, len(s.ladder))
	for i, d := range s.ladder {
		out[i] = d.Name
	}
	return out
}

// Compute hashes content with the active algorithm and reports which
// algorithm was used.
func (s *Service) Compute(content []byte) (string, Algorithm) {
	d := s.active.Load()
	return d.sum(content), d.Name
}

// ComputeWith hashes content with alg.
func (s *Service) ComputeWith(content []byte, alg Algorithm) (string, error) {
	return s.registry.Compute(content, alg)
}

// Escalate moves the active algorithm past from after a collision detected
// under from, and returns the algorithm to retry with.
//
// If another caller already escalated beyond from, the current algorithm is
// returned unchanged. If no ladder rung is stronger than the current
// algorithm, a DIGEST_COLLISION error is returned.
func (s *Service) Escalate(ctx context.Context, from Algorithm) (Algorithm, error) {
	fromDef, ok := s.registry.Lookup(from)
	if !ok {
		return "", fault.Validation("digest.escalate", "unknown algorithm %q", from)
	}

	for {
		cur := s.active.Load()
		if cur.Strength > fromDef.Strength {
			return cur.Name, nil
		}

		next, ok := s.nextRung(cur.Strength)
		if !ok {
			return "", fault.New(fault.CodeDigestCollision, "digest.escalate",
				"no algorithm stronger than %s on ladder %v", cur.Name, s.Ladder())
		}

		if s.active.CompareAndSwap(cur, &next) {
			s.logger.Warn("digest algorithm escalated",
				"from", cur.Name,
				"to", next.Name,
			)
			if s.onEscalate != nil {
				s.onEscalate(ctx, cur.Name, next.Name)
			}
			return next.Name, nil
		}
	}
}

// nextRung returns the weakest ladder entry stronger than strength.
func (s *Service) nextRung(strength int) (Definition, bool) {
	for _, d := range s.ladder {
		if d.Strength > strength {
			return d, true
		}
	}
	return Definition{}, false
}
