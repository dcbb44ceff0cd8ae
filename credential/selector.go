package credential

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dentamind/dispatch"
	"github.com/dentamind/dispatch/category"
	"github.com/dentamind/dispatch/request"
)

// ClientFactory builds a backend client handle for a credential. The
// factory owns secret resolution and transport setup; the selector caches
// one handle per (category, credential) and rebuilds it after rotation.
type ClientFactory func(c *Credential) (any, error)

// Binding is the outcome of route selection: a credential and the call
// descriptor handed to the task.
type Binding struct {
	Credential *Credential
	Call       request.Call
}

type clientKey struct {
	cat  category.Category
	name string
}

type clientEntry struct {
	client     any
	generation uint64
}

// Selector picks an eligible credential for a category: the category's
// own credentials in configured order while under budget, else the shared
// default, else ErrNoEligibleCredential. Safe for concurrent use.
type Selector struct {
	registry *Registry
	factory  ClientFactory
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[clientKey]clientEntry
}

// NewSelector creates a selector over the registry. factory may be nil,
// in which case bindings carry a nil client handle (useful in tests and
// for tasks that own their transport).
func NewSelector(registry *Registry, factory ClientFactory, logger *slog.Logger) *Selector {
	return &Selector{
		registry: registry,
		factory:  factory,
		logger:   logger,
		clients:  make(map[clientKey]clientEntry),
	}
}

// candidates returns the ordered eligibility list: category-specific
// credentials first, then the default if not already present.
func (s *Selector) candidates(cat category.Category) []*Credential {
	ordered := s.registry.ForCategory(cat)
	def := s.registry.Default()
	if def == nil {
		return ordered
	}
	for _, c := range ordered {
		if c == def {
			return ordered
		}
	}
	out := make([]*Credential, 0, len(ordered)+1)
	out = append(out, ordered...)
	return append(out, def)
}

// Eligible reports whether any credential could currently serve the
// category. Used at intake so a hopeless submission fails fast instead of
// queuing.
func (s *Selector) Eligible(cat category.Category) error {
	for _, c := range s.candidates(cat) {
		if c.Available() && !c.Exhausted() {
			return nil
		}
	}
	return fmt.Errorf("%w: category %s", dispatch.ErrNoEligibleCredential, cat)
}

// Select binds an eligible credential for the category and returns the
// call descriptor. Budget exhaustion skips a credential only while an
// unexhausted alternative (including the default) exists — when every
// candidate is spent the error is a configuration error, distinct from a
// runtime task failure.
func (s *Selector) Select(cat category.Category) (*Binding, error) {
	for _, c := range s.candidates(cat) {
		if !c.Available() || c.Exhausted() {
			continue
		}

		client, err := s.clientFor(cat, c)
		if err != nil {
			s.logger.Warn("client construction failed, trying next credential",
				slog.String("category", cat.String()),
				slog.String("credential", c.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		return &Binding{
			Credential: c,
			Call: request.Call{
				CredentialID:   c.ID,
				CredentialName: c.Name,
				Model:          c.Model,
				Client:         client,
			},
		}, nil
	}
	return nil, fmt.Errorf("%w: category %s", dispatch.ErrNoEligibleCredential, cat)
}

// clientFor returns the cached client handle for (cat, c), rebuilding it
// when the credential rotated since the handle was built.
func (s *Selector) clientFor(cat category.Category, c *Credential) (any, error) {
	if s.factory == nil {
		return nil, nil
	}

	gen := c.Generation()
	key := clientKey{cat: cat, name: c.Name}

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.clients[key]; ok && entry.generation == gen {
		return entry.client, nil
	}

	client, err := s.factory(c)
	if err != nil {
		return nil, err
	}
	s.clients[key] = clientEntry{client: client, generation: gen}
	return client, nil
}

// Invalidate drops every cached client handle for the named credential.
// Rotation does this implicitly through generations; Invalidate exists for
// operational use (e.g. after a transport-level credential error).
func (s *Selector) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.clients {
		if key.name == name {
			delete(s.clients, key)
		}
	}
}
