// Package credential manages the identities used to call the inference
// backend: the per-category credential lists, the shared default, rolling
// token budgets, rotation, and the route selector that binds an eligible
// credential to each admitted request.
package credential

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dentamind/dispatch/id"
)

// Credential is an identity/config bundle for the inference backend: a
// secret reference, a model id, and a rolling token budget. The secret
// itself is resolved by the injected client factory; this subsystem only
// carries the reference.
type Credential struct {
	ID    id.CredentialID
	Name  string
	Model string

	mu        sync.Mutex
	secretRef string

	// limiter enforces the rolling token budget: rate = budget/window,
	// burst = budget. Nil means unlimited. A settled call draws its token
	// count from the window; the credential is exhausted while the window
	// holds less than one token.
	limiter *rate.Limiter

	// available is flipped off to take a credential out of rotation
	// without removing it from configuration.
	available atomic.Bool

	// generation is bumped on rotation so cached client handles built
	// against the old secret are discarded.
	generation atomic.Uint64
}

// New creates a credential. budget <= 0 means unlimited tokens.
func New(name, secretRef, model string, budget int, window time.Duration) *Credential {
	c := &Credential{
		ID:        id.NewCredentialID(),
		Name:      name,
		Model:     model,
		secretRef: secretRef,
	}
	c.available.Store(true)
	if budget > 0 {
		if window <= 0 {
			window = time.Minute
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(budget)/window.Seconds()), budget)
	}
	return c
}

// SecretRef returns the current secret reference for the client factory.
func (c *Credential) SecretRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secretRef
}

// Available reports whether the credential is in rotation.
func (c *Credential) Available() bool { return c.available.Load() }

// SetAvailable takes the credential in or out of rotation.
func (c *Credential) SetAvailable(v bool) { c.available.Store(v) }

// Exhausted reports whether the rolling token window is spent. Unlimited
// credentials are never exhausted.
func (c *Credential) Exhausted() bool {
	return c.limiter != nil && c.limiter.Tokens() < 1
}

// ConsumeTokens draws n tokens from the rolling window after a settled
// call. Draws beyond the window's burst are clamped to it; the clamp still
// empties the window, so the overdraft registers as exhaustion.
func (c *Credential) ConsumeTokens(n int) {
	if c.limiter == nil || n <= 0 {
		return
	}
	if burst := c.limiter.Burst(); n > burst {
		n = burst
	}
	c.limiter.ReserveN(time.Now(), n)
}

// Generation returns the rotation generation for client-cache validation.
func (c *Credential) Generation() uint64 { return c.generation.Load() }

// Rotate swaps the secret reference and bumps the generation, invalidating
// any cached client handle built against the old secret.
func (c *Credential) Rotate(newSecretRef string) {
	c.mu.Lock()
	c.secretRef = newSecretRef
	c.mu.Unlock()
	c.generation.Add(1)
}
