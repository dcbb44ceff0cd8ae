package credential

import (
	"fmt"

	"github.com/dentamind/dispatch/category"
)

// Registry holds the credential pool: per-category ordered lists and the
// shared default. Built once at process start; rotation and availability
// changes mutate individual credentials, never the shape of the registry.
type Registry struct {
	byName     map[string]*Credential
	byCategory map[category.Category][]*Credential
	def        *Credential
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]*Credential),
		byCategory: make(map[category.Category][]*Credential),
	}
}

// BuildRegistry constructs a registry from a validated configuration file.
// Credentials without their own token budget inherit the budget of the
// first category that references them (per-category budgets attach to
// dedicated credentials; shared credentials should configure their own).
func BuildRegistry(f *category.File) (*Registry, error) {
	r := NewRegistry()

	for _, spec := range f.Credentials {
		budget, window := spec.TokenBudget, spec.BudgetWindow
		if budget == 0 {
			for _, cfg := range f.Categories {
				if cfg.TokenBudget == 0 || !refersTo(cfg.Credentials, spec.Name) {
					continue
				}
				budget, window = cfg.TokenBudget, cfg.BudgetWindow
				break
			}
		}
		if err := r.Add(New(spec.Name, spec.SecretRef, spec.Model, budget, window)); err != nil {
			return nil, err
		}
	}

	for _, cfg := range f.Categories {
		if err := r.Assign(cfg.Category, cfg.Credentials...); err != nil {
			return nil, err
		}
	}

	if f.DefaultCredential != "" {
		if err := r.SetDefault(f.DefaultCredential); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func refersTo(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Add registers a credential under its name.
func (r *Registry) Add(c *Credential) error {
	if _, exists := r.byName[c.Name]; exists {
		return fmt.Errorf("credential: duplicate credential %q", c.Name)
	}
	r.byName[c.Name] = c
	return nil
}

// Assign binds named credentials to a category in preference order.
func (r *Registry) Assign(cat category.Category, names ...string) error {
	ordered := make([]*Credential, 0, len(names))
	for _, name := range names {
		c, ok := r.byName[name]
		if !ok {
			return fmt.Errorf("credential: %s references undefined credential %q", cat, name)
		}
		ordered = append(ordered, c)
	}
	r.byCategory[cat] = ordered
	return nil
}

// SetDefault names the shared fallback credential.
func (r *Registry) SetDefault(name string) error {
	c, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("credential: default credential %q not defined", name)
	}
	r.def = c
	return nil
}

// Get returns a credential by name.
func (r *Registry) Get(name string) (*Credential, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// ForCategory returns the category's credentials in preference order.
// The returned slice is shared; callers must not mutate it.
func (r *Registry) ForCategory(cat category.Category) []*Credential {
	return r.byCategory[cat]
}

// Default returns the shared fallback credential, or nil.
func (r *Registry) Default() *Credential { return r.def }

// Rotate swaps a credential's secret reference by name.
func (r *Registry) Rotate(name, newSecretRef string) error {
	c, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("credential: rotate unknown credential %q", name)
	}
	c.Rotate(newSecretRef)
	return nil
}
