package category

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the admission parameters for one category.
type Config struct {
	// Category this configuration applies to.
	Category Category `yaml:"category"`

	// Credentials lists credential names in preference order. The selector
	// tries them first and falls back to the shared default credential.
	Credentials []string `yaml:"credentials"`

	// MaxConcurrent is the per-category concurrency ceiling. Must be at
	// least 1.
	MaxConcurrent int `yaml:"max_concurrent"`

	// TokenBudget is the default rolling token budget applied to this
	// category's credentials when a credential does not configure its own.
	// Zero means unlimited.
	TokenBudget int `yaml:"token_budget"`

	// BudgetWindow is the rolling window over which TokenBudget refills.
	// Defaults to one minute when TokenBudget is set.
	BudgetWindow time.Duration `yaml:"budget_window"`

	// DefaultPriority is used when the caller omits an explicit priority.
	// Zero means the category's built-in weight.
	DefaultPriority int `yaml:"default_priority"`

	// MaxWaiting bounds the waiting list. Submissions beyond the bound are
	// rejected immediately instead of queued. Zero means the dispatcher
	// default (possibly unbounded).
	MaxWaiting int `yaml:"max_waiting"`
}

// CredentialSpec is the declarative form of a credential as it appears in
// configuration. The credential package turns specs into live credentials.
type CredentialSpec struct {
	// Name is the configuration handle referenced by category credential
	// lists and by the default_credential field.
	Name string `yaml:"name"`

	// SecretRef locates the API secret (environment expansion applies, so
	// "${DIAGNOSIS_API_KEY}" resolves at load time).
	SecretRef string `yaml:"secret_ref"`

	// Model is the inference model identifier used with this credential.
	Model string `yaml:"model"`

	// TokenBudget is the rolling token budget for this credential.
	// Zero falls back to the category-level budget, or unlimited.
	TokenBudget int `yaml:"token_budget"`

	// BudgetWindow is the rolling window for TokenBudget.
	BudgetWindow time.Duration `yaml:"budget_window"`
}

// File is the on-disk configuration document: the credential pool, the
// shared default credential, and per-category admission parameters.
type File struct {
	DefaultCredential string           `yaml:"default_credential"`
	Credentials       []CredentialSpec `yaml:"credentials"`
	Categories        []Config         `yaml:"categories"`
}

// LoadFile reads and validates a YAML configuration file. Environment
// references inside secret_ref values are expanded before parsing, so
// secrets stay out of the file itself.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("category: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML configuration document.
func ParseConfig(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, fmt.Errorf("category: parse config: %w", err)
	}
	if err := f.Finalize(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Finalize validates the document and fills zero-valued fields with their
// defaults. Programmatically built Files go through this before use, the
// same as parsed ones.
func (f *File) Finalize() error {
	if err := f.Validate(); err != nil {
		return err
	}
	f.applyDefaults()
	return nil
}

// Validate checks referential integrity: categories must be known, every
// referenced credential must exist, and ceilings must be positive.
func (f *File) Validate() error {
	names := make(map[string]struct{}, len(f.Credentials))
	for _, spec := range f.Credentials {
		if spec.Name == "" {
			return fmt.Errorf("category: credential with empty name")
		}
		if _, dup := names[spec.Name]; dup {
			return fmt.Errorf("category: duplicate credential %q", spec.Name)
		}
		names[spec.Name] = struct{}{}
	}

	if f.DefaultCredential != "" {
		if _, ok := names[f.DefaultCredential]; !ok {
			return fmt.Errorf("category: default credential %q not defined", f.DefaultCredential)
		}
	}

	seen := make(map[Category]struct{}, len(f.Categories))
	for _, cfg := range f.Categories {
		if !cfg.Category.Valid() {
			return fmt.Errorf("category: unknown category %q", cfg.Category)
		}
		if _, dup := seen[cfg.Category]; dup {
			return fmt.Errorf("category: duplicate config for %q", cfg.Category)
		}
		seen[cfg.Category] = struct{}{}

		if cfg.MaxConcurrent < 1 {
			return fmt.Errorf("category: %s: max_concurrent must be >= 1", cfg.Category)
		}
		for _, name := range cfg.Credentials {
			if _, ok := names[name]; !ok {
				return fmt.Errorf("category: %s references undefined credential %q", cfg.Category, name)
			}
		}
	}
	return nil
}

// applyDefaults fills zero-valued fields after validation.
func (f *File) applyDefaults() {
	for i := range f.Categories {
		cfg := &f.Categories[i]
		if cfg.DefaultPriority == 0 {
			cfg.DefaultPriority = cfg.Category.DefaultPriority()
		}
		if cfg.TokenBudget > 0 && cfg.BudgetWindow == 0 {
			cfg.BudgetWindow = time.Minute
		}
	}
	for i := range f.Credentials {
		spec := &f.Credentials[i]
		if spec.TokenBudget > 0 && spec.BudgetWindow == 0 {
			spec.BudgetWindow = time.Minute
		}
	}
}

// Lookup returns the Config for cat, or false when the file does not
// configure it.
func (f *File) Lookup(cat Category) (Config, bool) {
	for _, cfg := range f.Categories {
		if cfg.Category == cat {
			return cfg, true
		}
	}
	return Config{}, false
}
