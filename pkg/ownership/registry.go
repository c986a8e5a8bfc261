// Package ownership implements the startup mutual-exclusion registry: each
// cross-cutting concern (cost checking, duplicate checking, quality
// validation) is declared with exactly one owning component. A configuration
// with two owners for one concern, or with an owner drawn from a concern's
// forbidden list, is fatal — the process must not start.
package ownership

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// Canonical concern names used across the pipeline.
const (
	ConcernCostChecking      = "cost-checking"
	ConcernDuplicateChecking = "duplicate-checking"
	ConcernQualityValidation = "quality-validation"
)

// Rule declares the single owner of a concern and the components explicitly
// forbidden from handling it.
type Rule struct {
	Concern   string   `yaml:"concern" json:"concern"`
	Owner     string   `yaml:"owner" json:"owner"`
	Forbidden []string `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
}

// Registry holds the rules loaded at startup. Immutable after Seal.
type Registry struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register installs a rule. Registering a second owner for an existing
// concern returns OwnershipConflictError; the caller is expected to treat
// that as fatal. Registering after Seal is a programming error.
func (r *Registry) Register(rule Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("ownership registry is sealed; rules load once at startup")
	}
	if rule.Concern == "" || rule.Owner == "" {
		return fmt.Errorf("ownership rule requires both concern and owner")
	}
	if existing, ok := r.rules[rule.Concern]; ok && existing.Owner != rule.Owner {
		return &contracts.OwnershipConflictError{
			Concern: rule.Concern,
			Owner:   existing.Owner,
			Claimed: rule.Owner,
		}
	}
	for _, f := range rule.Forbidden {
		if f == rule.Owner {
			return fmt.Errorf("ownership rule for %q names owner %q on its own forbidden list",
				rule.Concern, rule.Owner)
		}
	}
	r.rules[rule.Concern] = rule
	return nil
}

// Seal freezes the registry. Called once wiring is complete.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Assert verifies that component is allowed to act on concern. Components
// call this at construction time to fail closed on misconfiguration.
func (r *Registry) Assert(concern, component string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[concern]
	if !ok {
		return fmt.Errorf("concern %q has no registered owner", concern)
	}
	for _, f := range rule.Forbidden {
		if f == component {
			return &contracts.OwnershipConflictError{
				Concern: concern,
				Owner:   rule.Owner,
				Claimed: component,
			}
		}
	}
	if rule.Owner != component {
		return &contracts.OwnershipConflictError{
			Concern: concern,
			Owner:   rule.Owner,
			Claimed: component,
		}
	}
	return nil
}

// Owner reports the owning component for a concern.
func (r *Registry) Owner(concern string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[concern]
	return rule.Owner, ok
}

// Concerns lists registered concerns in stable order.
func (r *Registry) Concerns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rules))
	for c := range r.rules {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
