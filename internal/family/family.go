// Package family resolves a model identifier to its provider family's
// configuration, the single place substring tests are allowed to live
// (SPEC_FULL.md/§9 design note: dynamic dispatch over provider families).
package family

import (
	"fmt"
	"strings"

	"github.com/Hiih-u/async-chat/internal/config"
)

// defaultFamilyID is used when no configured family's MatchSubstrings hit,
// matching spec.md §6.2's documented fallback.
const defaultFamilyID = "gemini"

// Registry resolves model names against the configured families in order.
type Registry struct {
	families []config.FamilyConfig
	byID     map[string]config.FamilyConfig
}

// NewRegistry builds a Registry from the loaded configuration's family list.
func NewRegistry(cfg config.Config) (*Registry, error) {
	if len(cfg.Families) == 0 {
		return nil, fmt.Errorf("no families configured")
	}
	byID := make(map[string]config.FamilyConfig, len(cfg.Families))
	for _, f := range cfg.Families {
		byID[f.ID] = f
	}
	if _, ok := byID[defaultFamilyID]; !ok {
		return nil, fmt.Errorf("default family %q missing from configuration", defaultFamilyID)
	}
	return &Registry{families: cfg.Families, byID: byID}, nil
}

// Resolve returns the family matching model by lower-cased substring, or the
// default family when nothing matches.
func (r *Registry) Resolve(model string) config.FamilyConfig {
	lower := strings.ToLower(model)
	for _, f := range r.families {
		for _, sub := range f.MatchSubstrings {
			if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
				return f
			}
		}
	}
	return r.byID[defaultFamilyID]
}

// ByID looks up a family by its configured identifier.
func (r *Registry) ByID(id string) (config.FamilyConfig, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// IsGemini reports whether model resolves to the gemini family, the only
// family that uses gemini_concurrency fan-out and the node pool (§4.1).
func (r *Registry) IsGemini(model string) bool {
	return r.Resolve(model).ID == "gemini"
}

// All returns every configured family, stable order, for consumers that
// start one worker loop per family (cmd/workerd).
func (r *Registry) All() []config.FamilyConfig {
	out := make([]config.FamilyConfig, len(r.families))
	copy(out, r.families)
	return out
}
