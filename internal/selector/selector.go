// Package selector orders a tenant's configured providers for a given task
// category. The ranking combines a model tier table with a task-affinity
// matrix; both are static configuration that must be edited together when a
// new model or vendor is added. Unrecognised models and vendors score zero
// and therefore sort last instead of erroring.
package selector

import (
	"sort"

	"github.com/dealflow-labs/ai-relay/providers"
)

// tierWeight spaces tiers so that any tier difference dominates any affinity
// difference.
const tierWeight = 10

// Selector ranks provider candidates. Construct with New; the zero value is
// not usable.
type Selector struct {
	tiers    map[string]int
	affinity map[providers.TaskCategory]map[providers.Type]int
}

// New creates a Selector. Entries in tiers and affinity are merged over the
// built-in defaults; pass nil to use the defaults unchanged.
func New(tiers map[string]int, affinity map[providers.TaskCategory]map[providers.Type]int) *Selector {
	s := &Selector{
		tiers:    make(map[string]int, len(defaultTiers)),
		affinity: make(map[providers.TaskCategory]map[providers.Type]int, len(defaultAffinity)),
	}
	for m, t := range defaultTiers {
		s.tiers[m] = t
	}
	for m, t := range tiers {
		s.tiers[m] = t
	}
	for task, row := range defaultAffinity {
		cp := make(map[providers.Type]int, len(row))
		for p, a := range row {
			cp[p] = a
		}
		s.affinity[task] = cp
	}
	for task, row := range affinity {
		if s.affinity[task] == nil {
			s.affinity[task] = make(map[providers.Type]int, len(row))
		}
		for p, a := range row {
			s.affinity[task][p] = a
		}
	}
	return s
}

// Score computes the affinity score for one candidate. Higher is better.
func (s *Selector) Score(p providers.TenantProvider, task providers.TaskCategory) int {
	return s.tiers[p.Model]*tierWeight + s.affinity[task][p.Type]
}

// Order returns candidates sorted by descending score, ties broken by
// ascending creation time (first connected tried first). The input slice is
// not modified.
func (s *Selector) Order(candidates []providers.TenantProvider, task providers.TaskCategory) []providers.TenantProvider {
	ordered := make([]providers.TenantProvider, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		si, sj := s.Score(ordered[i], task), s.Score(ordered[j], task)
		if si != sj {
			return si > sj
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered
}

// Best returns the head of Order, or false when candidates is empty.
func (s *Selector) Best(candidates []providers.TenantProvider, task providers.TaskCategory) (providers.TenantProvider, bool) {
	if len(candidates) == 0 {
		return providers.TenantProvider{}, false
	}
	return s.Order(candidates, task)[0], true
}

// Promote moves the first candidate of the preferred type to the front of an
// already ordered list. When preferred is empty or absent from the list, the
// order is returned unchanged.
func Promote(ordered []providers.TenantProvider, preferred providers.Type) []providers.TenantProvider {
	if preferred == "" {
		return ordered
	}
	for i, c := range ordered {
		if c.Type == preferred {
			if i == 0 {
				return ordered
			}
			out := make([]providers.TenantProvider, 0, len(ordered))
			out = append(out, c)
			out = append(out, ordered[:i]...)
			out = append(out, ordered[i+1:]...)
			return out
		}
	}
	return ordered
}
