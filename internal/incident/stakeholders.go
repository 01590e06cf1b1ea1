package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"boundary-soar/internal/store"
)

// Stakeholder is a notification target with category and severity interests.
// Empty interest lists match everything.
type Stakeholder struct {
	ID         string     `json:"id" yaml:"id"`
	Name       string     `json:"name" yaml:"name"`
	Contact    string     `json:"contact" yaml:"contact"`
	Categories []Category `json:"categories,omitempty" yaml:"categories"`
	Severities []Severity `json:"severities,omitempty" yaml:"severities"`
}

// Validate checks the stakeholder definition.
func (s Stakeholder) Validate() error {
	if s.ID == "" {
		return errors.New("stakeholder id is required")
	}
	for _, sev := range s.Severities {
		if !sev.IsValid() {
			return fmt.Errorf("stakeholder %s: invalid severity %q", s.ID, sev)
		}
	}
	return nil
}

// Interested reports whether the stakeholder wants incidents of this kind.
func (s Stakeholder) Interested(cat Category, sev Severity) bool {
	if len(s.Categories) > 0 && !contains(s.Categories, cat) {
		return false
	}
	if len(s.Severities) > 0 && !contains(s.Severities, sev) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Stakeholders is the registry of notification targets.
type Stakeholders struct {
	store store.Store[Stakeholder]
}

// NewStakeholders creates a registry over the given store.
func NewStakeholders(s store.Store[Stakeholder]) *Stakeholders {
	return &Stakeholders{store: s}
}

// Add stores or replaces a stakeholder.
func (r *Stakeholders) Add(ctx context.Context, s Stakeholder) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.store.Put(ctx, s.ID, s)
}

// Remove deletes a stakeholder. Removing an unknown id is not an error.
func (r *Stakeholders) Remove(ctx context.Context, id string) error {
	return r.store.Delete(ctx, id)
}

// Get returns a stakeholder by id.
func (r *Stakeholders) Get(ctx context.Context, id string) (Stakeholder, bool, error) {
	return r.store.Get(ctx, id)
}

// List returns stakeholders ordered by id. When cat or sev are non-empty
// only interested stakeholders are returned.
func (r *Stakeholders) List(ctx context.Context, cat Category, sev Severity) ([]Stakeholder, error) {
	var out []Stakeholder
	err := r.store.Range(ctx, func(_ string, s Stakeholder) bool {
		if cat != "" && len(s.Categories) > 0 && !contains(s.Categories, cat) {
			return true
		}
		if sev != "" && len(s.Severities) > 0 && !contains(s.Severities, sev) {
			return true
		}
		out = append(out, s)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Resolve looks up stakeholders by id, skipping unknown ids.
func (r *Stakeholders) Resolve(ctx context.Context, ids []string) ([]Stakeholder, error) {
	out := make([]Stakeholder, 0, len(ids))
	for _, id := range ids {
		s, ok, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}
