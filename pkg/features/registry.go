// Package features loads the feature sets plans grant from a YAML file and
// keeps them current while the file changes.
//
// A feature file looks like:
//
//	feature_sets:
//	  - id: basic
//	    features:
//	      projects: 3
//	      api_access: false
//	plans:
//	  - key: basic
//	    name: Basic
//	    rate_cents: 1000
//	    feature_set: basic
package features

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/freemium/pkg/billing"
)

// ErrUnknownFeatureSet is returned for ids the file does not define
var ErrUnknownFeatureSet = errors.New("unknown feature set")

// FeatureSet is a named bundle of limits and switches a plan grants
type FeatureSet struct {
	ID       string                 `yaml:"id"`
	Name     string                 `yaml:"name"`
	Features map[string]interface{} `yaml:"features"`
}

// Enabled reports whether a boolean feature is switched on. Numeric
// features count as enabled when positive.
func (f *FeatureSet) Enabled(name string) bool {
	switch v := f.Features[name].(type) {
	case bool:
		return v
	case int:
		return v > 0
	case float64:
		return v > 0
	}
	return false
}

// Limit returns a numeric feature and whether it is set
func (f *FeatureSet) Limit(name string) (int, bool) {
	switch v := f.Features[name].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

// PlanSpec is a plan declared in the feature file
type PlanSpec struct {
	Key        string `yaml:"key"`
	Name       string `yaml:"name"`
	RateCents  int64  `yaml:"rate_cents"`
	Yearly     bool   `yaml:"yearly"`
	FeatureSet string `yaml:"feature_set"`
}

// Plan converts the declaration into a catalog plan
func (p PlanSpec) Plan() *billing.Plan {
	return &billing.Plan{
		Key:          p.Key,
		Name:         p.Name,
		Rate:         billing.Money(p.RateCents),
		Yearly:       p.Yearly,
		FeatureSetID: p.FeatureSet,
	}
}

// File is the parsed feature file
type File struct {
	FeatureSets []FeatureSet `yaml:"feature_sets"`
	Plans       []PlanSpec   `yaml:"plans"`
}

// Parse decodes and checks a feature file
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid feature file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids are unique and every plan names a known set
func (f *File) Validate() error {
	sets := make(map[string]bool, len(f.FeatureSets))
	for _, fs := range f.FeatureSets {
		if fs.ID == "" {
			return fmt.Errorf("feature set without id")
		}
		if sets[fs.ID] {
			return fmt.Errorf("duplicate feature set %q", fs.ID)
		}
		sets[fs.ID] = true
	}

	keys := make(map[string]bool, len(f.Plans))
	for _, p := range f.Plans {
		if p.Key == "" {
			return fmt.Errorf("plan without key")
		}
		if keys[p.Key] {
			return fmt.Errorf("duplicate plan %q", p.Key)
		}
		keys[p.Key] = true
		if p.RateCents < 0 {
			return fmt.Errorf("plan %q: rate must not be negative", p.Key)
		}
		if p.FeatureSet != "" && !sets[p.FeatureSet] {
			return fmt.Errorf("plan %q: %w %q", p.Key, ErrUnknownFeatureSet, p.FeatureSet)
		}
	}
	return nil
}

// Registry serves the current feature file. Reads are lock free; a reload
// swaps the whole snapshot.
type Registry struct {
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	file *File
	sets map[string]*FeatureSet
}

// NewRegistry serves f
func NewRegistry(f *File) *Registry {
	r := &Registry{}
	r.set(f)
	return r
}

// Load reads and parses path
func Load(path string) (*Registry, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(f), nil
}

func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature file: %w", err)
	}
	// a writer truncating before it writes shows up as an empty file
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s: feature file is empty", path)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

func (r *Registry) set(f *File) {
	s := &snapshot{file: f, sets: make(map[string]*FeatureSet, len(f.FeatureSets))}
	for i := range f.FeatureSets {
		s.sets[f.FeatureSets[i].ID] = &f.FeatureSets[i]
	}
	r.current.Store(s)
}

// Get returns a feature set by id
func (r *Registry) Get(id string) (*FeatureSet, error) {
	fs, ok := r.current.Load().sets[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownFeatureSet, id)
	}
	return fs, nil
}

// ForPlan returns the feature set plan grants
func (r *Registry) ForPlan(plan *billing.Plan) (*FeatureSet, error) {
	if plan == nil || plan.FeatureSetID == "" {
		return nil, fmt.Errorf("plan has no feature set: %w", ErrUnknownFeatureSet)
	}
	return r.Get(plan.FeatureSetID)
}

// IDs lists the defined feature sets in order
func (r *Registry) IDs() []string {
	s := r.current.Load()
	ids := make([]string, 0, len(s.sets))
	for id := range s.sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plans returns the plans the file declares
func (r *Registry) Plans() []PlanSpec {
	return append([]PlanSpec(nil), r.current.Load().file.Plans...)
}

// PlanStore is where declared plans are written
type PlanStore interface {
	GetPlanByKey(ctx context.Context, key string) (*billing.Plan, error)
	SavePlan(ctx context.Context, plan *billing.Plan) error
}

// SeedPlans upserts every declared plan by key and returns how many it
// wrote
func (r *Registry) SeedPlans(ctx context.Context, store PlanStore) (int, error) {
	specs := r.Plans()
	for i, spec := range specs {
		plan := spec.Plan()
		existing, err := store.GetPlanByKey(ctx, spec.Key)
		switch {
		case err == nil:
			plan.ID = existing.ID
		case !errors.Is(err, billing.ErrNotFound):
			return i, fmt.Errorf("failed to look up plan %q: %w", spec.Key, err)
		}
		if err := store.SavePlan(ctx, plan); err != nil {
			return i, fmt.Errorf("failed to seed plan %q: %w", spec.Key, err)
		}
	}
	return len(specs), nil
}
