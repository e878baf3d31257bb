package replication

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

var validate = validator.New()

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ValidateRule checks struct tags and the rules that tags cannot express
func (s *Service) ValidateRule(r Rule) error {
	if err := validate.Struct(r); err != nil {
		return drerrors.Configuration("rule", fmt.Errorf("invalid replication rule %q: %w", r.ID, err))
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		return drerrors.Configuration("rule", fmt.Errorf("replication rule %s: minSize %d exceeds maxSize %d", r.ID, r.MinSize, r.MaxSize))
	}
	if r.SyncMode == SyncScheduled {
		if r.Schedule == "" {
			return drerrors.Configuration("rule", fmt.Errorf("replication rule %s: scheduled sync requires a schedule", r.ID))
		}
		if _, err := cron.ParseStandard(r.Schedule); err != nil {
			return drerrors.Configuration("rule", fmt.Errorf("replication rule %s: invalid schedule: %w", r.ID, err))
		}
	}
	for _, region := range r.TargetRegions {
		if region == s.cfg.SourceRegion {
			return drerrors.Configuration("rule", fmt.Errorf("replication rule %s: target region %s is the source region", r.ID, region))
		}
		if len(s.registry.InRegion(region)) == 0 {
			return drerrors.Configuration("rule", fmt.Errorf("replication rule %s: no storage backend serves region %s", r.ID, region))
		}
	}
	return nil
}

// PutRule validates and stores a rule
func (s *Service) PutRule(r Rule) error {
	if r.SyncMode == "" {
		r.SyncMode = SyncImmediate
	}
	if err := s.ValidateRule(r); err != nil {
		return err
	}
	return s.rules.Put(r.ID, r)
}

// DeleteRule removes a rule. Jobs it already produced are unaffected.
func (s *Service) DeleteRule(id string) error {
	if _, ok := s.rules.Get(id); !ok {
		return fmt.Errorf("replication rule %s: %w", id, drerrors.ErrNotFound)
	}
	return s.rules.Delete(id)
}

// Rule returns a rule by id
func (s *Service) Rule(id string) (Rule, bool) {
	return s.rules.Get(id)
}

// Rules returns all rules by descending priority
func (s *Service) Rules() []Rule {
	rules := s.rules.List()
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// LoadRules reads a YAML rules file and stores every rule in it. The file is
// validated as a whole before anything is stored.
func (s *Service) LoadRules(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, drerrors.Configuration("rule", fmt.Errorf("failed to read replication rules file: %w", err))
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, drerrors.Configuration("rule", fmt.Errorf("failed to parse replication rules file: %w", err))
	}
	seen := make(map[string]bool)
	for i := range f.Rules {
		if f.Rules[i].SyncMode == "" {
			f.Rules[i].SyncMode = SyncImmediate
		}
		if seen[f.Rules[i].ID] {
			return 0, drerrors.Configuration("rule", fmt.Errorf("duplicate replication rule id %q", f.Rules[i].ID))
		}
		seen[f.Rules[i].ID] = true
		if err := s.ValidateRule(f.Rules[i]); err != nil {
			return 0, err
		}
	}
	for _, r := range f.Rules {
		if err := s.rules.Put(r.ID, r); err != nil {
			return 0, err
		}
	}
	return len(f.Rules), nil
}
