package retention

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

var validate = validator.New()

const day = 24 * time.Hour

var ageUnits = map[string]time.Duration{
	"":       day,
	"hours":  time.Hour,
	"days":   day,
	"weeks":  7 * day,
	"months": 30 * day,
	"years":  365 * day,
}

var sizeUnits = map[string]float64{
	"":      1,
	"bytes": 1,
	"kb":    1 << 10,
	"mb":    1 << 20,
	"gb":    1 << 30,
	"tb":    1 << 40,
}

// ValidatePolicy checks struct tags and the cross-field rules
func ValidatePolicy(p Policy) error {
	if err := validate.Struct(p); err != nil {
		return drerrors.Configuration("policy", fmt.Errorf("invalid retention policy %q: %w", p.ID, err))
	}
	if p.Schedule != "" {
		if _, err := cron.ParseStandard(p.Schedule); err != nil {
			return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: invalid schedule: %w", p.ID, err))
		}
	}
	for i, c := range p.Conditions {
		switch c.Type {
		case ConditionAge:
			if _, ok := ageUnits[strings.ToLower(c.Unit)]; !ok {
				return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: condition %d: unknown age unit %q", p.ID, i, c.Unit))
			}
		case ConditionSize:
			if _, ok := sizeUnits[strings.ToLower(c.Unit)]; !ok {
				return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: condition %d: unknown size unit %q", p.ID, i, c.Unit))
			}
		case ConditionTag:
			if c.Key == "" {
				return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: condition %d: tag condition needs a key", p.ID, i))
			}
			if c.Operator != "" && c.Operator != OpEQ && c.Operator != OpNE {
				return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: condition %d: tag conditions support eq and ne only", p.ID, i))
			}
		}
	}
	for i, a := range p.Actions {
		if err := validateParams(a); err != nil {
			return drerrors.Configuration("policy", fmt.Errorf("retention policy %s: action %d (%s): %w", p.ID, i, a.Type, err))
		}
	}
	return nil
}

func validateParams(a Action) error {
	set := map[ActionType]bool{
		ActionArchive:   a.Archive != nil,
		ActionMove:      a.Move != nil,
		ActionTag:       a.Tag != nil,
		ActionNotify:    a.Notify != nil,
		ActionLegalHold: a.Hold != nil,
	}
	for t, ok := range set {
		if ok && t != a.Type {
			return fmt.Errorf("parameters for %s are not allowed", t)
		}
	}
	switch a.Type {
	case ActionMove:
		if a.Move == nil {
			return fmt.Errorf("move requires a destination backend")
		}
		return validate.Struct(a.Move)
	case ActionTag:
		if a.Tag == nil {
			return fmt.Errorf("tag requires tags")
		}
		return validate.Struct(a.Tag)
	case ActionLegalHold:
		if a.Hold == nil {
			return fmt.Errorf("legal_hold requires a reason")
		}
		return validate.Struct(a.Hold)
	}
	return nil
}

type policiesFile struct {
	Policies []Policy `yaml:"policies"`
}

func readPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, drerrors.Configuration("policy", fmt.Errorf("failed to read retention policies file: %w", err))
	}
	var f policiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, drerrors.Configuration("policy", fmt.Errorf("failed to parse retention policies file: %w", err))
	}
	seen := make(map[string]bool)
	for _, p := range f.Policies {
		if seen[p.ID] {
			return nil, drerrors.Configuration("policy", fmt.Errorf("duplicate retention policy id %q", p.ID))
		}
		seen[p.ID] = true
		if err := ValidatePolicy(p); err != nil {
			return nil, err
		}
	}
	return f.Policies, nil
}

// Candidate is a record selected by a policy
type Candidate struct {
	Record catalog.BackupRecord
	Rank   int // 1-based position among scoped records, newest first
}

// Evaluation is the result of matching a policy against the catalog
type Evaluation struct {
	Evaluated  int
	Held       int
	Candidates []Candidate
}

// Evaluate selects the records matching every condition of p. Records under
// legal hold and records still being written are never selected. Candidates
// are returned oldest first.
func Evaluate(p Policy, recs []catalog.BackupRecord, now time.Time) Evaluation {
	var scoped []catalog.BackupRecord
	for _, r := range recs {
		if r.Status == catalog.StatusPending || !p.Scope.Matches(r) {
			continue
		}
		scoped = append(scoped, r)
	}
	catalog.SortNewestFirst(scoped)

	ev := Evaluation{Evaluated: len(scoped)}
	for i, r := range scoped {
		if r.LegalHold {
			ev.Held++
			continue
		}
		rank := i + 1
		if matchesAll(p.Conditions, r, rank, now) {
			ev.Candidates = append(ev.Candidates, Candidate{Record: r, Rank: rank})
		}
	}
	for i, j := 0, len(ev.Candidates)-1; i < j; i, j = i+1, j-1 {
		ev.Candidates[i], ev.Candidates[j] = ev.Candidates[j], ev.Candidates[i]
	}
	return ev
}

func matchesAll(conds []Condition, r catalog.BackupRecord, rank int, now time.Time) bool {
	for _, c := range conds {
		if !matches(c, r, rank, now) {
			return false
		}
	}
	return true
}

func matches(c Condition, r catalog.BackupRecord, rank int, now time.Time) bool {
	switch c.Type {
	case ConditionAge:
		unit := ageUnits[strings.ToLower(c.Unit)]
		age := float64(now.Sub(r.CreatedAt)) / float64(unit)
		return compare(age, c.operator(OpGTE), c.Value)
	case ConditionSize:
		size := float64(r.ArtifactSize) / sizeUnits[strings.ToLower(c.Unit)]
		return compare(size, c.operator(OpGTE), c.Value)
	case ConditionCount:
		return compare(float64(rank), c.operator(OpGT), c.Value)
	case ConditionTag:
		v, ok := r.Tags[c.Key]
		eq := ok && (c.TagValue == "" || v == c.TagValue)
		if c.Operator == OpNE {
			return !eq
		}
		return eq
	}
	return false
}

func (c Condition) operator(def Operator) Operator {
	if c.Operator == "" {
		return def
	}
	return c.Operator
}

func compare(v float64, op Operator, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	case OpEQ:
		return v == threshold
	case OpNE:
		return v != threshold
	}
	return false
}
