// Package policy decides which CA operations need approval and how much.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// Wildcard matches any approval type in a Rule.
const Wildcard = "*"

// Rule gates operations matching its approval type, CA and end entity
// profile. Zero ids match any CA or profile.
type Rule struct {
	ApprovalType       string        `yaml:"approval_type" json:"approval_type"`
	CAID               int32         `yaml:"ca_id" json:"ca_id"`
	EndEntityProfileID int32         `yaml:"end_entity_profile_id" json:"end_entity_profile_id"`
	RequiredApprovals  int           `yaml:"required_approvals" json:"required_approvals"`
	Steps              []int         `yaml:"steps" json:"steps,omitempty"`
	StepScoped         bool          `yaml:"step_scoped" json:"step_scoped,omitempty"`
	TTL                time.Duration `yaml:"ttl" json:"ttl,omitempty"`
}

func (r Rule) matches(t interfaces.ApprovalType, caID, profileID int32) bool {
	if r.ApprovalType != Wildcard && r.ApprovalType != t.String() {
		return false
	}
	if r.CAID != 0 && r.CAID != caID {
		return false
	}
	return r.EndEntityProfileID == 0 || r.EndEntityProfileID == profileID
}

func (r Rule) specificity() int {
	score := 0
	if r.ApprovalType != Wildcard {
		score += 4
	}
	if r.CAID != 0 {
		score += 2
	}
	if r.EndEntityProfileID != 0 {
		score++
	}
	return score
}

// required is the total number of approvals the rule asks for. Zero means
// the operation is not gated.
func (r Rule) required() int {
	if len(r.Steps) == 0 {
		return r.RequiredApprovals
	}
	total := 0
	for _, n := range r.Steps {
		total += n
	}
	return total
}

// StaticGate is a PolicyGate over a fixed rule list. The most specific
// matching rule wins; among equally specific rules the first one listed.
type StaticGate struct {
	rules []Rule
}

var _ interfaces.PolicyGate = (*StaticGate)(nil)

func NewStaticGate(rules []Rule) (*StaticGate, error) {
	for i, r := range rules {
		if r.ApprovalType != Wildcard {
			if _, err := interfaces.ParseApprovalType(r.ApprovalType); err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
		}
		if r.RequiredApprovals < 0 || r.TTL < 0 {
			return nil, fmt.Errorf("rule %d: negative approvals or ttl", i)
		}
		if len(r.Steps) > 0 && r.RequiredApprovals != 0 {
			return nil, fmt.Errorf("rule %d: required_approvals and steps are mutually exclusive", i)
		}
		for _, n := range r.Steps {
			if n < 1 {
				return nil, fmt.Errorf("rule %d: every step needs at least one approval", i)
			}
		}
		if r.StepScoped && len(r.Steps) == 0 {
			return nil, fmt.Errorf("rule %d: step_scoped needs steps", i)
		}
	}
	return &StaticGate{rules: append([]Rule(nil), rules...)}, nil
}

// Match returns the rule that applies to an operation.
func (g *StaticGate) Match(op interfaces.ApprovalType, caID, profileID int32) (Rule, bool) {
	best := -1
	var rule Rule
	for _, r := range g.rules {
		if !r.matches(op, caID, profileID) {
			continue
		}
		if s := r.specificity(); s > best {
			best = s
			rule = r
		}
	}
	return rule, best >= 0
}

func (g *StaticGate) RequiredApprovals(op interfaces.ApprovalType, caID, profileID int32) int {
	r, ok := g.Match(op, caID, profileID)
	if !ok {
		return 0
	}
	return r.required()
}

// ErrNotGated is returned by Apply for operations that need no approval.
var ErrNotGated = errors.New("operation does not require approval")

// Apply overwrites the approval requirements of spec with the matching
// rule's and returns the rule's TTL (zero when the rule sets none).
func (g *StaticGate) Apply(spec *interfaces.ApprovalRequestSpec) (time.Duration, error) {
	r, ok := g.Match(spec.ApprovalType, spec.CAID, spec.EndEntityProfileID)
	if !ok || r.required() == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotGated, spec.ApprovalType)
	}
	if len(r.Steps) > 0 {
		spec.RequiredApprovals = 0
		spec.StepRequirements = append([]int(nil), r.Steps...)
		spec.StepScoped = r.StepScoped
	} else {
		spec.RequiredApprovals = r.RequiredApprovals
		spec.StepRequirements = nil
		spec.StepScoped = false
	}
	return r.TTL, nil
}
