package interfaces

import (
	"fmt"
	"strconv"
)

// FilterField names a record attribute usable in query predicates.
type FilterField string

const (
	FieldApprovalType       FilterField = "approval_type"
	FieldStatus             FilterField = "status"
	FieldCAID               FilterField = "ca_id"
	FieldEndEntityProfileID FilterField = "end_entity_profile_id"
	FieldRequestingAdmin    FilterField = "requesting_admin"
)

// FilterOp connects child filters.
type FilterOp string

const (
	OpAnd FilterOp = "and"
	OpOr  FilterOp = "or"
)

// Filter is a predicate tree over approval records. A node is either a leaf
// (Field and Value set) or a connective (Op and Children set). The zero
// Filter matches every record.
//
// Leaf values use the string forms of the attribute: approval type and status
// names, decimal ids, and AdminIdentity.Key() for the requesting admin.
type Filter struct {
	Op       FilterOp    `json:"op,omitempty"`
	Children []Filter    `json:"children,omitempty"`
	Field    FilterField `json:"field,omitempty"`
	Value    string      `json:"value,omitempty"`
}

// Eq builds a leaf predicate.
func Eq(field FilterField, value string) Filter {
	return Filter{Field: field, Value: value}
}

// And joins filters so that all must match.
func And(filters ...Filter) Filter {
	return Filter{Op: OpAnd, Children: filters}
}

// Or joins filters so that at least one must match.
func Or(filters ...Filter) Filter {
	return Filter{Op: OpOr, Children: filters}
}

// IsLeaf reports whether f is a single predicate.
func (f Filter) IsLeaf() bool {
	return f.Field != ""
}

// IsEmpty reports whether f is the zero filter, which matches everything.
// An And with no children also matches everything; an Or with no children
// matches nothing.
func (f Filter) IsEmpty() bool {
	return f.Field == "" && f.Op == "" && len(f.Children) == 0
}

// Validate checks the tree for unknown fields, operators and malformed values.
func (f Filter) Validate() error {
	if f.IsEmpty() {
		return nil
	}
	if f.IsLeaf() {
		if len(f.Children) > 0 || f.Op != "" {
			return fmt.Errorf("filter leaf %q cannot have children", f.Field)
		}
		switch f.Field {
		case FieldApprovalType:
			_, err := ParseApprovalType(f.Value)
			return err
		case FieldStatus:
			_, err := ParseStatus(f.Value)
			return err
		case FieldCAID, FieldEndEntityProfileID:
			if _, err := strconv.ParseInt(f.Value, 10, 32); err != nil {
				return fmt.Errorf("invalid %s value %q: %w", f.Field, f.Value, err)
			}
			return nil
		case FieldRequestingAdmin:
			return nil
		default:
			return fmt.Errorf("unknown filter field %q", f.Field)
		}
	}
	if f.Op != OpAnd && f.Op != OpOr {
		return fmt.Errorf("unknown filter operator %q", f.Op)
	}
	for _, child := range f.Children {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Match evaluates the filter against a record. Filters are expected to be
// validated; malformed leaves never match.
func (f Filter) Match(r *ApprovalRecord) bool {
	if f.IsEmpty() {
		return true
	}
	if f.IsLeaf() {
		return f.matchLeaf(r)
	}
	switch f.Op {
	case OpAnd:
		for _, child := range f.Children {
			if !child.Match(r) {
				return false
			}
		}
		return true
	case OpOr:
		for _, child := range f.Children {
			if child.Match(r) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (f Filter) matchLeaf(r *ApprovalRecord) bool {
	switch f.Field {
	case FieldApprovalType:
		t, err := ParseApprovalType(f.Value)
		return err == nil && r.Spec.ApprovalType == t
	case FieldStatus:
		s, err := ParseStatus(f.Value)
		return err == nil && r.Status == s
	case FieldCAID:
		id, err := strconv.ParseInt(f.Value, 10, 32)
		return err == nil && r.Spec.CAID == int32(id)
	case FieldEndEntityProfileID:
		id, err := strconv.ParseInt(f.Value, 10, 32)
		return err == nil && r.Spec.EndEntityProfileID == int32(id)
	case FieldRequestingAdmin:
		return r.Spec.RequestingAdmin.Key() == f.Value
	default:
		return false
	}
}

// Paginate applies offset and limit to an ordered slice. A non-positive limit
// returns everything after offset.
func Paginate(records []*ApprovalRecord, offset, limit int) []*ApprovalRecord {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return []*ApprovalRecord{}
	}
	end := len(records)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return records[offset:end]
}
