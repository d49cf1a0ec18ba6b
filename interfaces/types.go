package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AdminIdentity identifies an administrator by the issuer and serial number of
// their client certificate. Usernames and sessions are deliberately not part of it.
type AdminIdentity struct {
	IssuerDN     string `json:"issuer_dn"`
	SerialNumber string `json:"serial_number"`
}

// NormalizeDN lower-cases a distinguished name and strips whitespace around
// RDN and attribute separators, so "CN=Root CA, O=Example" and
// "cn=root ca,o=example" compare equal.
func NormalizeDN(dn string) string {
	rdns := strings.Split(dn, ",")
	for i, rdn := range rdns {
		parts := strings.SplitN(rdn, "=", 2)
		for j := range parts {
			parts[j] = strings.TrimSpace(parts[j])
		}
		rdns[i] = strings.Join(parts, "=")
	}
	return strings.ToLower(strings.Join(rdns, ","))
}

// NormalizeSerial returns the canonical lower-case hex form of a certificate
// serial number with any 0x prefix, colon separators and leading zeros removed.
func NormalizeSerial(serial string) string {
	s := strings.ToLower(strings.TrimSpace(serial))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, ":", "")
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return "0"
	}
	return s
}

// Key returns the normalized form of the identity, usable as a map key.
func (a AdminIdentity) Key() string {
	return NormalizeSerial(a.SerialNumber) + "@" + NormalizeDN(a.IssuerDN)
}

// Equal reports whether both identities refer to the same certificate holder.
func (a AdminIdentity) Equal(other AdminIdentity) bool {
	return a.Key() == other.Key()
}

// IsZero reports whether the identity carries no issuer and no serial.
func (a AdminIdentity) IsZero() bool {
	return strings.TrimSpace(a.IssuerDN) == "" && strings.TrimSpace(a.SerialNumber) == ""
}

func (a AdminIdentity) String() string {
	return fmt.Sprintf("%s (serial %s)", a.IssuerDN, NormalizeSerial(a.SerialNumber))
}

// ApprovalType tags the kind of gated operation a request is for.
type ApprovalType int

const (
	ActivateCAToken ApprovalType = iota + 1
	KeyRecovery
	AddEditEndEntity
	Revocation
	Custom
)

var approvalTypeNames = map[ApprovalType]string{
	ActivateCAToken:  "activate_ca_token",
	KeyRecovery:      "key_recovery",
	AddEditEndEntity: "add_edit_end_entity",
	Revocation:       "revocation",
	Custom:           "custom",
}

func (t ApprovalType) String() string {
	if name, ok := approvalTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether t is one of the known approval types.
func (t ApprovalType) Valid() bool {
	_, ok := approvalTypeNames[t]
	return ok
}

// ParseApprovalType converts the string form back to an ApprovalType.
func ParseApprovalType(s string) (ApprovalType, error) {
	for t, name := range approvalTypeNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown approval type %q", s)
}

// ApprovalTypes returns all known approval types in declaration order.
func ApprovalTypes() []ApprovalType {
	return []ApprovalType{ActivateCAToken, KeyRecovery, AddEditEndEntity, Revocation, Custom}
}

func (t ApprovalType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid approval type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *ApprovalType) UnmarshalText(text []byte) error {
	parsed, err := ParseApprovalType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Status is the lifecycle state of an approval record.
type Status int

const (
	StatusWaiting Status = iota + 1
	StatusApproved
	StatusRejected
	StatusExpired
	StatusExpiredNotified
	StatusExecuted
)

var statusNames = map[Status]string{
	StatusWaiting:         "waiting",
	StatusApproved:        "approved",
	StatusRejected:        "rejected",
	StatusExpired:         "expired",
	StatusExpiredNotified: "expired_notified",
	StatusExecuted:        "executed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStatus converts the string form back to a Status.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// IsExpired reports whether the status is one of the two expiry states.
func (s Status) IsExpired() bool {
	return s == StatusExpired || s == StatusExpiredNotified
}

// ApprovalRequestSpec describes what is being requested. It is built by the
// caller of a gated operation and never modified afterwards.
type ApprovalRequestSpec struct {
	ApprovalType       ApprovalType  `json:"approval_type"`
	RequestingAdmin    AdminIdentity `json:"requesting_admin"`
	CAID               int32         `json:"ca_id"`
	EndEntityProfileID int32         `json:"end_entity_profile_id"`

	// RequiredApprovals is used for single-step requests.
	RequiredApprovals int `json:"required_approvals,omitempty"`
	// StepRequirements turns the request into a multi-step one; one entry per step.
	StepRequirements []int `json:"step_requirements,omitempty"`
	// StepScoped makes each approval count only for the step named in the decision.
	// By default an approval counts for every step.
	StepScoped bool `json:"step_scoped,omitempty"`

	Executable bool   `json:"executable"`
	Payload    []byte `json:"payload,omitempty"`
	// Discriminator distinguishes otherwise identical requests of the same type,
	// e.g. the username for a key recovery. Defaults to the payload hash.
	Discriminator string `json:"discriminator,omitempty"`
	Description   string `json:"description,omitempty"`
}

// Steps returns the per-step approval requirements. Single-step requests
// return a one-element slice.
func (s ApprovalRequestSpec) Steps() []int {
	if len(s.StepRequirements) > 0 {
		out := make([]int, len(s.StepRequirements))
		copy(out, s.StepRequirements)
		return out
	}
	return []int{s.RequiredApprovals}
}

// PayloadDiscriminator returns the discriminator used in the approval id.
func (s ApprovalRequestSpec) PayloadDiscriminator() string {
	if s.Discriminator != "" {
		return s.Discriminator
	}
	if len(s.Payload) == 0 {
		return ""
	}
	sum := sha256.Sum256(s.Payload)
	return hex.EncodeToString(sum[:])
}

// Validate checks the structural requirements of a spec.
func (s ApprovalRequestSpec) Validate() error {
	if !s.ApprovalType.Valid() {
		return fmt.Errorf("invalid approval type %d", int(s.ApprovalType))
	}
	if s.RequestingAdmin.IsZero() {
		return errors.New("requesting admin is required")
	}
	if len(s.StepRequirements) > 0 {
		if s.RequiredApprovals != 0 {
			return errors.New("required approvals and step requirements are mutually exclusive")
		}
		for i, n := range s.StepRequirements {
			if n < 1 {
				return fmt.Errorf("step %d requires %d approvals, must be at least 1", i, n)
			}
		}
		return nil
	}
	if s.StepScoped {
		return errors.New("step scoped approvals need step requirements")
	}
	if s.RequiredApprovals < 1 {
		return fmt.Errorf("required approvals must be at least 1, got %d", s.RequiredApprovals)
	}
	return nil
}

// ApprovalDecision is one admin's vote. It is immutable once recorded.
type ApprovalDecision struct {
	Admin     AdminIdentity `json:"admin"`
	Comment   string        `json:"comment,omitempty"`
	Reject    bool          `json:"reject"`
	Step      int           `json:"step"`
	Timestamp time.Time     `json:"timestamp"`
}

// ApprovalRecord is the persisted state of one submitted request.
type ApprovalRecord struct {
	ID                string              `json:"id"`
	ApprovalID        int64               `json:"approval_id"`
	Spec              ApprovalRequestSpec `json:"spec"`
	Decisions         []ApprovalDecision  `json:"decisions"`
	Remaining         map[int]int         `json:"remaining"`
	StepConsumed      map[int]bool        `json:"step_consumed"`
	Status            Status              `json:"status"`
	CreatedAt         time.Time           `json:"created_at"`
	ExpiresAt         time.Time           `json:"expires_at"`
	Notified          bool                `json:"notified"`
	ExecutionAttempts int                 `json:"execution_attempts,omitempty"`
	ExecutionError    string              `json:"execution_error,omitempty"`

	// ExecutionClaimedBy names the engine instance running the current
	// attempt, claimed at ExecutionClaimedAt.
	ExecutionClaimedBy string    `json:"execution_claimed_by,omitempty"`
	ExecutionClaimedAt time.Time `json:"execution_claimed_at,omitzero"`
}

// Clone returns a deep copy of the record.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Spec.StepRequirements = append([]int(nil), r.Spec.StepRequirements...)
	cp.Spec.Payload = append([]byte(nil), r.Spec.Payload...)
	cp.Decisions = append([]ApprovalDecision(nil), r.Decisions...)
	cp.Remaining = make(map[int]int, len(r.Remaining))
	for k, v := range r.Remaining {
		cp.Remaining[k] = v
	}
	cp.StepConsumed = make(map[int]bool, len(r.StepConsumed))
	for k, v := range r.StepConsumed {
		cp.StepConsumed[k] = v
	}
	return &cp
}

// StepCount returns the number of steps of the request.
func (r *ApprovalRecord) StepCount() int {
	return len(r.Spec.Steps())
}

// AllStepsConsumed reports whether every step of an approved request was used.
func (r *ApprovalRecord) AllStepsConsumed() bool {
	for i := 0; i < r.StepCount(); i++ {
		if !r.StepConsumed[i] {
			return false
		}
	}
	return true
}

// Active reports whether the record still gates its approval id: it is either
// waiting for decisions or approved with unconsumed steps.
func (r *ApprovalRecord) Active() bool {
	switch r.Status {
	case StatusWaiting:
		return true
	case StatusApproved:
		return !r.AllStepsConsumed()
	default:
		return false
	}
}

// Overdue reports whether a waiting record has passed its expiry time.
func (r *ApprovalRecord) Overdue(now time.Time) bool {
	return r.Status == StatusWaiting && now.After(r.ExpiresAt)
}

// HasDecisionBy reports whether admin already decided on this record.
func (r *ApprovalRecord) HasDecisionBy(admin AdminIdentity) bool {
	for _, d := range r.Decisions {
		if d.Admin.Equal(admin) {
			return true
		}
	}
	return false
}

// RemainingTotal sums the outstanding approvals over all steps.
func (r *ApprovalRecord) RemainingTotal() int {
	total := 0
	for _, n := range r.Remaining {
		total += n
	}
	return total
}

// SortNewestFirst orders records by creation time, newest first, using the
// record id to keep the order stable for equal timestamps.
func SortNewestFirst(records []*ApprovalRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].ID > records[j].ID
	})
}
