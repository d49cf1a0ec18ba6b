package api

import (
	"encoding/json"

	"github.com/ruteri/ca-approval-backend/approval"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

const (
	// AdminIssuerHeader and AdminSerialHeader carry the admin identity when
	// the server sits behind a TLS-terminating proxy it trusts.
	AdminIssuerHeader = "X-Admin-Issuer"
	AdminSerialHeader = "X-Admin-Serial"
)

// SubmitRequest asks for approval of a gated operation. The approval
// requirements are taken from the server policy when one is configured.
type SubmitRequest struct {
	ApprovalType       interfaces.ApprovalType `json:"approval_type"`
	CAID               int32                   `json:"ca_id"`
	EndEntityProfileID int32                   `json:"end_entity_profile_id"`
	Payload            json.RawMessage         `json:"payload,omitempty"`
	Executable         bool                    `json:"executable"`
	Description        string                  `json:"description,omitempty"`

	RequiredApprovals int   `json:"required_approvals,omitempty"`
	StepRequirements  []int `json:"step_requirements,omitempty"`
	StepScoped        bool  `json:"step_scoped,omitempty"`

	// TTL is a Go duration string; empty uses the server default.
	TTL string `json:"ttl,omitempty"`
}

type SubmitResponse struct {
	ApprovalID string `json:"approval_id"`
	RecordID   string `json:"record_id"`
}

// DecisionRequest is the body of approve and reject calls.
type DecisionRequest struct {
	Comment string `json:"comment,omitempty"`
	Step    int    `json:"step"`
}

type StatusResponse struct {
	ApprovalID string           `json:"approval_id"`
	Step       int              `json:"step"`
	Outcome    approval.Outcome `json:"outcome"`
}

type QueryRequest struct {
	Filter interfaces.Filter `json:"filter"`
	Offset int               `json:"offset"`
	Limit  int               `json:"limit"`
}

type RecordsResponse struct {
	Records []*interfaces.ApprovalRecord `json:"records"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ShareSubmission hands one custodian's escrow share to the server.
type ShareSubmission struct {
	Custodian string `json:"custodian"`
	Share     []byte `json:"share"`
}

type EscrowStatusResponse struct {
	Unsealed       bool `json:"unsealed"`
	SharesReceived int  `json:"shares_received"`
	Threshold      int  `json:"threshold"`
}

// RecoveredKeyResponse carries a key released by an executed key recovery.
type RecoveredKeyResponse struct {
	Username string `json:"username"`
	KeyPEM   string `json:"key_pem"`
}
