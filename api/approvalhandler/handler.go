package approvalhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ca-approval-backend/api"
	"github.com/ruteri/ca-approval-backend/approval"
	"github.com/ruteri/ca-approval-backend/auth"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/ruteri/ca-approval-backend/operations"
	"github.com/ruteri/ca-approval-backend/policy"
)

const maxBodySize = 1 << 20

// ErrUnauthenticated is returned when a request carries no admin identity.
var ErrUnauthenticated = api.ErrUnauthenticated

// Engine is the subset of *approval.Engine the handler drives.
type Engine interface {
	Submit(ctx context.Context, admin interfaces.AdminIdentity, spec interfaces.ApprovalRequestSpec, ttl time.Duration) (string, error)
	Approve(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, decision interfaces.ApprovalDecision) error
	Reject(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, decision interfaces.ApprovalDecision) error
	RetryExecution(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64) error
	Status(ctx context.Context, approvalID int64) (approval.Outcome, error)
	StatusForStep(ctx context.Context, approvalID int64, step int) (approval.Outcome, error)
	MarkStepDone(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, step int) error
	FindNonExpired(ctx context.Context, approvalID int64) (*interfaces.ApprovalRecord, error)
	FindAll(ctx context.Context, approvalID int64) ([]*interfaces.ApprovalRecord, error)
	Query(ctx context.Context, filter interfaces.Filter, offset, limit int) ([]*interfaces.ApprovalRecord, error)
	Remove(ctx context.Context, admin interfaces.AdminIdentity, recordID string) error
}

// Gate sets the approval requirements of a submitted spec.
type Gate interface {
	Apply(spec *interfaces.ApprovalRequestSpec) (time.Duration, error)
}

// Sealer seals the secret fields of an operation payload before it is stored.
type Sealer interface {
	Seal(approvalType interfaces.ApprovalType, payload []byte) ([]byte, error)
}

// Handler serves the approval API. Every call is made on behalf of the admin
// identified by the TLS client certificate.
type Handler struct {
	engine       Engine
	gate         Gate
	sealer       Sealer
	authz        interfaces.Authorizer
	trustHeaders bool
	log          *slog.Logger
}

type Option func(*Handler)

// WithGate makes the policy gate decide approval requirements instead of the
// submitting admin.
func WithGate(g Gate) Option {
	return func(h *Handler) { h.gate = g }
}

// WithPayloadSealer seals payload secrets on submit. Without it they are
// stored as sent, and only left out of responses.
func WithPayloadSealer(s Sealer) Option {
	return func(h *Handler) { h.sealer = s }
}

func WithAuthorizer(a interfaces.Authorizer) Option {
	return func(h *Handler) { h.authz = a }
}

// WithTrustedAdminHeaders accepts the admin identity from the X-Admin-Issuer
// and X-Admin-Serial headers. Only for deployments behind a proxy that
// terminates client TLS and sets the headers itself.
func WithTrustedAdminHeaders() Option {
	return func(h *Handler) { h.trustHeaders = true }
}

func NewHandler(engine Engine, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{engine: engine, authz: auth.AllowAll{}, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/approvals", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Post("/query", h.HandleQuery)
		r.Delete("/records/{record_id}", h.HandleRemove)
		r.Get("/{approval_id}", h.HandleGet)
		r.Get("/{approval_id}/history", h.HandleHistory)
		r.Get("/{approval_id}/status", h.HandleStatus)
		r.Post("/{approval_id}/approve", h.HandleApprove)
		r.Post("/{approval_id}/reject", h.HandleReject)
		r.Post("/{approval_id}/execute", h.HandleExecute)
		r.Post("/{approval_id}/steps/{step}/done", h.HandleStepDone)
	})
}

// HandleSubmit creates an approval request.
//
// URL format: POST /api/approvals
// Request body: api.SubmitRequest
// Response: api.SubmitResponse with status 201
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	admin, err := h.identify(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var req api.SubmitRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.authz.Authorize(admin, req.ApprovalType, interfaces.ActionSubmit); err != nil {
		h.writeError(w, err)
		return
	}

	spec := interfaces.ApprovalRequestSpec{
		ApprovalType:       req.ApprovalType,
		RequestingAdmin:    admin,
		CAID:               req.CAID,
		EndEntityProfileID: req.EndEntityProfileID,
		RequiredApprovals:  req.RequiredApprovals,
		StepRequirements:   req.StepRequirements,
		StepScoped:         req.StepScoped,
		Executable:         req.Executable,
		Payload:            []byte(req.Payload),
		Description:        req.Description,
	}
	if len(spec.Payload) > 0 {
		spec.Discriminator, err = operations.Discriminator(req.ApprovalType, spec.Payload)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: %w", approval.ErrInvalidRequest, err))
			return
		}
		if h.sealer != nil {
			spec.Payload, err = h.sealer.Seal(req.ApprovalType, spec.Payload)
			if err != nil {
				h.writeError(w, fmt.Errorf("%w: %w", approval.ErrInvalidRequest, err))
				return
			}
		}
	}

	var ttl time.Duration
	if req.TTL != "" {
		ttl, err = time.ParseDuration(req.TTL)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: ttl: %w", approval.ErrInvalidRequest, err))
			return
		}
	}
	if h.gate != nil {
		ruleTTL, err := h.gate.Apply(&spec)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if ruleTTL > 0 {
			ttl = ruleTTL
		}
	}

	recordID, err := h.engine.Submit(r.Context(), admin, spec, ttl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	approvalID, _ := interfaces.ApprovalIDFromRecordID(recordID)
	writeJSON(w, http.StatusCreated, api.SubmitResponse{
		ApprovalID: interfaces.FormatApprovalID(approvalID),
		RecordID:   recordID,
	})
}

// HandleApprove records an approval and returns the resulting status. The
// final approval of an executable request runs the operation; a failure is
// reported with 502 while the request stays approved.
//
// URL format: POST /api/approvals/{approval_id}/approve
// Request body: api.DecisionRequest
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, interfaces.ActionApprove, h.engine.Approve)
}

// HandleReject records a rejection.
//
// URL format: POST /api/approvals/{approval_id}/reject
// Request body: api.DecisionRequest
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.handleDecision(w, r, interfaces.ActionReject, h.engine.Reject)
}

type decideFunc func(context.Context, interfaces.AdminIdentity, int64, interfaces.ApprovalDecision) error

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, action interfaces.Action, decide decideFunc) {
	admin, approvalID, ok := h.authorizeApproval(w, r, action)
	if !ok {
		return
	}

	var req api.DecisionRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}

	err := decide(r.Context(), admin, approvalID, interfaces.ApprovalDecision{
		Admin:   admin,
		Comment: req.Comment,
		Step:    req.Step,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStatus(w, r, approvalID, 0)
}

// HandleExecute retries the execution of an approved request.
//
// URL format: POST /api/approvals/{approval_id}/execute
func (h *Handler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	admin, approvalID, ok := h.authorizeApproval(w, r, interfaces.ActionExecute)
	if !ok {
		return
	}
	if err := h.engine.RetryExecution(r.Context(), admin, approvalID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeStatus(w, r, approvalID, 0)
}

// HandleStatus reports the outcome of a request, optionally for one step.
//
// URL format: GET /api/approvals/{approval_id}/status[?step=n]
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_, approvalID, ok := h.authorizeApproval(w, r, interfaces.ActionQuery)
	if !ok {
		return
	}

	step := 0
	if s := r.URL.Query().Get("step"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: %q", approval.ErrInvalidStep, s))
			return
		}
		step = n
		outcome, err := h.engine.StatusForStep(r.Context(), approvalID, step)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse(approvalID, step, outcome))
		return
	}
	h.writeStatus(w, r, approvalID, step)
}

// HandleStepDone consumes one step of an approved multi-step request.
//
// URL format: POST /api/approvals/{approval_id}/steps/{step}/done
func (h *Handler) HandleStepDone(w http.ResponseWriter, r *http.Request) {
	admin, approvalID, ok := h.authorizeApproval(w, r, interfaces.ActionConsume)
	if !ok {
		return
	}
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %q", approval.ErrInvalidStep, chi.URLParam(r, "step")))
		return
	}
	if err := h.engine.MarkStepDone(r.Context(), admin, approvalID, step); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGet returns the active record of a request.
//
// URL format: GET /api/approvals/{approval_id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	_, approvalID, ok := h.authorizeApproval(w, r, interfaces.ActionQuery)
	if !ok {
		return
	}
	rec, err := h.engine.FindNonExpired(r.Context(), approvalID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, operations.RedactRecord(rec))
}

// HandleHistory returns every record of a request, newest first.
//
// URL format: GET /api/approvals/{approval_id}/history
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	_, approvalID, ok := h.authorizeApproval(w, r, interfaces.ActionQuery)
	if !ok {
		return
	}
	records, err := h.engine.FindAll(r.Context(), approvalID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RecordsResponse{Records: operations.RedactRecords(records)})
}

// HandleQuery returns the records matching a filter, newest first. Records
// of approval types the admin may not query are left out of the page.
//
// URL format: POST /api/approvals/query
// Request body: api.QueryRequest
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	admin, err := h.identify(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req api.QueryRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.writeError(w, err)
		return
	}

	records, err := h.engine.Query(r.Context(), req.Filter, req.Offset, req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	visible := make([]*interfaces.ApprovalRecord, 0, len(records))
	for _, rec := range records {
		if h.authz.Authorize(admin, rec.Spec.ApprovalType, interfaces.ActionQuery) == nil {
			visible = append(visible, rec)
		}
	}
	writeJSON(w, http.StatusOK, api.RecordsResponse{Records: operations.RedactRecords(visible)})
}

// HandleRemove archives and deletes one record.
//
// URL format: DELETE /api/approvals/records/{record_id}
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	admin, err := h.identify(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	recordID := chi.URLParam(r, "record_id")
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", approval.ErrNotFound, err))
		return
	}
	if err := h.authorizeFor(r.Context(), admin, approvalID, interfaces.ActionRemove); err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.engine.Remove(r.Context(), admin, recordID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeApproval resolves the admin and approval id of a request and
// checks that the admin may perform action on it. On failure the error has
// already been written.
func (h *Handler) authorizeApproval(w http.ResponseWriter, r *http.Request, action interfaces.Action) (interfaces.AdminIdentity, int64, bool) {
	admin, err := h.identify(r)
	if err != nil {
		h.writeError(w, err)
		return admin, 0, false
	}
	approvalID, err := interfaces.ParseApprovalID(chi.URLParam(r, "approval_id"))
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: %w", approval.ErrInvalidRequest, err))
		return admin, 0, false
	}
	if err := h.authorizeFor(r.Context(), admin, approvalID, action); err != nil {
		h.writeError(w, err)
		return admin, 0, false
	}
	return admin, approvalID, true
}

func (h *Handler) authorizeFor(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, action interfaces.Action) error {
	if _, ok := h.authz.(auth.AllowAll); ok {
		return nil
	}
	records, err := h.engine.FindAll(ctx, approvalID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return approval.ErrNotFound
	}
	return h.authz.Authorize(admin, records[0].Spec.ApprovalType, action)
}

func (h *Handler) identify(r *http.Request) (interfaces.AdminIdentity, error) {
	return api.AdminFromRequest(r, h.trustHeaders)
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, approvalID int64, step int) {
	outcome, err := h.engine.Status(r.Context(), approvalID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(approvalID, step, outcome))
}

func statusResponse(approvalID int64, step int, outcome approval.Outcome) api.StatusResponse {
	return api.StatusResponse{
		ApprovalID: interfaces.FormatApprovalID(approvalID),
		Step:       step,
		Outcome:    outcome,
	}
}

// StatusCode maps an engine or handler error to its HTTP status.
func StatusCode(err error) int {
	var execErr *approval.ExecutionError
	switch {
	case errors.As(err, &execErr), errors.Is(err, approval.ErrExecutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, approval.ErrDuplicateRequest),
		errors.Is(err, approval.ErrAlreadyTerminal),
		errors.Is(err, approval.ErrAlreadyDecided),
		errors.Is(err, approval.ErrStepConsumed),
		errors.Is(err, approval.ErrExecutionInProgress):
		return http.StatusConflict
	case errors.Is(err, approval.ErrExpiredJustNow), errors.Is(err, approval.ErrExpired):
		return http.StatusGone
	case errors.Is(err, approval.ErrNotApproved):
		return http.StatusPreconditionFailed
	case errors.Is(err, approval.ErrInvalidRequest),
		errors.Is(err, approval.ErrInvalidStep),
		errors.Is(err, policy.ErrNotGated):
		return http.StatusBadRequest
	case errors.Is(err, approval.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway {
		h.log.Error("approval request failed", "err", err, slog.Int("status", code))
	} else {
		h.log.Debug("approval request refused", "err", err, slog.Int("status", code))
	}
	writeJSON(w, code, api.ErrorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: malformed request body: %w", approval.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
