// Package escrowhandler lets key escrow custodians unseal the escrow and
// hands out keys released by approved key recoveries.
package escrowhandler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/ca-approval-backend/api"
	"github.com/ruteri/ca-approval-backend/auth"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/ruteri/ca-approval-backend/kms"
)

// Escrow is the custodian-facing side of *kms.KeyEscrow.
type Escrow interface {
	SubmitShare(custodian string, share []byte) (bool, error)
	Seal()
	IsUnsealed() bool
	Progress() (received, threshold int)
}

// RecoveredKeys releases keys recovered by executed key recovery requests.
type RecoveredKeys interface {
	TakeRecoveredKey(username string) ([]byte, bool)
}

type Handler struct {
	escrow       Escrow
	keys         RecoveredKeys
	authz        interfaces.Authorizer
	trustHeaders bool
	log          *slog.Logger
}

func NewHandler(escrow Escrow, keys RecoveredKeys, authz interfaces.Authorizer, trustHeaders bool, log *slog.Logger) *Handler {
	if authz == nil {
		authz = auth.AllowAll{}
	}
	return &Handler{escrow: escrow, keys: keys, authz: authz, trustHeaders: trustHeaders, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/escrow/status", h.handleStatus)
	r.Post("/api/escrow/shares", h.handleSubmitShare)
	r.Post("/api/escrow/seal", h.handleSeal)
	r.Post("/api/escrow/recovered/{username}", h.handleTakeRecoveredKey)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, interfaces.ActionQuery); !ok {
		return
	}
	h.writeStatus(w)
}

// handleSubmitShare accepts one custodian share. The escrow unseals once the
// threshold of shares is reached.
//
// URL format: POST /api/escrow/shares
// Request body: api.ShareSubmission
// Response: api.EscrowStatusResponse
func (h *Handler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.authorize(w, r, interfaces.ActionUnseal)
	if !ok {
		return
	}

	var submission api.ShareSubmission
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&submission); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(submission.Share) == 0 {
		writeError(w, http.StatusBadRequest, "empty share")
		return
	}

	unsealed, err := h.escrow.SubmitShare(submission.Custodian, submission.Share)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, kms.ErrUnknownCustodian) {
			code = http.StatusForbidden
		}
		h.log.Warn("Share submission failed", "err", err,
			slog.String("custodian", submission.Custodian),
			slog.String("admin", admin.Key()))
		writeError(w, code, err.Error())
		return
	}

	if unsealed {
		h.log.Info("Key escrow unsealed", slog.String("custodian", submission.Custodian))
	} else {
		h.log.Info("Share accepted", slog.String("custodian", submission.Custodian))
	}
	h.writeStatus(w)
}

func (h *Handler) handleSeal(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.authorize(w, r, interfaces.ActionUnseal)
	if !ok {
		return
	}
	h.escrow.Seal()
	h.log.Info("Key escrow sealed", slog.String("admin", admin.Key()))
	h.writeStatus(w)
}

// handleTakeRecoveredKey returns a recovered key exactly once.
//
// URL format: POST /api/escrow/recovered/{username}
// Response: api.RecoveredKeyResponse
func (h *Handler) handleTakeRecoveredKey(w http.ResponseWriter, r *http.Request) {
	admin, ok := h.authorize(w, r, interfaces.ActionExecute)
	if !ok {
		return
	}
	username := chi.URLParam(r, "username")
	key, found := h.keys.TakeRecoveredKey(username)
	if !found {
		writeError(w, http.StatusNotFound, "no recovered key for "+username)
		return
	}
	h.log.Info("Recovered key released",
		slog.String("username", username),
		slog.String("admin", admin.Key()))
	writeJSON(w, http.StatusOK, api.RecoveredKeyResponse{Username: username, KeyPEM: string(key)})
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action interfaces.Action) (interfaces.AdminIdentity, bool) {
	admin, err := api.AdminFromRequest(r, h.trustHeaders)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return admin, false
	}
	if err := h.authz.Authorize(admin, interfaces.KeyRecovery, action); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return admin, false
	}
	return admin, true
}

func (h *Handler) writeStatus(w http.ResponseWriter) {
	received, threshold := h.escrow.Progress()
	writeJSON(w, http.StatusOK, api.EscrowStatusResponse{
		Unsealed:       h.escrow.IsUnsealed(),
		SharesReceived: received,
		Threshold:      threshold,
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, api.ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
