package auth

import (
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCasbinAuthorizer(t *testing.T) {
	officer := interfaces.AdminIdentity{IssuerDN: "CN=Admin CA", SerialNumber: "0A"}
	auditor := interfaces.AdminIdentity{IssuerDN: "CN=Admin CA", SerialNumber: "0B"}
	stranger := interfaces.AdminIdentity{IssuerDN: "CN=Other CA", SerialNumber: "0A"}

	a, err := NewCasbinAuthorizer(
		[]Permission{
			{Role: "ra-officer", ApprovalType: "revocation", Action: "*"},
			{Role: "ra-officer", ApprovalType: "add_edit_end_entity", Action: "submit"},
			{Role: "auditor", ApprovalType: "*", Action: "query"},
		},
		[]Binding{
			{IssuerDN: "CN=Admin CA", SerialNumber: "0a", Role: "ra-officer"},
			{IssuerDN: "cn=admin ca", SerialNumber: "0x0b", Role: "auditor"},
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	require.NoError(t, err)

	tests := []struct {
		name    string
		admin   interfaces.AdminIdentity
		typ     interfaces.ApprovalType
		action  interfaces.Action
		allowed bool
	}{
		{"officer approves revocation", officer, interfaces.Revocation, interfaces.ActionApprove, true},
		{"officer removes revocation", officer, interfaces.Revocation, interfaces.ActionRemove, true},
		{"officer submits end entity", officer, interfaces.AddEditEndEntity, interfaces.ActionSubmit, true},
		{"officer cannot approve end entity", officer, interfaces.AddEditEndEntity, interfaces.ActionApprove, false},
		{"auditor queries anything", auditor, interfaces.KeyRecovery, interfaces.ActionQuery, true},
		{"auditor cannot approve", auditor, interfaces.Revocation, interfaces.ActionApprove, false},
		{"other issuer same serial", stranger, interfaces.Revocation, interfaces.ActionApprove, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(tt.admin, tt.typ, tt.action)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, interfaces.ErrForbidden)
			}
		})
	}
}

func TestCasbinAuthorizerValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := NewCasbinAuthorizer([]Permission{{Role: "r", ApprovalType: "teleport", Action: "*"}}, nil, logger)
	assert.Error(t, err)

	_, err = NewCasbinAuthorizer(nil, []Binding{{Role: "r"}}, logger)
	assert.Error(t, err)
}

func TestAllowAll(t *testing.T) {
	assert.NoError(t, AllowAll{}.Authorize(interfaces.AdminIdentity{}, interfaces.Custom, interfaces.ActionRemove))
}
