package policy

import (
	"testing"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticGate(t *testing.T) {
	gate, err := NewStaticGate([]Rule{
		{ApprovalType: Wildcard, RequiredApprovals: 1},
		{ApprovalType: "revocation", RequiredApprovals: 2},
		{ApprovalType: "revocation", CAID: 7, RequiredApprovals: 3, TTL: time.Hour},
		{ApprovalType: "revocation", CAID: 7, EndEntityProfileID: 2, Steps: []int{1, 2}, StepScoped: true},
		{ApprovalType: "custom", RequiredApprovals: 0},
	})
	require.NoError(t, err)

	tests := []struct {
		name      string
		op        interfaces.ApprovalType
		caID      int32
		profileID int32
		expected  int
	}{
		{"wildcard", interfaces.KeyRecovery, 1, 1, 1},
		{"type rule", interfaces.Revocation, 1, 1, 2},
		{"ca rule", interfaces.Revocation, 7, 1, 3},
		{"profile rule sums steps", interfaces.Revocation, 7, 2, 3},
		{"explicitly ungated", interfaces.Custom, 1, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, gate.RequiredApprovals(tt.op, tt.caID, tt.profileID))
		})
	}

	spec := interfaces.ApprovalRequestSpec{ApprovalType: interfaces.Revocation, CAID: 7, EndEntityProfileID: 2, RequiredApprovals: 9}
	ttl, err := gate.Apply(&spec)
	require.NoError(t, err)
	assert.Zero(t, ttl)
	assert.Equal(t, []int{1, 2}, spec.StepRequirements)
	assert.True(t, spec.StepScoped)
	assert.Zero(t, spec.RequiredApprovals)

	spec = interfaces.ApprovalRequestSpec{ApprovalType: interfaces.Revocation, CAID: 7, EndEntityProfileID: 5}
	ttl, err = gate.Apply(&spec)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, ttl)
	assert.Equal(t, 3, spec.RequiredApprovals)

	spec = interfaces.ApprovalRequestSpec{ApprovalType: interfaces.Custom}
	_, err = gate.Apply(&spec)
	assert.ErrorIs(t, err, ErrNotGated)
}

func TestStaticGateNoRules(t *testing.T) {
	gate, err := NewStaticGate(nil)
	require.NoError(t, err)
	assert.Zero(t, gate.RequiredApprovals(interfaces.Revocation, 1, 1))
}

func TestStaticGateValidation(t *testing.T) {
	for name, rule := range map[string]Rule{
		"unknown type":     {ApprovalType: "teleport", RequiredApprovals: 1},
		"both counts":      {ApprovalType: Wildcard, RequiredApprovals: 1, Steps: []int{1}},
		"empty step":       {ApprovalType: Wildcard, Steps: []int{1, 0}},
		"scoped, no steps": {ApprovalType: Wildcard, RequiredApprovals: 1, StepScoped: true},
		"negative ttl":     {ApprovalType: Wildcard, RequiredApprovals: 1, TTL: -time.Second},
	} {
		_, err := NewStaticGate([]Rule{rule})
		assert.Error(t, err, name)
	}
}
