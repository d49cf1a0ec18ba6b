// Package auth decides which admins may act on which approval requests.
package auth

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

// rbacModel grants actions per approval type to roles. "*" in a policy
// matches any approval type or action.
const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

// Permission grants a role an action on an approval type. Either may be "*".
type Permission struct {
	Role         string `yaml:"role" json:"role"`
	ApprovalType string `yaml:"approval_type" json:"approval_type"`
	Action       string `yaml:"action" json:"action"`
}

// Binding assigns a role to an admin certificate.
type Binding struct {
	IssuerDN     string `yaml:"issuer_dn" json:"issuer_dn"`
	SerialNumber string `yaml:"serial_number" json:"serial_number"`
	Role         string `yaml:"role" json:"role"`
}

func (b Binding) admin() interfaces.AdminIdentity {
	return interfaces.AdminIdentity{IssuerDN: b.IssuerDN, SerialNumber: b.SerialNumber}
}

// CasbinAuthorizer is an RBAC Authorizer backed by a casbin enforcer. Admins
// are subjects by their normalized identity key.
type CasbinAuthorizer struct {
	enforcer *casbin.Enforcer
	log      *slog.Logger
}

var _ interfaces.Authorizer = (*CasbinAuthorizer)(nil)

func NewCasbinAuthorizer(permissions []Permission, bindings []Binding, log *slog.Logger) (*CasbinAuthorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load RBAC model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	a := &CasbinAuthorizer{enforcer: enforcer, log: log}
	for _, p := range permissions {
		if err := a.Grant(p); err != nil {
			return nil, err
		}
	}
	for _, b := range bindings {
		if err := a.Bind(b.admin(), b.Role); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Grant adds a permission.
func (a *CasbinAuthorizer) Grant(p Permission) error {
	if p.Role == "" {
		return fmt.Errorf("permission without role")
	}
	obj := strings.ToLower(p.ApprovalType)
	if obj != "*" {
		if _, err := interfaces.ParseApprovalType(obj); err != nil {
			return fmt.Errorf("permission for role %s: %w", p.Role, err)
		}
	}
	if _, err := a.enforcer.AddPolicy(roleSubject(p.Role), obj, strings.ToLower(p.Action)); err != nil {
		return fmt.Errorf("failed to add permission: %w", err)
	}
	return nil
}

// Bind gives admin a role.
func (a *CasbinAuthorizer) Bind(admin interfaces.AdminIdentity, role string) error {
	if admin.IsZero() || role == "" {
		return fmt.Errorf("role binding needs an admin and a role")
	}
	if _, err := a.enforcer.AddRoleForUser(admin.Key(), roleSubject(role)); err != nil {
		return fmt.Errorf("failed to bind role: %w", err)
	}
	return nil
}

func (a *CasbinAuthorizer) Authorize(admin interfaces.AdminIdentity, approvalType interfaces.ApprovalType, action interfaces.Action) error {
	allowed, err := a.enforcer.Enforce(admin.Key(), approvalType.String(), string(action))
	if err != nil {
		return fmt.Errorf("authorization check failed: %w", err)
	}
	if !allowed {
		a.log.Debug("admin denied",
			slog.String("admin", admin.Key()),
			slog.String("approvalType", approvalType.String()),
			slog.String("action", string(action)))
		return fmt.Errorf("%w: %s may not %s %s", interfaces.ErrForbidden, admin, action, approvalType)
	}
	return nil
}

func roleSubject(role string) string {
	return "role:" + role
}

// AllowAll authorizes every admin for every action.
type AllowAll struct{}

func (AllowAll) Authorize(interfaces.AdminIdentity, interfaces.ApprovalType, interfaces.Action) error {
	return nil
}
