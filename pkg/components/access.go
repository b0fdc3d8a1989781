package components

import (
	"errors"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
)

// AccessArgs configures NewAccessBinding.
type AccessArgs struct {
	// Principal is the object id receiving the role.
	Principal *output.Output[string]

	// Scope is the resource id the role applies to.
	Scope *output.Output[string]

	// Role is a built-in role definition id, e.g. RoleAcrPull.
	Role string

	SubscriptionID string
}

// AccessBinding is a role assignment. Consumers that need the grant in
// place order themselves after it with engine.DependsOn(binding.Resource).
type AccessBinding struct {
	Resource *engine.Resource
	Name     *output.Output[string]
}

// NewAccessBinding grants Role on Scope to Principal. The assignment name
// is a generated UUID, unique per binding.
func NewAccessBinding(d Deployer, name string, args AccessArgs) (*AccessBinding, error) {
	if args.Principal == nil || args.Scope == nil {
		return nil, errors.New("access: principal and scope are required")
	}
	if args.Role == "" || args.SubscriptionID == "" {
		return nil, errors.New("access: role and subscription are required")
	}

	assignment := NewIdentity(d).RandomUUID(name + "-name")

	res := d.Register(azure.KindRoleAssignment, name, engine.Props(map[string]any{
		"scope":              args.Scope,
		"roleAssignmentName": assignment,
		"properties": map[string]any{
			"roleDefinitionId": RoleDefinitionID(args.SubscriptionID, args.Role),
			"principalId":      args.Principal,
			"principalType":    "ServicePrincipal",
		},
	}))

	return &AccessBinding{Resource: res, Name: assignment}, nil
}
