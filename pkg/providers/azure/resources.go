package azure

import (
	"context"
	"errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

func (p *Provider) applyResourceGroup(ctx context.Context, r *engine.Request) (*engine.ApplyResponse, error) {
	name := r.Properties.String("resourceGroupName")
	location := r.Properties.String("location")
	if name == "" || location == "" {
		return nil, engine.NewRequestRejectedError("resourceGroupName and location are required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	group := armresources.ResourceGroup{Location: to.Ptr(location)}
	if tags, ok := r.Properties["tags"].(map[string]any); ok {
		group.Tags = make(map[string]*string, len(tags))
		for k, v := range tags {
			if s, ok := v.(string); ok {
				group.Tags[k] = to.Ptr(s)
			}
		}
	}

	resp, err := p.groups.CreateOrUpdate(ctx, name, group, nil)
	if err != nil {
		return nil, classify(err, "create resource group "+name)
	}

	outputs := resourceGroupOutputs(resp.ResourceGroup)
	return &engine.ApplyResponse{ID: outputs.String("id"), Outputs: outputs}, nil
}

func (p *Provider) readResourceGroup(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	name := req.Properties.String("resourceGroupName")
	resp, err := p.groups.Get(ctx, name, nil)
	if err != nil {
		return nil, classify(err, "get resource group "+name)
	}
	return &engine.ReadResponse{Outputs: resourceGroupOutputs(resp.ResourceGroup)}, nil
}

func resourceGroupOutputs(g armresources.ResourceGroup) engine.Properties {
	out := engine.Properties{
		"id":       deref(g.ID),
		"name":     deref(g.Name),
		"location": deref(g.Location),
	}
	if g.Properties != nil && g.Properties.ProvisioningState != nil {
		out["provisioningState"] = *g.Properties.ProvisioningState
	}
	return out
}

// applyRoleAssignment creates the assignment. Assignments cannot be updated
// in place; an existing assignment with the same name is read back.
func (p *Provider) applyRoleAssignment(ctx context.Context, r *engine.Request) (*engine.ApplyResponse, error) {
	scope := r.Properties.String("scope")
	name := r.Properties.String("roleAssignmentName")
	roleDefinitionID := r.Properties.String("properties.roleDefinitionId")
	principalID := r.Properties.String("properties.principalId")
	if scope == "" || name == "" || roleDefinitionID == "" || principalID == "" {
		return nil, engine.NewRequestRejectedError(
			"scope, roleAssignmentName, roleDefinitionId and principalId are required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	props := &armauthorization.RoleAssignmentProperties{
		RoleDefinitionID: to.Ptr(roleDefinitionID),
		PrincipalID:      to.Ptr(principalID),
	}
	if pt := r.Properties.String("properties.principalType"); pt != "" {
		props.PrincipalType = to.Ptr(armauthorization.PrincipalType(pt))
	}

	resp, err := p.roles.Create(ctx, scope, name, armauthorization.RoleAssignmentCreateParameters{Properties: props}, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
			telemetry.FromContext(ctx).WithProvider(p.Name()).WithResourceID(r.URN).
				Debugf("role assignment %s already exists", name)
			existing, getErr := p.roles.Get(ctx, scope, name, nil)
			if getErr != nil {
				return nil, classify(getErr, "get role assignment "+name)
			}
			outputs := roleAssignmentOutputs(existing.RoleAssignment)
			return &engine.ApplyResponse{ID: outputs.String("id"), Outputs: outputs}, nil
		}
		return nil, classify(err, "create role assignment "+name)
	}

	outputs := roleAssignmentOutputs(resp.RoleAssignment)
	return &engine.ApplyResponse{ID: outputs.String("id"), Outputs: outputs}, nil
}

func (p *Provider) readRoleAssignment(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	scope := req.Properties.String("scope")
	name := req.Properties.String("roleAssignmentName")
	resp, err := p.roles.Get(ctx, scope, name, nil)
	if err != nil {
		return nil, classify(err, "get role assignment "+name)
	}
	return &engine.ReadResponse{Outputs: roleAssignmentOutputs(resp.RoleAssignment)}, nil
}

func roleAssignmentOutputs(a armauthorization.RoleAssignment) engine.Properties {
	props := map[string]any{}
	if a.Properties != nil {
		props["roleDefinitionId"] = deref(a.Properties.RoleDefinitionID)
		props["principalId"] = deref(a.Properties.PrincipalID)
		props["scope"] = deref(a.Properties.Scope)
	}
	return engine.Properties{
		"id":         deref(a.ID),
		"name":       deref(a.Name),
		"properties": props,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
