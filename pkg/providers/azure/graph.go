package azure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/serviceprincipals"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// Directory resource kinds.
const (
	KindApplication              engine.ResourceKind = "azuread:index:Application"
	KindServicePrincipal         engine.ResourceKind = "azuread:index:ServicePrincipal"
	KindServicePrincipalPassword engine.ResourceKind = "azuread:index:ServicePrincipalPassword"
)

var graphScopes = []string{"https://graph.microsoft.com/.default"}

// GraphProvider serves the "azuread" package through Microsoft Graph.
type GraphProvider struct {
	client *msgraphsdk.GraphServiceClient
}

// NewGraph creates a Graph provider. A nil credential uses
// DefaultAzureCredential.
func NewGraph(cred azcore.TokenCredential) (*GraphProvider, error) {
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azuread: failed to create default credential: %w", err)
		}
		cred = c
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, graphScopes)
	if err != nil {
		return nil, fmt.Errorf("azuread: failed to create graph client: %w", err)
	}
	return &GraphProvider{client: client}, nil
}

// NewGraphWithClient wraps an existing Graph client.
func NewGraphWithClient(client *msgraphsdk.GraphServiceClient) *GraphProvider {
	return &GraphProvider{client: client}
}

var _ engine.Provider = (*GraphProvider)(nil)

// Name returns "azuread".
func (g *GraphProvider) Name() string {
	return "azuread"
}

// Apply creates or updates a directory object.
func (g *GraphProvider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	r := req.Request
	telemetry.FromContext(ctx).WithProvider(g.Name()).WithResourceID(r.URN).
		Debugf("%s %s", req.Operation, r.Kind)

	switch r.Kind {
	case KindApplication:
		return g.applyApplication(ctx, req)
	case KindServicePrincipal:
		return g.applyServicePrincipal(ctx, req)
	case KindServicePrincipalPassword:
		return g.addPassword(ctx, r.Properties)
	default:
		return nil, unsupportedKind(r.Kind)
	}
}

// Read refreshes a directory object. It never writes to the directory:
// password secrets cannot be read back, so reading one fails.
func (g *GraphProvider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	switch req.Kind {
	case KindApplication:
		app, err := g.client.Applications().ByApplicationId(req.ID).Get(ctx, nil)
		if err != nil {
			return nil, classifyGraph(err, "get application")
		}
		return &engine.ReadResponse{Outputs: applicationOutputs(app)}, nil
	case KindServicePrincipal:
		sp, err := g.client.ServicePrincipals().ByServicePrincipalId(req.ID).Get(ctx, nil)
		if err != nil {
			return nil, classifyGraph(err, "get service principal")
		}
		return &engine.ReadResponse{Outputs: servicePrincipalOutputs(sp)}, nil
	case KindServicePrincipalPassword:
		return nil, engine.NewSecretsUnavailableError(req.URN)
	default:
		return nil, unsupportedKind(req.Kind)
	}
}

// Invoke is not supported by the directory provider.
func (g *GraphProvider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	return nil, unsupportedKind(req.Function)
}

func (g *GraphProvider) applyApplication(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	name := req.Request.Properties.String("displayName")
	if name == "" {
		return nil, engine.NewRequestRejectedError("displayName is required", nil).WithCode(engine.ErrCodeValidation)
	}

	app := models.NewApplication()
	app.SetDisplayName(&name)

	if req.Prior != nil && req.Prior.ID != "" {
		if _, err := g.client.Applications().ByApplicationId(req.Prior.ID).Patch(ctx, app, nil); err != nil {
			return nil, classifyGraph(err, "update application")
		}
		updated, err := g.client.Applications().ByApplicationId(req.Prior.ID).Get(ctx, nil)
		if err != nil {
			return nil, classifyGraph(err, "get application")
		}
		return &engine.ApplyResponse{ID: req.Prior.ID, Outputs: applicationOutputs(updated)}, nil
	}

	created, err := g.client.Applications().Post(ctx, app, nil)
	if err != nil {
		return nil, classifyGraph(err, "create application")
	}
	outputs := applicationOutputs(created)
	return &engine.ApplyResponse{ID: outputs.String("id"), Outputs: outputs}, nil
}

func (g *GraphProvider) applyServicePrincipal(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	appID := req.Request.Properties.String("appId")
	if appID == "" {
		return nil, engine.NewRequestRejectedError("appId is required", nil).WithCode(engine.ErrCodeValidation)
	}

	// A service principal is bound to its application for life.
	if req.Prior != nil && req.Prior.ID != "" && req.Prior.Outputs.String("appId") == appID {
		sp, err := g.client.ServicePrincipals().ByServicePrincipalId(req.Prior.ID).Get(ctx, nil)
		if err != nil {
			return nil, classifyGraph(err, "get service principal")
		}
		return &engine.ApplyResponse{ID: req.Prior.ID, Outputs: servicePrincipalOutputs(sp)}, nil
	}

	sp := models.NewServicePrincipal()
	sp.SetAppId(&appID)
	created, err := g.client.ServicePrincipals().Post(ctx, sp, nil)
	if err != nil {
		return nil, classifyGraph(err, "create service principal")
	}
	outputs := servicePrincipalOutputs(created)
	return &engine.ApplyResponse{ID: outputs.String("id"), Outputs: outputs}, nil
}

// addPassword issues a service principal password. The secret text is
// generated by the directory and returned as the secret output "value".
func (g *GraphProvider) addPassword(ctx context.Context, props engine.Properties) (*engine.ApplyResponse, error) {
	spID := props.String("servicePrincipalId")
	if spID == "" {
		return nil, engine.NewRequestRejectedError("servicePrincipalId is required", nil).WithCode(engine.ErrCodeValidation)
	}

	cred := models.NewPasswordCredential()
	if name := props.String("displayName"); name != "" {
		cred.SetDisplayName(&name)
	}
	if end := props.String("endDate"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			return nil, engine.NewRequestRejectedError("endDate must be RFC 3339", err).WithCode(engine.ErrCodeValidation)
		}
		cred.SetEndDateTime(&t)
	}
	if keyID := props.String("keyId"); keyID != "" {
		id, err := uuid.Parse(keyID)
		if err != nil {
			return nil, engine.NewRequestRejectedError("keyId must be a UUID", err).WithCode(engine.ErrCodeValidation)
		}
		cred.SetKeyId(&id)
	}

	body := serviceprincipals.NewItemAddPasswordPostRequestBody()
	body.SetPasswordCredential(cred)

	issued, err := g.client.ServicePrincipals().ByServicePrincipalId(spID).AddPassword().Post(ctx, body, nil)
	if err != nil {
		return nil, classifyGraph(err, "add service principal password")
	}
	if issued == nil || issued.GetSecretText() == nil {
		return nil, engine.NewTransientError("azuread: password response carried no secret", nil).
			WithCode(engine.ErrCodeProviderFailed)
	}

	outputs := engine.Properties{
		"servicePrincipalId": spID,
		"value":              *issued.GetSecretText(),
	}
	if id := issued.GetKeyId(); id != nil {
		outputs["keyId"] = id.String()
	}
	if end := issued.GetEndDateTime(); end != nil {
		outputs["endDate"] = end.UTC().Format(time.RFC3339)
	}
	if name := issued.GetDisplayName(); name != nil {
		outputs["displayName"] = *name
	}

	return &engine.ApplyResponse{
		ID:            outputs.String("keyId"),
		Outputs:       outputs,
		SecretOutputs: []string{"value"},
	}, nil
}

func applicationOutputs(app models.Applicationable) engine.Properties {
	if app == nil {
		return engine.Properties{}
	}
	return engine.Properties{
		"id":          deref(app.GetId()),
		"appId":       deref(app.GetAppId()),
		"displayName": deref(app.GetDisplayName()),
	}
}

func servicePrincipalOutputs(sp models.ServicePrincipalable) engine.Properties {
	if sp == nil {
		return engine.Properties{}
	}
	return engine.Properties{
		"id":    deref(sp.GetId()),
		"appId": deref(sp.GetAppId()),
	}
}

func classifyGraph(err error, op string) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		e := engine.ClassifyHTTPStatus(odataErr.ResponseStatusCode, "azuread: "+op+" failed", err)
		if main := odataErr.GetErrorEscaped(); main != nil && main.GetCode() != nil {
			e = e.WithDetail("graph_code", *main.GetCode())
		}
		return e
	}
	return classify(err, op)
}
