package components

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
)

// PasswordEndDate is the expiry of the cluster service principal password.
const PasswordEndDate = "2099-01-01T00:00:00Z"

// DefaultAdminUsername is the node admin user.
const DefaultAdminUsername = "adminuser"

// ClusterArgs configures NewCluster.
type ClusterArgs struct {
	ResourceGroup *output.Output[string]
	Location      *output.Output[string]

	KubernetesVersion string
	VMSize            string
	VMCount           int

	// AdminUsername defaults to DefaultAdminUsername.
	AdminUsername string
}

// Cluster is a managed Kubernetes cluster and its service principal.
type Cluster struct {
	Application      *engine.Resource
	ServicePrincipal *engine.Resource
	Password         *engine.Resource
	SSHKey           *KeyPair
	Resource         *engine.Resource

	Name *output.Output[string]

	// AccessCredentials is the decoded user kubeconfig. Secret.
	AccessCredentials *output.Output[string]

	// WorkloadIdentity is the object id of the kubelet identity.
	WorkloadIdentity *output.Output[string]
}

// ValidateNodePool checks the version and sizing of the default node pool.
func (a ClusterArgs) ValidateNodePool() error {
	if a.KubernetesVersion == "" || a.VMSize == "" {
		return errors.New("cluster: kubernetes version and vm size are required")
	}
	if a.VMCount < 1 {
		return fmt.Errorf("cluster: invalid vm count %d", a.VMCount)
	}
	return nil
}

// NewCluster declares the service principal, the node SSH key and the
// managed cluster, then fetches the user kubeconfig once the cluster exists.
func NewCluster(d Deployer, name string, args ClusterArgs) (*Cluster, error) {
	if args.ResourceGroup == nil || args.Location == nil {
		return nil, errors.New("cluster: resource group and location are required")
	}
	if err := args.ValidateNodePool(); err != nil {
		return nil, err
	}
	if args.AdminUsername == "" {
		args.AdminUsername = DefaultAdminUsername
	}

	ids := NewIdentity(d)
	c := &Cluster{}

	c.Application = d.Register(azure.KindApplication, name+"-app", engine.Props(map[string]any{
		"displayName": output.Map(args.ResourceGroup, ApplicationName),
	}))
	appID := c.Application.StringOutput("appId")

	c.ServicePrincipal = d.Register(azure.KindServicePrincipal, name+"-sp", engine.Props(map[string]any{
		"appId": appID,
	}))

	c.Password = d.Register(azure.KindServicePrincipalPassword, name+"-sp-password", engine.Props(map[string]any{
		"servicePrincipalId": c.ServicePrincipal.StringOutput("id"),
		"keyId":              ids.RandomUUID(name + "-sp-password-key"),
		"displayName":        "tstack",
		"endDate":            PasswordEndDate,
	}), engine.AdditionalSecretOutputs("value"))

	c.SSHKey = ids.PrivateKey(name+"-ssh-key", "RSA", 4096)

	clusterName := output.Map(args.ResourceGroup, ClusterName)

	c.Resource = d.Register(azure.KindManagedCluster, name, engine.Props(map[string]any{
		"resourceGroupName": args.ResourceGroup,
		"resourceName":      clusterName,
		"location":          args.Location,
		"identity":          map[string]any{"type": "SystemAssigned"},
		"properties": map[string]any{
			"dnsPrefix":         output.Map(args.ResourceGroup, DNSPrefix),
			"nodeResourceGroup": output.Map(clusterName, NodeResourceGroup),
			"kubernetesVersion": args.KubernetesVersion,
			"enableRBAC":        true,
			"addonProfiles": map[string]any{
				"KubeDashboard": map[string]any{"enabled": true},
			},
			"agentPoolProfiles": []any{map[string]any{
				"name":         "agentpool",
				"count":        args.VMCount,
				"vmSize":       args.VMSize,
				"maxPods":      110,
				"mode":         "System",
				"osDiskSizeGB": 30,
				"osType":       "Linux",
				"type":         "VirtualMachineScaleSets",
			}},
			"linuxProfile": map[string]any{
				"adminUsername": args.AdminUsername,
				"ssh": map[string]any{
					"publicKeys": []any{map[string]any{"keyData": c.SSHKey.PublicKeyOpenssh}},
				},
			},
			"servicePrincipalProfile": map[string]any{
				"clientId": appID,
				"secret":   c.Password.StringOutput("value"),
			},
		},
	}))

	c.Name = c.Resource.StringOutput("name")

	creds := d.Invoke(azure.FnListManagedClusterUserCredentials, engine.Props(map[string]any{
		"resourceGroupName": args.ResourceGroup,
		"resourceName":      c.Name,
	}))
	c.AccessCredentials = output.Secret(output.Apply(creds, func(p engine.Properties) (string, error) {
		encoded := p.String("kubeconfigs.0.value")
		if encoded == "" {
			return "", engine.NewRequestRejectedError("cluster returned no user kubeconfig", nil).
				WithResource(c.Resource.URN)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return "", engine.NewRequestRejectedError("user kubeconfig is not base64", err).
				WithResource(c.Resource.URN)
		}
		return string(raw), nil
	}))
	c.WorkloadIdentity = c.Resource.StringOutput("properties.identityProfile.kubeletidentity.objectId")

	return c, nil
}
