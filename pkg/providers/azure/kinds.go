package azure

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Resource kinds served through the generic ARM path.
const (
	KindMySQLServer    engine.ResourceKind = "azure:dbformysql:Server"
	KindFirewallRule   engine.ResourceKind = "azure:dbformysql:FirewallRule"
	KindContainerGroup engine.ResourceKind = "azure:containerinstance:ContainerGroup"
	KindRegistry       engine.ResourceKind = "azure:containerregistry:Registry"
	KindManagedCluster engine.ResourceKind = "azure:containerservice:ManagedCluster"
	KindResourceGroup  engine.ResourceKind = "azure:resources:ResourceGroup"
	KindRoleAssignment engine.ResourceKind = "azure:authorization:RoleAssignment"
)

// Provider functions.
const (
	FnListRegistryCredentials           engine.ResourceKind = "azure:containerregistry:listRegistryCredentials"
	FnListManagedClusterUserCredentials engine.ResourceKind = "azure:containerservice:listManagedClusterUserCredentials"
)

// armKind describes where a resource lives in the ARM namespace. Path is a
// template below the resource group; each {key} is filled from the request
// property of the same name, and those keys are not sent in the body.
type armKind struct {
	APIVersion string
	Path       string
	PathKeys   []string
}

var armKinds = map[engine.ResourceKind]armKind{
	KindMySQLServer: {
		APIVersion: "2017-12-01",
		Path:       "providers/Microsoft.DBforMySQL/servers/{serverName}",
		PathKeys:   []string{"serverName"},
	},
	KindFirewallRule: {
		APIVersion: "2017-12-01",
		Path:       "providers/Microsoft.DBforMySQL/servers/{serverName}/firewallRules/{firewallRuleName}",
		PathKeys:   []string{"serverName", "firewallRuleName"},
	},
	KindContainerGroup: {
		APIVersion: "2019-12-01",
		Path:       "providers/Microsoft.ContainerInstance/containerGroups/{containerGroupName}",
		PathKeys:   []string{"containerGroupName"},
	},
	KindRegistry: {
		APIVersion: "2019-05-01",
		Path:       "providers/Microsoft.ContainerRegistry/registries/{registryName}",
		PathKeys:   []string{"registryName"},
	},
	KindManagedCluster: {
		APIVersion: "2020-09-01",
		Path:       "providers/Microsoft.ContainerService/managedClusters/{resourceName}",
		PathKeys:   []string{"resourceName"},
	},
}

// armFunction is a POST action on an ARM resource.
type armFunction struct {
	Resource engine.ResourceKind
	Action   string
}

var armFunctions = map[engine.ResourceKind]armFunction{
	FnListRegistryCredentials:           {Resource: KindRegistry, Action: "listCredentials"},
	FnListManagedClusterUserCredentials: {Resource: KindManagedCluster, Action: "listClusterUserCredential"},
}

// resourcePath renders the resource URL path for props.
func (k armKind) resourcePath(subscriptionID string, props engine.Properties) (string, error) {
	rg := props.String("resourceGroupName")
	if rg == "" {
		return "", engine.NewRequestRejectedError("resourceGroupName is required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	path := k.Path
	for _, key := range k.PathKeys {
		v := props.String(key)
		if v == "" {
			return "", engine.NewRequestRejectedError(fmt.Sprintf("%s is required", key), nil).
				WithCode(engine.ErrCodeValidation)
		}
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(v))
	}

	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/%s",
		url.PathEscape(subscriptionID), url.PathEscape(rg), path), nil
}

// body returns the request body: every property except the path keys.
func (k armKind) body(props engine.Properties) map[string]any {
	skip := map[string]bool{"resourceGroupName": true}
	for _, key := range k.PathKeys {
		skip[key] = true
	}
	out := make(map[string]any, len(props))
	for key, v := range props {
		if !skip[key] {
			out[key] = v
		}
	}
	return out
}
