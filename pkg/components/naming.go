package components

import (
	"fmt"
	"strings"
)

// Built-in role definition ids.
const (
	RoleAcrPull = "7f951dda-4ed3-4680-a7ca-43fe172d538d"
)

// ServerName is the MySQL server name for a resource group.
func ServerName(resourceGroup string) string {
	return resourceGroup + "-mysql"
}

// RegistryName is the registry name for a resource group. Registry names
// are alphanumeric, so the hyphen after the prefix is dropped.
func RegistryName(resourceGroup string) string {
	return strings.Replace(resourceGroup, "-", "", 1)
}

// ContainerGroupName is the container group name of one platform role.
func ContainerGroupName(resourceGroup, role string) string {
	return resourceGroup + "-" + role
}

// ClusterName is the managed cluster name for a resource group.
func ClusterName(resourceGroup string) string {
	return resourceGroup + "-aks"
}

// DNSPrefix is the cluster DNS prefix for a resource group.
func DNSPrefix(resourceGroup string) string {
	return resourceGroup + "aks"
}

// NodeResourceGroup is the resource group holding a cluster's nodes.
func NodeResourceGroup(cluster string) string {
	return "MC_" + cluster
}

// ApplicationName is the directory application name of a cluster identity.
func ApplicationName(resourceGroup string) string {
	return resourceGroup + "-aks-app"
}

// RoleDefinitionID is the full id of a built-in role in a subscription.
func RoleDefinitionID(subscriptionID, role string) string {
	return fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s", subscriptionID, role)
}
