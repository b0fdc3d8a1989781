package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		allowAllFirewallPolicy(),
		plaintextSecretEnvPolicy(),
		resourceNamingPolicy(),
		kubernetesLabelsPolicy(),
		registryAdminPolicy(),
	}
}

// allowAllFirewallPolicy flags database firewall rules open to every address.
func allowAllFirewallPolicy() Policy {
	return Policy{
		Name:        "allow-all-firewall",
		Description: "Flags database firewall rules that admit every IPv4 address",
		Enabled:     true,
		Tags:        []string{"network", "datastore"},
		Rego: `package tstack.policies.firewall

import rego.v1

warn contains violation if {
	input.request.kind == "azure:dbformysql:FirewallRule"
	props := input.request.properties.properties
	props.startIpAddress == "0.0.0.0"
	props.endIpAddress == "255.255.255.255"
	violation := {
		"message": sprintf("firewall rule %s admits every IPv4 address", [input.request.name]),
		"resource": input.request.urn,
	}
}
`,
	}
}

// plaintextSecretEnvPolicy flags secret-looking container environment
// variables passed as plain values instead of secure values.
func plaintextSecretEnvPolicy() Policy {
	return Policy{
		Name:        "plaintext-secret-env",
		Description: "Flags container environment secrets passed as plain values",
		Enabled:     true,
		Tags:        []string{"secrets", "compute"},
		Rego: `package tstack.policies.secretenv

import rego.v1

secret_name(name) if regex.match("(?i)(PWD|PASSWORD|SECRET|TOKEN)$", name)

warn contains violation if {
	input.request.kind == "azure:containerinstance:ContainerGroup"
	some container in input.request.properties.properties.containers
	some env in container.properties.environmentVariables
	secret_name(env.name)
	env.value
	violation := {
		"message": sprintf("container %s receives %s as a plain environment value", [container.name, env.name]),
		"resource": input.request.urn,
	}
}
`,
	}
}

// resourceNamingPolicy enforces lowercase logical names.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Logical resource names are lowercase letters, digits and hyphens",
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package tstack.policies.naming

import rego.v1

deny contains violation if {
	name := input.request.name
	not regex.match("^[a-z0-9]([a-z0-9-]*[a-z0-9])?$", name)
	violation := {
		"message": sprintf("resource name '%s' must contain only lowercase letters, digits and hyphens", [name]),
		"resource": input.request.urn,
	}
}

deny contains violation if {
	name := input.request.name
	count(name) > 63
	violation := {
		"message": sprintf("resource name '%s' exceeds 63 characters", [name]),
		"resource": input.request.urn,
	}
}
`,
	}
}

// kubernetesLabelsPolicy requires the recommended labels on workloads.
func kubernetesLabelsPolicy() Policy {
	return Policy{
		Name:        "kubernetes-labels",
		Description: "Kubernetes workloads carry the app.kubernetes.io labels",
		Enabled:     true,
		Tags:        []string{"kubernetes", "labels"},
		Rego: `package tstack.policies.labels

import rego.v1

required := {"app.kubernetes.io/name", "app.kubernetes.io/part-of", "app.kubernetes.io/component"}

warn contains violation if {
	startswith(input.request.kind, "kubernetes:apps/v1:")
	labels := object.get(input.request.properties.manifest.metadata, "labels", {})
	some label in required
	not labels[label]
	violation := {
		"message": sprintf("%s is missing label %s", [input.request.name, label]),
		"resource": input.request.urn,
	}
}
`,
	}
}

// registryAdminPolicy reports registries with the admin user enabled.
func registryAdminPolicy() Policy {
	return Policy{
		Name:        "registry-admin-user",
		Description: "Reports container registries that enable the admin user",
		Enabled:     true,
		Tags:        []string{"registry", "secrets"},
		Rego: `package tstack.policies.registry

import rego.v1

info contains violation if {
	input.request.kind == "azure:containerregistry:Registry"
	input.request.properties.properties.adminUserEnabled == true
	violation := {
		"message": sprintf("registry %s enables the admin user; its credentials are shared with workloads", [input.request.name]),
		"resource": input.request.urn,
	}
}
`,
	}
}
