// Package policy checks provisioning requests against Rego policies using
// Open Policy Agent (OPA).
//
// The Engine implements engine.PolicyEvaluator. The deployment engine asks it
// about every resolved request before the request reaches a provider.
//
// # Rules
//
// A policy module may define three sets of violations, each holding either
// strings or objects with "message" and optionally "resource":
//
//   - deny: blocking, reported with severity "error"
//   - warn: reported with severity "warning", or "error" when the engine
//     was created WithEnforce(true)
//   - info: informational
//
// The input document is a RequestInput:
//
//	{
//	  "request": {"urn": ..., "kind": ..., "name": ..., "properties": {...}, "secret": false},
//	  "context": {"stack": "dev", "enforce": false, "timestamp": ...}
//	}
//
// Secret property values are resolved by the time policies run, so policy
// authors must not echo property values into messages.
//
// # Built-in Policies
//
//   - allow-all-firewall: warns on MySQL firewall rules spanning 0.0.0.0 to
//     255.255.255.255
//   - plaintext-secret-env: warns when a container group passes a secret
//     named variable as a plain value
//   - resource-naming: denies logical names that are not DNS labels
//   - kubernetes-labels: warns on workloads missing app.kubernetes.io labels
//   - registry-admin-user: reports registries with the admin user enabled
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.WithStack("dev"), policy.WithEnforce(cfg.Policy.Enforce))
//	if err != nil {
//	    return err
//	}
//	if cfg.Policy.Dir != "" {
//	    if err := eng.LoadPolicies(ctx, []string{cfg.Policy.Dir}); err != nil {
//	        return err
//	    }
//	}
//
// Custom policies are .rego files, named after the file, or .json files
// holding a serialized Policy. Watch reloads them when they change.
package policy
