// Package engine turns resource registrations into provider requests.
//
// # Model
//
// A Deployment is one run against a stack. Callers register resources with
// Register, passing the resource's properties as an output.Output. Nothing is
// submitted at registration time: each request waits until the properties it
// consumes (and any explicit DependsOn resources) have resolved, and is then
// submitted through a bounded worker pool. Independent requests therefore run
// in parallel and no request is ever submitted with an unresolved input.
//
// Every resolved request goes through three steps:
//
//  1. Plan - the Planner hashes the request and compares it with the recorded
//     state. A matching hash is a noop and reuses the recorded outputs.
//  2. Policy - the PolicyEvaluator may warn about or block the request.
//  3. Apply - the Provider serving the kind's package creates or updates the
//     resource and returns its outputs.
//
// When an input fails, dependents are never submitted; their State output is
// rejected with a DEPENDENCY_UNRESOLVED error and the run finishes as
// partial. Wait returns a *DeploymentError naming every failed and skipped
// resource.
//
// # Resource kinds
//
// Kinds are "<package>:<module>:<type>" tokens such as
// "azure:dbformysql:Server" or "kubernetes:apps/v1:Deployment". The package
// selects the provider. URNs have the form "urn:<stack>:<kind>::<name>".
//
// # Secrets
//
// Provider responses list their secret output keys. Secret outputs are kept
// out of ResourceState.Outputs, handed to the StateManager separately so it
// can seal them, and reported to the SecretTracker for log redaction.
//
// # Graph
//
// The dependency graph of a deployment is available from Graph. It is not
// used for scheduling; preview renders it as levels and as Graphviz DOT.
package engine
