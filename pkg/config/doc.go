// Package config loads and validates tstack stack files.
//
// A stack file is YAML (tstack.yaml) or CUE (tstack.cue):
//
//	name: temporal-aci
//	substrate: standalone        # standalone | cluster
//	location: westeurope
//	temporal: {version: "0.29.0"}
//	datastore: {engine: mysql, adminLogin: temporal, allowAllFirewall: true}
//	compute:
//	  plaintextSecretEnv: true
//	  cluster: {kubernetesVersion: "1.16.13", vmSize: Standard_DS2_v2, vmCount: 3}
//	app: {folder: ./workflow, port: 8080, namespace: temporal}
//	engine: {parallelism: 10, statePath: .tstack/state.db}
//	policy: {enforce: false}
//
// YAML files are decoded over Default; CUE files are unified with the
// built-in #Stack schema, whose defaults match Default. Either way the
// result is checked twice: once against the struct tags with
// go-playground/validator, once against #Stack. Problems are reported as
// ValidationErrors with field paths and, for CUE, file positions.
//
// TSTACK_SUBSCRIPTION_ID overrides subscriptionId. TSTACK_PASSPHRASE is the
// only source of the state sealing passphrase.
package config
