// Package components declares the building blocks of the Temporal platform:
// generated identities and secrets, the MySQL datastore, the container
// registry and worker image, the two compute substrates, and role bindings.
//
// Constructors only declare resources. Nothing blocks: every value a
// component exposes is an output that resolves once the provider has
// answered, and downstream components are built directly from those
// outputs. The engine submits each request as soon as its inputs resolve.
//
// Basic usage:
//
//	ids := components.NewIdentity(d)
//	password := ids.RandomPassword("mysql-password", 16, false)
//	db, err := components.NewMySQL(d, "mysql", components.MySQLArgs{
//		ResourceGroup: rg,
//		Location:      output.String("westeurope"),
//		AdminLogin:    "temporal",
//		AdminPassword: password,
//	})
package components

import (
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
)

// Deployer is the part of *engine.Deployment the components use.
type Deployer interface {
	Register(kind engine.ResourceKind, name string, props *output.Output[engine.Properties], opts ...engine.RegisterOption) *engine.Resource
	Invoke(fn engine.ResourceKind, args *output.Output[engine.Properties]) *output.Output[engine.Properties]
}

var _ Deployer = (*engine.Deployment)(nil)
