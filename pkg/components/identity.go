package components

import (
	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/local"
)

// Identity declares generated values. Each value is a resource of its own,
// so it is recorded in state and stays stable across runs.
type Identity struct {
	d Deployer
}

// NewIdentity creates a generator registering on d.
func NewIdentity(d Deployer) *Identity {
	return &Identity{d: d}
}

// KeyPair is a generated SSH key pair.
type KeyPair struct {
	Resource         *engine.Resource
	PublicKeyOpenssh *output.Output[string]
	PrivateKeyPem    *output.Output[string]
}

// RandomString generates lowercase alphanumerics, plus uppercase and
// special characters when requested.
func (i *Identity) RandomString(name string, length int, special, upper bool) *output.Output[string] {
	res := i.d.Register(local.KindRandomString, name, output.Of(engine.Properties{
		"length":  length,
		"special": special,
		"upper":   upper,
	}))
	return res.StringOutput("result")
}

// RandomPassword generates a password. The result is secret.
func (i *Identity) RandomPassword(name string, length int, special bool) *output.Output[string] {
	res := i.d.Register(local.KindRandomPassword, name, output.Of(engine.Properties{
		"length":  length,
		"special": special,
	}), engine.AdditionalSecretOutputs("result"))
	return output.Secret(res.StringOutput("result"))
}

// RandomUUID generates a version 4 UUID.
func (i *Identity) RandomUUID(name string) *output.Output[string] {
	res := i.d.Register(local.KindRandomUUID, name, output.Of(engine.Properties{}))
	return res.StringOutput("result")
}

// PrivateKey generates a key pair. Algorithm is "RSA" or "ECDSA"; bits only
// applies to RSA.
func (i *Identity) PrivateKey(name, algorithm string, bits int) *KeyPair {
	props := engine.Properties{"algorithm": algorithm}
	if bits > 0 {
		props["rsaBits"] = bits
	}
	res := i.d.Register(local.KindPrivateKey, name, output.Of(props),
		engine.AdditionalSecretOutputs("privateKeyPem"))
	return &KeyPair{
		Resource:         res,
		PublicKeyOpenssh: res.StringOutput("publicKeyOpenssh"),
		PrivateKeyPem:    output.Secret(res.StringOutput("privateKeyPem")),
	}
}
