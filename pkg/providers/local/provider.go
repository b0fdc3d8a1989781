// Package local implements the "local" provider package: values generated
// on the machine running the deployment (random strings, passwords, UUIDs
// and key pairs). Generated values are persisted in state like any other
// resource output, so they stay stable across runs. A secret value that
// was not persisted is never regenerated by Read.
package local

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"github.com/openfroyo/tstack/pkg/engine"
)

// Resource kinds.
const (
	KindRandomString   engine.ResourceKind = "local:random:RandomString"
	KindRandomPassword engine.ResourceKind = "local:random:RandomPassword"
	KindRandomUUID     engine.ResourceKind = "local:random:RandomUuid"
	KindPrivateKey     engine.ResourceKind = "local:tls:PrivateKey"
)

const (
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numberChars  = "0123456789"
	specialChars = "!@#$%&*()-_=+[]{}<>:?"

	maxLength = 1024
)

// Provider serves the "local" package.
type Provider struct{}

// New creates the provider.
func New() *Provider {
	return &Provider{}
}

var _ engine.Provider = (*Provider)(nil)

// Name returns "local".
func (p *Provider) Name() string {
	return "local"
}

// Apply generates a new value.
func (p *Provider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	return p.generate(req.Request.Kind, req.Request.Properties)
}

// Read returns the value recorded in the resource ID. Passwords and keys
// are not kept in the ID; reading one fails instead of generating a
// replacement.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	switch req.Kind {
	case KindRandomString, KindRandomUUID:
		if req.ID != "" {
			return &engine.ReadResponse{Outputs: engine.Properties{"result": req.ID}}, nil
		}
	case KindRandomPassword, KindPrivateKey:
	default:
		return nil, unsupportedKind(req.Kind)
	}
	return nil, engine.NewSecretsUnavailableError(req.URN)
}

// Invoke is not supported.
func (p *Provider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	return nil, unsupportedKind(req.Function)
}

func (p *Provider) generate(kind engine.ResourceKind, props engine.Properties) (*engine.ApplyResponse, error) {
	switch kind {
	case KindRandomString:
		s, err := randomFromProps(props, false)
		if err != nil {
			return nil, err
		}
		return &engine.ApplyResponse{ID: s, Outputs: engine.Properties{"result": s}}, nil

	case KindRandomPassword:
		s, err := randomFromProps(props, true)
		if err != nil {
			return nil, err
		}
		return &engine.ApplyResponse{
			ID:            "none",
			Outputs:       engine.Properties{"result": s},
			SecretOutputs: []string{"result"},
		}, nil

	case KindRandomUUID:
		id := uuid.New().String()
		return &engine.ApplyResponse{ID: id, Outputs: engine.Properties{"result": id}}, nil

	case KindPrivateKey:
		return generateKey(props)

	default:
		return nil, unsupportedKind(kind)
	}
}

// randomFromProps reads length and the character class switches. Upper,
// lower and number default to on; special defaults to on for passwords.
func randomFromProps(props engine.Properties, password bool) (string, error) {
	length := intProp(props, "length", 16)
	if length <= 0 || length > maxLength {
		return "", engine.NewRequestRejectedError(
			fmt.Sprintf("length must be between 1 and %d", maxLength), nil).WithCode(engine.ErrCodeValidation)
	}

	var charset string
	if boolProp(props, "lower", true) {
		charset += lowerChars
	}
	if boolProp(props, "upper", true) {
		charset += upperChars
	}
	if boolProp(props, "number", true) {
		charset += numberChars
	}
	if boolProp(props, "special", password) {
		charset += specialChars
	}
	if charset == "" {
		return "", engine.NewRequestRejectedError("at least one character class is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return randomString(length, charset)
}

func randomString(length int, charset string) (string, error) {
	limit := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("local: failed to read random bytes: %w", err)
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}

func intProp(props engine.Properties, key string, def int) int {
	switch v := props[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func boolProp(props engine.Properties, key string, def bool) bool {
	if v, ok := props[key].(bool); ok {
		return v
	}
	return def
}

func unsupportedKind(kind engine.ResourceKind) error {
	return engine.NewRequestRejectedError(fmt.Sprintf("local: unsupported kind %q", kind), nil).
		WithCode(engine.ErrCodeValidation)
}
