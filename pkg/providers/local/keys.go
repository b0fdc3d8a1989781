package local

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/tstack/pkg/engine"
)

const (
	DefaultRSABits = 4096
	minRSABits     = 1024
)

// generateKey creates an RSA or ECDSA (P-256) key pair. The private key is
// the only secret output.
func generateKey(props engine.Properties) (*engine.ApplyResponse, error) {
	algorithm := strings.ToUpper(props.String("algorithm"))
	if algorithm == "" {
		algorithm = "RSA"
	}

	var (
		signer     crypto.Signer
		privateDER []byte
		pemType    string
		err        error
	)

	switch algorithm {
	case "RSA":
		bits := intProp(props, "rsaBits", DefaultRSABits)
		if bits < minRSABits {
			return nil, engine.NewRequestRejectedError(
				fmt.Sprintf("rsaBits must be at least %d", minRSABits), nil).WithCode(engine.ErrCodeValidation)
		}
		key, genErr := rsa.GenerateKey(rand.Reader, bits)
		if genErr != nil {
			return nil, fmt.Errorf("local: failed to generate RSA key: %w", genErr)
		}
		signer, privateDER, pemType = key, x509.MarshalPKCS1PrivateKey(key), "RSA PRIVATE KEY"

	case "ECDSA":
		key, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if genErr != nil {
			return nil, fmt.Errorf("local: failed to generate ECDSA key: %w", genErr)
		}
		privateDER, err = x509.MarshalECPrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("local: failed to encode ECDSA key: %w", err)
		}
		signer, pemType = key, "EC PRIVATE KEY"

	default:
		return nil, engine.NewRequestRejectedError(
			fmt.Sprintf("unsupported key algorithm %q", algorithm), nil).WithCode(engine.ErrCodeValidation)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("local: failed to encode public key: %w", err)
	}
	sshKey, err := ssh.NewPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("local: failed to derive SSH public key: %w", err)
	}

	sum := sha256.Sum256(publicDER)
	outputs := engine.Properties{
		"algorithm":                  algorithm,
		"publicKeyPem":               string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})),
		"publicKeyOpenssh":           string(ssh.MarshalAuthorizedKey(sshKey)),
		"publicKeyFingerprintSha256": ssh.FingerprintSHA256(sshKey),
		"privateKeyPem":              string(pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: privateDER})),
	}

	return &engine.ApplyResponse{
		ID:            hex.EncodeToString(sum[:]),
		Outputs:       outputs,
		SecretOutputs: []string{"privateKeyPem"},
	}, nil
}
