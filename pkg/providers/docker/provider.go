// Package docker implements the "docker" provider package: it builds an
// image from a local folder and pushes it to a registry.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/telemetry"
)

// KindImage is the only resource kind served.
const KindImage engine.ResourceKind = "docker:image:Image"

// Client is the subset of the Docker Engine API the provider uses.
type Client interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	ImagePush(ctx context.Context, image string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// NewEnvClient connects to the daemon configured by DOCKER_HOST and friends.
func NewEnvClient() (Client, error) {
	return dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
}

// Config configures the provider.
type Config struct {
	// NewClient opens a daemon connection per request. Defaults to NewEnvClient.
	NewClient func() (Client, error)

	// Platform is the target platform of builds.
	Platform string
}

// Provider serves the "docker" package.
type Provider struct {
	cfg Config
}

// New creates the provider.
func New(cfg Config) *Provider {
	if cfg.NewClient == nil {
		cfg.NewClient = NewEnvClient
	}
	if cfg.Platform == "" {
		cfg.Platform = "linux/amd64"
	}
	return &Provider{cfg: cfg}
}

var _ engine.Provider = (*Provider)(nil)

// Name returns "docker".
func (p *Provider) Name() string {
	return "docker"
}

// Apply builds and pushes the image. Any failure is a build failure.
func (p *Provider) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyResponse, error) {
	if req.Request.Kind != KindImage {
		return nil, unsupportedKind(req.Request.Kind)
	}
	outputs, err := p.buildAndPush(ctx, req.Request.URN, req.Request.Properties)
	if err != nil {
		return nil, err
	}
	return &engine.ApplyResponse{ID: outputs.String("repoDigest"), Outputs: outputs}, nil
}

// Read rebuilds and pushes the image; the registry holds no state the
// provider could read back without credentials.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	if req.Kind != KindImage {
		return nil, unsupportedKind(req.Kind)
	}
	outputs, err := p.buildAndPush(ctx, req.URN, req.Properties)
	if err != nil {
		return nil, err
	}
	return &engine.ReadResponse{Outputs: outputs}, nil
}

// Invoke is not supported.
func (p *Provider) Invoke(ctx context.Context, req *engine.InvokeRequest) (*engine.InvokeResponse, error) {
	return nil, unsupportedKind(req.Function)
}

type imageSpec struct {
	name       string
	context    string
	dockerfile string
	server     string
	username   string
	password   string
}

func parseSpec(props engine.Properties) (imageSpec, error) {
	spec := imageSpec{
		name:       props.String("imageName"),
		context:    props.String("build.context"),
		dockerfile: props.String("build.dockerfile"),
		server:     props.String("registry.server"),
		username:   props.String("registry.username"),
		password:   props.String("registry.password"),
	}
	if spec.name == "" {
		return spec, engine.NewRequestRejectedError("imageName is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if spec.context == "" {
		return spec, engine.NewBuildFailedError("build.context is required", nil)
	}
	if spec.dockerfile == "" {
		spec.dockerfile = "Dockerfile"
	}
	return spec, nil
}

func (p *Provider) buildAndPush(ctx context.Context, urn string, props engine.Properties) (engine.Properties, error) {
	spec, err := parseSpec(props)
	if err != nil {
		return nil, err
	}
	logger := telemetry.FromContext(ctx).WithProvider(p.Name()).WithResourceID(urn)

	buildCtx, err := createBuildContext(spec.context)
	if err != nil {
		return nil, engine.NewBuildFailedError(fmt.Sprintf("docker: cannot read build context %s", spec.context), err).
			WithResource(urn)
	}

	cli, err := p.cfg.NewClient()
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: failed to connect to daemon", err).WithResource(urn)
	}
	defer cli.Close()

	logger.Infof("building %s from %s", spec.name, spec.context)
	resp, err := cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{spec.name},
		Dockerfile: spec.dockerfile,
		Platform:   p.cfg.Platform,
		Remove:     true,
	})
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: build failed", err).WithResource(urn)
	}
	imageID, err := parseBuildOutput(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: build failed", err).WithResource(urn)
	}

	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		ServerAddress: spec.server,
		Username:      spec.username,
		Password:      spec.password,
	})
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: failed to encode registry credentials", err).WithResource(urn)
	}

	logger.Infof("pushing %s", spec.name)
	reader, err := cli.ImagePush(ctx, spec.name, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: push failed", err).WithResource(urn)
	}
	digest, err := parsePushOutput(reader)
	reader.Close()
	if err != nil {
		return nil, engine.NewBuildFailedError("docker: push failed", err).WithResource(urn)
	}

	outputs := engine.Properties{
		"imageName":     spec.name,
		"baseImageName": baseName(spec.name),
		"imageId":       imageID,
		"repoDigest":    spec.name,
	}
	if digest != "" {
		outputs["repoDigest"] = baseName(spec.name) + "@" + digest
	}
	return outputs, nil
}

// baseName strips the tag from an image reference.
func baseName(ref string) string {
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon]
	}
	return ref
}

type streamMessage struct {
	Stream string `json:"stream"`
	Status string `json:"status"`
	Aux    struct {
		ID     string `json:"ID"`
		Digest string `json:"Digest"`
	} `json:"aux"`
	Error string `json:"error"`
}

func readStream(r io.Reader, fn func(streamMessage)) error {
	decoder := json.NewDecoder(r)
	for {
		var msg streamMessage
		if err := decoder.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to parse daemon output: %w", err)
		}
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		fn(msg)
	}
}

func parseBuildOutput(r io.Reader) (string, error) {
	var id string
	err := readStream(r, func(m streamMessage) {
		if m.Aux.ID != "" {
			id = m.Aux.ID
		}
	})
	return id, err
}

func parsePushOutput(r io.Reader) (string, error) {
	var digest string
	err := readStream(r, func(m streamMessage) {
		if m.Aux.Digest != "" {
			digest = m.Aux.Digest
		}
	})
	return digest, err
}

func unsupportedKind(kind engine.ResourceKind) error {
	return engine.NewRequestRejectedError(fmt.Sprintf("docker: unsupported kind %q", kind), nil).
		WithCode(engine.ErrCodeValidation)
}
