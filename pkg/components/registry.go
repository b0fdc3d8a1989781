package components

import (
	"errors"

	"github.com/openfroyo/tstack/pkg/engine"
	"github.com/openfroyo/tstack/pkg/output"
	"github.com/openfroyo/tstack/pkg/providers/azure"
	"github.com/openfroyo/tstack/pkg/providers/docker"
)

// RegistryArgs configures NewRegistryImage.
type RegistryArgs struct {
	ResourceGroup *output.Output[string]
	Location      *output.Output[string]

	// SourceFolder is the docker build context of the image.
	SourceFolder string

	// ImageName is the repository name below the login server.
	ImageName string
}

// RegistryCredentials are the registry admin credentials.
type RegistryCredentials struct {
	Username string
	Password string
}

// RegistryImage is a container registry and an image built and pushed to
// it.
type RegistryImage struct {
	Registry *engine.Resource
	Image    *engine.Resource

	RegistryID  *output.Output[string]
	LoginServer *output.Output[string]
	Credentials *output.Output[RegistryCredentials]

	// ImageReference is the digest-qualified reference of the pushed image.
	ImageReference *output.Output[string]
}

// Username returns the admin username. It is secret like the rest of the
// credentials.
func (r *RegistryImage) Username() *output.Output[string] {
	return output.Map(r.Credentials, func(c RegistryCredentials) string { return c.Username })
}

// Password returns the admin password.
func (r *RegistryImage) Password() *output.Output[string] {
	return output.Map(r.Credentials, func(c RegistryCredentials) string { return c.Password })
}

// NewRegistryImage declares the registry, looks up its admin credentials,
// and builds and pushes the image in SourceFolder.
//
// The folder is checked before the image is declared. When it is missing
// the registry is still declared, no image request is made, ImageReference
// is rejected and the Build Failure is returned alongside the partial
// result.
func NewRegistryImage(d Deployer, name string, args RegistryArgs) (*RegistryImage, error) {
	if args.ResourceGroup == nil || args.Location == nil {
		return nil, errors.New("registry: resource group and location are required")
	}
	if args.ImageName == "" {
		return nil, errors.New("registry: image name is required")
	}

	registry := d.Register(azure.KindRegistry, name, engine.Props(map[string]any{
		"resourceGroupName": args.ResourceGroup,
		"registryName":      output.Map(args.ResourceGroup, RegistryName),
		"location":          args.Location,
		"sku":               map[string]any{"name": "Basic"},
		"properties":        map[string]any{"adminUserEnabled": true},
	}))

	creds := d.Invoke(azure.FnListRegistryCredentials, engine.Props(map[string]any{
		"resourceGroupName": args.ResourceGroup,
		"registryName":      registry.StringOutput("name"),
	}))

	ri := &RegistryImage{
		Registry:    registry,
		RegistryID:  registry.StringOutput("id"),
		LoginServer: registry.StringOutput("properties.loginServer"),
		Credentials: output.Secret(output.Apply(creds, func(p engine.Properties) (RegistryCredentials, error) {
			c := RegistryCredentials{
				Username: p.String("username"),
				Password: p.String("passwords.0.value"),
			}
			if c.Username == "" || c.Password == "" {
				return c, engine.NewRequestRejectedError("registry returned no admin credentials", nil).
					WithResource(registry.URN)
			}
			return c, nil
		})),
	}

	digest, err := docker.ContextDigest(args.SourceFolder)
	if err != nil {
		buildErr := engine.NewBuildFailedError("worker image cannot be built", err).
			WithOperation("build").WithDetail("context", args.SourceFolder)
		ri.ImageReference = output.Failed[string](buildErr)
		return ri, buildErr
	}

	ri.Image = d.Register(docker.KindImage, args.ImageName, engine.Props(map[string]any{
		"imageName": output.Sprintf("%s/%s", ri.LoginServer, args.ImageName),
		"build": map[string]any{
			"context":       args.SourceFolder,
			"contextDigest": digest,
		},
		"registry": map[string]any{
			"server":   ri.LoginServer,
			"username": ri.Username(),
			"password": ri.Password(),
		},
	}))
	ri.ImageReference = ri.Image.StringOutput("repoDigest")

	return ri, nil
}
