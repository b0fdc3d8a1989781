package platform

import (
	"errors"
	"fmt"

	"github.com/openfroyo/tstack/pkg/components"
	"github.com/openfroyo/tstack/pkg/output"
)

// ErrUnknownVariant is returned by Compose when a descriptor carries a
// variant it cannot build.
var ErrUnknownVariant = errors.New("unknown descriptor variant")

// Variant tags.
const (
	VariantRelational = "relational"
	VariantStandalone = "standalone"
	VariantCluster    = "cluster"
)

// StorageDescriptor describes where the platform keeps its state. The only
// implementation is RelationalStorage.
type StorageDescriptor interface {
	Variant() string
	storage()
}

// RelationalStorage is a MySQL compatible database.
type RelationalStorage struct {
	// Engine is the database engine. Only "mysql" is supported.
	Engine string

	Hostname *output.Output[string]
	Login    *output.Output[string]
	Password *output.Output[string]
}

func (RelationalStorage) Variant() string { return VariantRelational }
func (RelationalStorage) storage()        {}

// ComputeDescriptor selects the substrate the platform runs on.
type ComputeDescriptor interface {
	Variant() string
	compute()
}

// StandaloneCompute runs every role as a container group.
type StandaloneCompute struct{}

func (StandaloneCompute) Variant() string { return VariantStandalone }
func (StandaloneCompute) compute()        {}

// ClusterCompute runs the platform on a managed Kubernetes cluster.
type ClusterCompute struct {
	// AccessCredentials is the cluster kubeconfig. Secret.
	AccessCredentials *output.Output[string]

	// WorkloadIdentity is the principal the nodes pull images with.
	WorkloadIdentity *output.Output[string]
}

func (ClusterCompute) Variant() string { return VariantCluster }
func (ClusterCompute) compute()        {}

// AppDescriptor is the workflow application built from a local folder.
type AppDescriptor struct {
	Folder string
	Port   int

	// Namespace is used by the cluster substrate only. Empty means
	// "default".
	Namespace string
}

func (a AppDescriptor) namespace() string {
	if a.Namespace == "" {
		return "default"
	}
	return a.Namespace
}

// Validate checks the folder is named and the port is in range. Whether the
// folder holds a buildable context is only known when the image is declared.
func (a AppDescriptor) Validate() error {
	if a.Folder == "" {
		return errors.New("platform: application folder is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("platform: invalid application port %d", a.Port)
	}
	return nil
}

// storageEnv returns the server environment for a storage descriptor.
func storageEnv(s StorageDescriptor) ([]components.EnvVar, error) {
	switch st := s.(type) {
	case RelationalStorage:
		return relationalEnv(st)
	case *RelationalStorage:
		if st == nil {
			return nil, fmt.Errorf("%w: nil storage", ErrUnknownVariant)
		}
		return relationalEnv(*st)
	case nil:
		return nil, fmt.Errorf("%w: storage descriptor is required", ErrUnknownVariant)
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrUnknownVariant, s)
	}
}

// CheckEngine returns ErrUnknownVariant for a relational engine other than
// mysql.
func CheckEngine(engine string) error {
	if engine != "mysql" {
		return fmt.Errorf("%w: relational engine %q", ErrUnknownVariant, engine)
	}
	return nil
}

func relationalEnv(s RelationalStorage) ([]components.EnvVar, error) {
	if err := CheckEngine(s.Engine); err != nil {
		return nil, err
	}
	if s.Hostname == nil || s.Login == nil || s.Password == nil {
		return nil, errors.New("platform: relational storage needs hostname, login and password")
	}
	return []components.EnvVar{
		components.Env("AUTO_SETUP", "true"),
		components.Env("DB", s.Engine),
		{Name: "MYSQL_SEEDS", Value: s.Hostname},
		{Name: "MYSQL_USER", Value: s.Login},
		{Name: "MYSQL_PWD", Value: s.Password, Sensitive: true},
	}, nil
}

// storageOutputs returns the outputs the StorageReady stage waits for.
func storageOutputs(env []components.EnvVar) []output.Any {
	outs := make([]output.Any, 0, len(env))
	for _, e := range env {
		outs = append(outs, e.Value)
	}
	return outs
}

// clusterCompute normalizes the compute descriptor. It returns false for
// the standalone variant.
func clusterCompute(c ComputeDescriptor) (*ClusterCompute, bool, error) {
	switch cc := c.(type) {
	case StandaloneCompute, *StandaloneCompute:
		return nil, false, nil
	case ClusterCompute:
		return checkCluster(&cc)
	case *ClusterCompute:
		if cc == nil {
			return nil, false, fmt.Errorf("%w: nil compute", ErrUnknownVariant)
		}
		return checkCluster(cc)
	case nil:
		return nil, false, fmt.Errorf("%w: compute descriptor is required", ErrUnknownVariant)
	default:
		return nil, false, fmt.Errorf("%w: compute %T", ErrUnknownVariant, c)
	}
}

func checkCluster(c *ClusterCompute) (*ClusterCompute, bool, error) {
	if c.AccessCredentials == nil || c.WorkloadIdentity == nil {
		return nil, false, errors.New("platform: cluster compute needs access credentials and workload identity")
	}
	return c, true, nil
}
