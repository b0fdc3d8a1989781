package config

import (
	"strconv"
	"strings"

	"github.com/openfroyo/tstack/pkg/telemetry"
)

// Substrate tags select the compute variant.
const (
	SubstrateStandalone = "standalone"
	SubstrateCluster    = "cluster"
)

// StackConfig is the decoded stack file.
type StackConfig struct {
	// Name is the stack name. It scopes resource URNs and the state store.
	Name string `yaml:"name" json:"name" validate:"required,max=40"`

	// Substrate selects the compute variant (standalone, cluster).
	Substrate string `yaml:"substrate" json:"substrate" validate:"required,oneof=standalone cluster"`

	// Location is the Azure region of every resource.
	Location string `yaml:"location" json:"location" validate:"required"`

	// SubscriptionID scopes role definitions. Overridden by TSTACK_SUBSCRIPTION_ID.
	SubscriptionID string `yaml:"subscriptionId" json:"subscriptionId" validate:"omitempty,uuid"`

	Temporal  TemporalConfig  `yaml:"temporal" json:"temporal"`
	Datastore DatastoreConfig `yaml:"datastore" json:"datastore"`
	Compute   ComputeConfig   `yaml:"compute" json:"compute"`
	App       AppConfig       `yaml:"app" json:"app"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Policy    PolicyConfig    `yaml:"policy" json:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`

	// Passphrase seals secrets in the state store. Only read from
	// TSTACK_PASSPHRASE, never from the file.
	Passphrase string `yaml:"-" json:"-"`
}

// TemporalConfig selects the Temporal release.
type TemporalConfig struct {
	// Version is the tag of the temporalio/server and temporalio/web images.
	Version string `yaml:"version" json:"version" validate:"required"`
}

// DatastoreConfig configures the storage variant.
type DatastoreConfig struct {
	// Engine is the relational engine. Only mysql is supported.
	Engine string `yaml:"engine" json:"engine" validate:"required,oneof=mysql"`

	// AdminLogin is the MySQL administrator login.
	AdminLogin string `yaml:"adminLogin" json:"adminLogin" validate:"required,alphanum,max=16"`

	// AllowAllFirewall opens the server to every IPv4 address.
	AllowAllFirewall bool `yaml:"allowAllFirewall" json:"allowAllFirewall"`
}

// ComputeConfig configures the compute variants.
type ComputeConfig struct {
	// PlaintextSecretEnv passes the database password as a plain container
	// environment value on the standalone variant.
	PlaintextSecretEnv bool `yaml:"plaintextSecretEnv" json:"plaintextSecretEnv"`

	Cluster ClusterConfig `yaml:"cluster" json:"cluster"`
}

// ClusterConfig configures the managed Kubernetes cluster.
type ClusterConfig struct {
	KubernetesVersion string `yaml:"kubernetesVersion" json:"kubernetesVersion" validate:"required"`
	VMSize            string `yaml:"vmSize" json:"vmSize" validate:"required"`
	VMCount           int    `yaml:"vmCount" json:"vmCount" validate:"min=1,max=100"`
}

// AppConfig describes the worker application.
type AppConfig struct {
	// Folder is the docker build context of the worker image.
	Folder string `yaml:"folder" json:"folder" validate:"required"`

	// Port is the application's HTTP port.
	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	// Namespace is the Kubernetes namespace on the cluster variant.
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`
}

// EngineConfig tunes the deployment engine.
type EngineConfig struct {
	// Parallelism bounds the number of in-flight provider requests.
	Parallelism int `yaml:"parallelism" json:"parallelism" validate:"min=1,max=64"`

	// StatePath is the SQLite state database.
	StatePath string `yaml:"statePath" json:"statePath" validate:"required"`
}

// PolicyConfig configures request policies.
type PolicyConfig struct {
	// Enforce turns policy warnings into blocking violations.
	Enforce bool `yaml:"enforce" json:"enforce"`

	// Dir holds additional .rego policies.
	Dir string `yaml:"dir" json:"dir"`
}

// TelemetryConfig is the stack file view of telemetry.Config.
type TelemetryConfig struct {
	LogLevel       string `yaml:"logLevel" json:"logLevel" validate:"oneof=trace debug info warn error"`
	LogFormat      string `yaml:"logFormat" json:"logFormat" validate:"oneof=console json"`
	TraceExporter  string `yaml:"traceExporter" json:"traceExporter" validate:"oneof=none otlp stdout"`
	TraceEndpoint  string `yaml:"traceEndpoint" json:"traceEndpoint" validate:"required_if=TraceExporter otlp"`
	MetricsAddress string `yaml:"metricsAddress" json:"metricsAddress"`
}

// Default returns the configuration every stack file is applied over.
func Default() *StackConfig {
	return &StackConfig{
		Substrate: SubstrateStandalone,
		Location:  "westeurope",
		Temporal:  TemporalConfig{Version: "0.29.0"},
		Datastore: DatastoreConfig{
			Engine:           "mysql",
			AdminLogin:       "temporal",
			AllowAllFirewall: true,
		},
		Compute: ComputeConfig{
			PlaintextSecretEnv: true,
			Cluster: ClusterConfig{
				KubernetesVersion: "1.16.13",
				VMSize:            "Standard_DS2_v2",
				VMCount:           3,
			},
		},
		App: AppConfig{
			Folder:    "./workflow",
			Port:      8080,
			Namespace: "default",
		},
		Engine: EngineConfig{
			Parallelism: 10,
			StatePath:   ".tstack/state.db",
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			LogFormat:     "console",
			TraceExporter: "none",
		},
	}
}

// ApplyTo copies the stack's telemetry settings onto cfg.
func (t TelemetryConfig) ApplyTo(cfg *telemetry.Config) {
	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}
	if t.TraceExporter != "" && t.TraceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = t.TraceExporter
		cfg.Tracing.Endpoint = t.TraceEndpoint
	}
	if t.MetricsAddress != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = t.MetricsAddress
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path of the error (e.g., "datastore.adminLogin").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(e.Line))
			b.WriteString(":")
			b.WriteString(strconv.Itoa(e.Column))
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a stack file.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid stack configuration: " + strings.Join(msgs, "; ")
}
