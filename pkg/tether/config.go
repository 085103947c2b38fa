package tether

import (
	"github.com/ghalamif/Tether/internal/adapters/sink"
	"github.com/ghalamif/Tether/internal/adapters/source/opcua"
	"github.com/ghalamif/Tether/internal/adapters/source/sshexec"
	"github.com/ghalamif/Tether/internal/adapters/transform"
	"github.com/ghalamif/Tether/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically. Call Finalize on hand-built values.
type Config = config.Config

type (
	SourceConfig     = config.SourceConfig
	ExecConfig       = config.ExecConfig
	SupervisorConfig = config.SupervisorConfig
	TransformConfig  = config.TransformConfig
	SinkConfig       = config.SinkConfig
	RetryConfig      = config.RetryConfig
	MetricsConfig    = config.MetricsConfig
	DeadLetterConfig = config.DeadLetterConfig
	LogConfig        = config.LogConfig

	// SSHConfig holds the credentials and host-key policy of the ssh source.
	SSHConfig = sshexec.Config
	// OPCUAConfig holds connection + node details.
	OPCUAConfig = opcua.Config
	// OPCUANodeConfig describes a monitored tag.
	OPCUANodeConfig = opcua.NodeConfig

	StdoutConfig    = sink.StdoutConfig
	TimescaleConfig = sink.TimescaleConfig
	NATSConfig      = sink.NATSConfig

	// TransformRule is one declarative step of the transform chain.
	TransformRule = transform.Rule
)

// Source and sink kinds accepted by the config.
const (
	SourceSSH   = config.SourceSSH
	SourceExec  = config.SourceExec
	SourceOPCUA = config.SourceOPCUA

	SinkStdout    = config.SinkStdout
	SinkTimescale = config.SinkTimescale
	SinkNATS      = config.SinkNATS
)

// LoadConfig loads YAML from disk, applies defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig is LoadConfig for YAML already in memory. Relative script paths
// are resolved against baseDir.
func ParseConfig(raw []byte, baseDir string) (*Config, error) {
	return config.Parse(raw, baseDir)
}
