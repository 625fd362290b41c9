package agent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/perfoor/internal/core"
	"github.com/ethpandaops/perfoor/internal/export"
	"github.com/ethpandaops/perfoor/internal/sink"
)

// Config is the top-level configuration for the perfoor agent.
type Config struct {
	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// Runtime configures the monitoring event runtime.
	Runtime core.Config `yaml:"runtime"`

	// Backends declares the counter backends to register.
	Backends BackendsConfig `yaml:"backends"`

	// Events lists the monitoring events to open at startup.
	Events []EventConfig `yaml:"events"`

	// Workload configures the synthetic task scheduler that drives
	// the runtime.
	Workload WorkloadConfig `yaml:"workload"`

	// Sinks configures data export sinks.
	Sinks sink.Config `yaml:"sinks"`

	// Health configures the Prometheus health metrics server.
	Health export.HealthConfig `yaml:"health"`

	// SnapshotInterval is how often open counters are read into
	// snapshots for the sinks. Defaults to 1s.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// DrainInterval is how often event ring buffers are drained.
	// Defaults to 100ms.
	DrainInterval time.Duration `yaml:"drain_interval"`
}

// BackendsConfig declares the counter backends. The software backend
// is always registered.
type BackendsConfig struct {
	// Slotted declares slot-limited hardware-style backends.
	Slotted []SlottedBackendConfig `yaml:"slotted"`

	// Tracepoints lists the named points served by the tracepoint
	// backend. Empty disables it.
	Tracepoints []string `yaml:"tracepoints"`
}

// SlottedBackendConfig declares one slot-limited backend.
type SlottedBackendConfig struct {
	// Name is the backend name events refer to.
	Name string `yaml:"name"`

	// Slots is the per-CPU counter capacity.
	Slots int `yaml:"slots"`

	// Exclusive lets events claim the whole backend.
	Exclusive bool `yaml:"exclusive"`
}

// EventConfig describes one monitoring event to open at startup.
type EventConfig struct {
	// Name identifies the event in sinks and metrics.
	Name string `yaml:"name"`

	// Attr describes the counter.
	Attr core.Attr `yaml:"attr"`

	// Scope is "cpu" or "task". Defaults to "cpu".
	Scope string `yaml:"scope"`

	// CPU pins a cpu-scoped event to one virtual CPU; -1 opens one
	// instance per CPU.
	CPU int `yaml:"cpu"`

	// Group names the leader event this one joins. The leader must
	// appear earlier in the list with the same scope and CPU.
	Group string `yaml:"group"`

	// BufferBytes sizes the event ring buffer. Zero leaves the
	// event counting-only.
	BufferBytes int `yaml:"buffer_bytes"`
}

// WorkloadConfig configures the synthetic task scheduler.
type WorkloadConfig struct {
	// Tasks is the number of tasks rotated across the virtual CPUs.
	// Defaults to 4.
	Tasks int `yaml:"tasks"`

	// SwitchInterval is the rotation period. Defaults to 10ms.
	SwitchInterval time.Duration `yaml:"switch_interval"`

	// ForkEvery forks a short-lived child from the first task every
	// N rotations. Zero disables forking.
	ForkEvery int `yaml:"fork_every"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Runtime: core.Config{
			CPUs:         4,
			TickInterval: 4 * time.Millisecond,
		},
		Workload: WorkloadConfig{
			Tasks:          4,
			SwitchInterval: 10 * time.Millisecond,
		},
		Health: export.HealthConfig{
			Addr: ":9090",
		},
		SnapshotInterval: time.Second,
		DrainInterval:    100 * time.Millisecond,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for required fields and
// consistency.
func (c *Config) Validate() error {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}

	if c.DrainInterval <= 0 {
		c.DrainInterval = 100 * time.Millisecond
	}

	if c.Workload.Tasks <= 0 {
		return fmt.Errorf("workload.tasks must be positive")
	}

	if c.Workload.SwitchInterval <= 0 {
		return fmt.Errorf("workload.switch_interval must be positive")
	}

	backends := map[string]bool{"software": true}

	if len(c.Backends.Tracepoints) > 0 {
		backends["tracepoint"] = true
	}

	for _, sl := range c.Backends.Slotted {
		if sl.Name == "" {
			return fmt.Errorf("slotted backend name is required")
		}

		if backends[sl.Name] {
			return fmt.Errorf("duplicate backend name %q", sl.Name)
		}

		if sl.Slots <= 0 {
			return fmt.Errorf("backend %q: slots must be positive", sl.Name)
		}

		backends[sl.Name] = true
	}

	names := make(map[string]*EventConfig, len(c.Events))

	for i := range c.Events {
		ev := &c.Events[i]

		if ev.Name == "" {
			return fmt.Errorf("events[%d]: name is required", i)
		}

		if names[ev.Name] != nil {
			return fmt.Errorf("duplicate event name %q", ev.Name)
		}

		if ev.Scope == "" {
			ev.Scope = "cpu"
		}

		if ev.Scope != "cpu" && ev.Scope != "task" {
			return fmt.Errorf(
				"event %q: scope must be cpu or task, got %q",
				ev.Name, ev.Scope,
			)
		}

		if !backends[ev.Attr.Backend] {
			return fmt.Errorf(
				"event %q: unknown backend %q", ev.Name, ev.Attr.Backend,
			)
		}

		cpus := c.Runtime.CPUs
		if cpus <= 0 {
			cpus = 1
		}

		if ev.Scope == "cpu" && ev.CPU >= cpus {
			return fmt.Errorf(
				"event %q: cpu %d out of range", ev.Name, ev.CPU,
			)
		}

		if ev.Group != "" {
			leader := names[ev.Group]
			if leader == nil {
				return fmt.Errorf(
					"event %q: group leader %q not defined earlier",
					ev.Name, ev.Group,
				)
			}

			if leader.Scope != ev.Scope || leader.CPU != ev.CPU {
				return fmt.Errorf(
					"event %q: group leader %q has a different target",
					ev.Name, ev.Group,
				)
			}

			if ev.CPU < 0 {
				return fmt.Errorf(
					"event %q: grouped events need a fixed cpu", ev.Name,
				)
			}
		}

		names[ev.Name] = ev
	}

	return nil
}
