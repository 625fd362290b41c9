package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/perfoor/internal/core"
)

func attrFor(backend string) core.Attr {
	return core.Attr{Backend: backend}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.Runtime.CPUs)
	assert.Equal(t, 4*time.Millisecond, cfg.Runtime.TickInterval)
	assert.Equal(t, 4, cfg.Workload.Tasks)
	assert.Equal(t, 10*time.Millisecond, cfg.Workload.SwitchInterval)
	assert.Equal(t, ":9090", cfg.Health.Addr)
	assert.Equal(t, time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.DrainInterval)
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
runtime:
  cpus: 2
  tick_interval: 2ms
  max_sample_rate: 50000
backends:
  slotted:
    - name: pmu
      slots: 4
  tracepoints:
    - sched_switch
    - syscall_enter
events:
  - name: cpu-clock
    attr:
      backend: software
      config: 0
      sample_period: 1000000
      options:
        disabled: true
    buffer_bytes: 65536
  - name: instructions
    attr:
      backend: pmu
      config: 1
    scope: cpu
    cpu: 0
  - name: cache-misses
    attr:
      backend: pmu
      config: 2
    scope: cpu
    cpu: 0
    group: instructions
  - name: sched
    attr:
      backend: tracepoint
      config: 0
    scope: task
workload:
  tasks: 8
  switch_interval: 5ms
  fork_every: 10
sinks:
  archive:
    enabled: true
    path: /tmp/records.bin
    compression: gzip
health:
  addr: ":9091"
snapshot_interval: 500ms
drain_interval: 50ms
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Runtime.CPUs)
	assert.Equal(t, uint64(50000), cfg.Runtime.MaxSampleRate)

	require.Len(t, cfg.Backends.Slotted, 1)
	assert.Equal(t, "pmu", cfg.Backends.Slotted[0].Name)
	assert.Equal(t, 4, cfg.Backends.Slotted[0].Slots)
	assert.Equal(t, []string{"sched_switch", "syscall_enter"}, cfg.Backends.Tracepoints)

	require.Len(t, cfg.Events, 4)
	assert.Equal(t, "cpu-clock", cfg.Events[0].Name)
	assert.Equal(t, uint64(1000000), cfg.Events[0].Attr.SamplePeriod)
	assert.True(t, cfg.Events[0].Attr.Options.Disabled)
	assert.Equal(t, 65536, cfg.Events[0].BufferBytes)
	assert.Equal(t, "cpu", cfg.Events[0].Scope, "scope defaults to cpu")
	assert.Equal(t, "instructions", cfg.Events[2].Group)
	assert.Equal(t, "task", cfg.Events[3].Scope)

	assert.Equal(t, 8, cfg.Workload.Tasks)
	assert.Equal(t, 10, cfg.Workload.ForkEvery)

	assert.True(t, cfg.Sinks.Archive.Enabled)
	assert.Equal(t, "gzip", cfg.Sinks.Archive.Compression)

	assert.Equal(t, ":9091", cfg.Health.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.SnapshotInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.DrainInterval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "log_level: [unterminated")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Backends.Slotted = []SlottedBackendConfig{
			{Name: "pmu", Slots: 4},
		}

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name: "zero workload tasks",
			mutate: func(c *Config) {
				c.Workload.Tasks = 0
			},
			wantErr: "workload.tasks must be positive",
		},
		{
			name: "zero switch interval",
			mutate: func(c *Config) {
				c.Workload.SwitchInterval = 0
			},
			wantErr: "workload.switch_interval must be positive",
		},
		{
			name: "slotted backend without name",
			mutate: func(c *Config) {
				c.Backends.Slotted = []SlottedBackendConfig{{Slots: 2}}
			},
			wantErr: "slotted backend name is required",
		},
		{
			name: "slotted backend shadows software",
			mutate: func(c *Config) {
				c.Backends.Slotted = []SlottedBackendConfig{
					{Name: "software", Slots: 2},
				}
			},
			wantErr: `duplicate backend name "software"`,
		},
		{
			name: "slotted backend without slots",
			mutate: func(c *Config) {
				c.Backends.Slotted = []SlottedBackendConfig{
					{Name: "pmu", Slots: 0},
				}
			},
			wantErr: "slots must be positive",
		},
		{
			name: "event without name",
			mutate: func(c *Config) {
				c.Events = []EventConfig{{}}
			},
			wantErr: "name is required",
		},
		{
			name: "duplicate event name",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("software")},
					{Name: "a", Attr: attrFor("software")},
				}
			},
			wantErr: `duplicate event name "a"`,
		},
		{
			name: "bad scope",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("software"), Scope: "thread"},
				}
			},
			wantErr: "scope must be cpu or task",
		},
		{
			name: "unknown backend",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("hardware")},
				}
			},
			wantErr: `unknown backend "hardware"`,
		},
		{
			name: "tracepoint backend needs points",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("tracepoint")},
				}
			},
			wantErr: `unknown backend "tracepoint"`,
		},
		{
			name: "cpu out of range",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("software"), CPU: 4},
				}
			},
			wantErr: "cpu 4 out of range",
		},
		{
			name: "group leader not defined earlier",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("pmu"), Group: "b"},
					{Name: "b", Attr: attrFor("pmu")},
				}
			},
			wantErr: `group leader "b" not defined earlier`,
		},
		{
			name: "group leader on a different target",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("pmu"), CPU: 0},
					{Name: "b", Attr: attrFor("pmu"), CPU: 1, Group: "a"},
				}
			},
			wantErr: "different target",
		},
		{
			name: "grouped per-cpu event",
			mutate: func(c *Config) {
				c.Events = []EventConfig{
					{Name: "a", Attr: attrFor("pmu"), CPU: -1},
					{Name: "b", Attr: attrFor("pmu"), CPU: -1, Group: "a"},
				}
			},
			wantErr: "grouped events need a fixed cpu",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateDefaultsScopeAndIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotInterval = 0
	cfg.DrainInterval = 0
	cfg.Events = []EventConfig{
		{Name: "clock", Attr: attrFor("software")},
	}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "cpu", cfg.Events[0].Scope)
	assert.Equal(t, time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.DrainInterval)
}
