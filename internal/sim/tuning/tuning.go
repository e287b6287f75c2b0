package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickDurationMs int `yaml:"tick_duration_ms"`

	History  History  `yaml:"history"`
	Interest Interest `yaml:"interest"`
	Delta    Delta    `yaml:"delta"`
	Predict  Predict  `yaml:"prediction"`
	RTT      RTT      `yaml:"rtt"`

	FanoutWorkers int `yaml:"fanout_workers"`

	RateLimits RateLimits `yaml:"rate_limits"`

	CheckpointEveryVersions int `yaml:"checkpoint_every_versions"`
}

type History struct {
	Window int `yaml:"window"`
	// StalenessVersions forces a snapshot once a client lags this far behind.
	StalenessVersions int `yaml:"staleness_versions"`
	// SnapshotEveryVersions forces a periodic snapshot.
	SnapshotEveryVersions int `yaml:"snapshot_every_versions"`
}

type Interest struct {
	DefaultRadius float64 `yaml:"default_radius"`
	PriorityScale float64 `yaml:"priority_scale"`
	ZoneSize      float64 `yaml:"zone_size"`
	MaxEntities   int     `yaml:"max_entities"`
}

type Delta struct {
	Codec    string `yaml:"codec"`
	MaxBytes int    `yaml:"max_bytes"`
}

type Predict struct {
	DivergenceThreshold float64 `yaml:"divergence_threshold"`
	MaxSpeed            float64 `yaml:"max_speed"`
}

type RTT struct {
	Alpha float64 `yaml:"alpha"`
	Beta  float64 `yaml:"beta"`
}

type RateLimits struct {
	InputsPerSecond float64 `yaml:"inputs_per_second"`
	InputBurst      int     `yaml:"input_burst"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		TickDurationMs:  50,
		History: History{
			Window:                100,
			StalenessVersions:     30,
			SnapshotEveryVersions: 60,
		},
		Interest: Interest{
			DefaultRadius: 5000,
			PriorityScale: 1.5,
			ZoneSize:      750,
			MaxEntities:   2048,
		},
		Delta: Delta{
			Codec:    "zstd",
			MaxBytes: 4096,
		},
		Predict: Predict{
			DivergenceThreshold: 0.5,
			MaxSpeed:            20,
		},
		RTT: RTT{
			Alpha: 0.875,
			Beta:  0.75,
		},
		FanoutWorkers: 8,
		RateLimits: RateLimits{
			InputsPerSecond: 60,
			InputBurst:      30,
		},
		CheckpointEveryVersions: 1200,
	}
}

func (t Tuning) TickDuration() time.Duration {
	return time.Duration(t.TickDurationMs) * time.Millisecond
}

func (t Tuning) Validate() error {
	switch {
	case t.TickDurationMs <= 0:
		return fmt.Errorf("tick_duration_ms must be > 0")
	case t.History.Window <= 0:
		return fmt.Errorf("history.window must be > 0")
	case t.History.StalenessVersions <= 0:
		return fmt.Errorf("history.staleness_versions must be > 0")
	case t.History.SnapshotEveryVersions <= 0:
		return fmt.Errorf("history.snapshot_every_versions must be > 0")
	case t.Interest.DefaultRadius <= 0:
		return fmt.Errorf("interest.default_radius must be > 0")
	case t.Interest.PriorityScale < 1:
		return fmt.Errorf("interest.priority_scale must be >= 1")
	case t.Interest.ZoneSize <= 0:
		return fmt.Errorf("interest.zone_size must be > 0")
	case t.Interest.MaxEntities < 0:
		return fmt.Errorf("interest.max_entities must be >= 0")
	case t.Delta.MaxBytes <= 0:
		return fmt.Errorf("delta.max_bytes must be > 0")
	case t.Predict.DivergenceThreshold <= 0:
		return fmt.Errorf("prediction.divergence_threshold must be > 0")
	case t.Predict.MaxSpeed <= 0:
		return fmt.Errorf("prediction.max_speed must be > 0")
	case t.RTT.Alpha <= 0 || t.RTT.Alpha >= 1:
		return fmt.Errorf("rtt.alpha must be in (0,1)")
	case t.RTT.Beta <= 0 || t.RTT.Beta >= 1:
		return fmt.Errorf("rtt.beta must be in (0,1)")
	case t.FanoutWorkers <= 0:
		return fmt.Errorf("fanout_workers must be > 0")
	case t.RateLimits.InputsPerSecond < 0 || t.RateLimits.InputBurst < 0:
		return fmt.Errorf("rate_limits must be >= 0")
	case t.CheckpointEveryVersions < 0:
		return fmt.Errorf("checkpoint_every_versions must be >= 0")
	}
	return nil
}

// Load overlays the file onto Defaults. Keys absent from the file keep their
// default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
