package render

import (
	"encoding/json"
	"fmt"

	"render-scheduler/internal/models"
)

// EngineConfig is the typed form of a job's engine_config object.
type EngineConfig interface {
	Engine() models.Engine
}

// MayaConfig holds Maya batch render options.
type MayaConfig struct {
	Renderer  string   `json:"renderer"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
	FrameStep int      `json:"frame_step"`
	ExtraArgs []string `json:"extra_args"`
}

func (MayaConfig) Engine() models.Engine { return models.EngineMaya }

// UnrealConfig holds Movie Render Queue capture options.
type UnrealConfig struct {
	LevelSequence string   `json:"level_sequence"`
	ResX          int      `json:"res_x"`
	ResY          int      `json:"res_y"`
	Quality       int      `json:"quality"`
	Format        string   `json:"format"`
	NullRHI       *bool    `json:"null_rhi"`
	ExtraArgs     []string `json:"extra_args"`
}

func (UnrealConfig) Engine() models.Engine { return models.EngineUnreal }

// UseNullRHI reports whether -NullRHI is passed. It defaults to true.
func (c UnrealConfig) UseNullRHI() bool {
	return c.NullRHI == nil || *c.NullRHI
}

// DecodeConfig converts the persisted JSON object into the engine's typed config, filling defaults.
func DecodeConfig(engine models.Engine, raw map[string]any) (EngineConfig, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal engine config: %w", err)
	}
	switch engine {
	case models.EngineMaya:
		cfg := MayaConfig{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode maya config: %w", err)
		}
		if cfg.Renderer == "" {
			cfg.Renderer = "arnold"
		}
		if cfg.FrameStep <= 0 {
			cfg.FrameStep = 1
		}
		if cfg.Width < 0 || cfg.Height < 0 {
			return nil, fmt.Errorf("maya resolution must not be negative")
		}
		return cfg, nil
	case models.EngineUnreal:
		cfg := UnrealConfig{}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode unreal config: %w", err)
		}
		if cfg.LevelSequence == "" {
			cfg.LevelSequence = "/Game/Sequences/MasterSequence"
		}
		if cfg.ResX <= 0 {
			cfg.ResX = 1920
		}
		if cfg.ResY <= 0 {
			cfg.ResY = 1080
		}
		if cfg.Quality <= 0 || cfg.Quality > 100 {
			cfg.Quality = 100
		}
		if cfg.Format == "" {
			cfg.Format = "PNG"
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
}
