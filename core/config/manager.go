package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/SPINLab/mrgcn/core/dataset"
	coreerrors "github.com/SPINLab/mrgcn/core/errors"
	"github.com/SPINLab/mrgcn/core/rgcn"
)

type Manager struct {
	config    atomic.Pointer[Config]
	paths     []string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
}

type Config struct {
	Name  string      `yaml:"name" toml:"name"`
	Graph GraphConfig `yaml:"graph" toml:"graph"`
	Task  TaskConfig  `yaml:"task" toml:"task"`
	Model ModelConfig `yaml:"model" toml:"model"`
}

type GraphConfig struct {
	File             string `yaml:"file" toml:"file"`
	TargetRelation   string `yaml:"target_relation" toml:"target_relation"`
	InverseRelations bool   `yaml:"inverse_relations" toml:"inverse_relations"`
}

type TaskConfig struct {
	DatasetRatio []float64 `yaml:"dataset_ratio" toml:"dataset_ratio"`
	Seed         int64     `yaml:"seed" toml:"seed"`
}

type ModelConfig struct {
	Epoch           int           `yaml:"epoch" toml:"epoch"`
	LearningRate    float64       `yaml:"learning_rate" toml:"learning_rate"`
	Loss            string        `yaml:"loss" toml:"loss"`
	EvalEvery       int           `yaml:"eval_every" toml:"eval_every"`
	CheckpointEvery int           `yaml:"checkpoint_every" toml:"checkpoint_every"`
	HaltOnNonFinite bool          `yaml:"halt_on_nonfinite" toml:"halt_on_nonfinite"`
	Workers         int           `yaml:"workers" toml:"workers"`
	Seed            int64         `yaml:"seed" toml:"seed"`
	Layers          []LayerConfig `yaml:"layers" toml:"layers"`
}

// LayerConfig describes one graph convolution. HiddenNodes is ignored on the
// final layer, whose width is the number of classes.
type LayerConfig struct {
	HiddenNodes int     `yaml:"hidden_nodes" toml:"hidden_nodes"`
	NumBases    int     `yaml:"num_bases" toml:"num_bases"`
	Featureless bool    `yaml:"featureless" toml:"featureless"`
	Activation  string  `yaml:"activation" toml:"activation"`
	Dropout     float64 `yaml:"dropout" toml:"dropout"`
	L2Norm      float64 `yaml:"l2norm" toml:"l2norm"`
	Bias        bool    `yaml:"bias" toml:"bias"`
}

// NewManager returns a manager holding the defaults. Load applies paths in
// order, later files overriding earlier ones.
func NewManager(paths ...string) *Manager {
	m := &Manager{paths: paths}
	m.config.Store(DefaultConfig())
	return m
}

func DefaultConfig() *Config {
	return &Config{
		Name: "mrgcn",
		Graph: GraphConfig{
			TargetRelation:   "<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>",
			InverseRelations: true,
		},
		Task: TaskConfig{
			DatasetRatio: []float64{0.7, 0.1, 0.2},
			Seed:         42,
		},
		Model: ModelConfig{
			Epoch:        50,
			LearningRate: 0.01,
			Loss:         "categorical_crossentropy",
			EvalEvery:    1,
			Seed:         42,
			Layers: []LayerConfig{
				{
					HiddenNodes: 16,
					NumBases:    -1,
					Featureless: true,
					Activation:  "relu",
					Dropout:     0.5,
					L2Norm:      5e-4,
				},
				{
					NumBases:   -1,
					Activation: "softmax",
				},
			},
		},
	}
}

func (m *Manager) Get() *Config {
	return m.config.Load()
}

// Load rebuilds the configuration from defaults, every configured file and
// MRGCN_* environment variables, validates it and publishes it.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	// A layer list in a file replaces the default architecture outright.
	defaultLayers := cfg.Model.Layers
	cfg.Model.Layers = nil
	for _, path := range m.paths {
		if err := loadFile(path, cfg); err != nil {
			return err
		}
	}
	if len(cfg.Model.Layers) == 0 {
		cfg.Model.Layers = defaultLayers
	}

	if err := applyEnvironment(cfg); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	m.config.Store(cfg)
	m.notifyWatchers(cfg)

	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return coreerrors.Newf(coreerrors.ErrUnreadablePath, "config", "%s: %v", path, err)
	}

	// Unknown keys are rejected.
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err = dec.Decode(cfg); errors.Is(err, io.EOF) {
			err = nil
		}
	default:
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "%s: unsupported format, want .toml, .yaml or .yml", path)
	}
	if err != nil {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "%s: %v", path, err)
	}
	return nil
}

// applyEnvironment overrides settings from MRGCN_* variables. A value that
// does not parse completely is a configuration error.
func applyEnvironment(cfg *Config) error {
	if v := os.Getenv("MRGCN_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("MRGCN_GRAPH_FILE"); v != "" {
		cfg.Graph.File = v
	}
	if err := envInt64("MRGCN_TASK_SEED", &cfg.Task.Seed); err != nil {
		return err
	}
	if err := envInt("MRGCN_MODEL_EPOCH", &cfg.Model.Epoch); err != nil {
		return err
	}
	if err := envFloat("MRGCN_MODEL_LEARNING_RATE", &cfg.Model.LearningRate); err != nil {
		return err
	}
	if err := envInt("MRGCN_MODEL_WORKERS", &cfg.Model.Workers); err != nil {
		return err
	}
	if err := envInt64("MRGCN_MODEL_SEED", &cfg.Model.Seed); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("MRGCN_MODEL_HALT_ON_NONFINITE"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return envError("MRGCN_MODEL_HALT_ON_NONFINITE", v, err)
		}
		cfg.Model.HaltOnNonFinite = b
	}
	return nil
}

// Validate checks every setting that can be checked without the data.
func (c *Config) Validate() error {
	if len(c.Task.DatasetRatio) != 3 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "task.dataset_ratio needs 3 values, got %d", len(c.Task.DatasetRatio))
	}
	if err := dataset.ValidateRatios(c.Ratios()); err != nil {
		return err
	}

	m := c.Model
	if m.Epoch < 1 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.epoch must be positive, got %d", m.Epoch)
	}
	if m.LearningRate <= 0 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.learning_rate must be positive, got %g", m.LearningRate)
	}
	if _, err := rgcn.ParseLoss(m.Loss); err != nil {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.loss: %v", err)
	}
	if m.EvalEvery < 0 || m.CheckpointEvery < 0 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.eval_every and model.checkpoint_every must not be negative")
	}
	if len(m.Layers) < 2 {
		return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers needs at least 2 entries, got %d", len(m.Layers))
	}
	for i, l := range m.Layers {
		if _, err := rgcn.ParseActivation(l.Activation); err != nil {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers[%d].activation: %v", i, err)
		}
		if i < len(m.Layers)-1 && l.HiddenNodes < 1 {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers[%d].hidden_nodes must be positive", i)
		}
		if i > 0 && l.Featureless {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers[%d]: only the first layer may be featureless", i)
		}
		if l.Dropout < 0 || l.Dropout >= 1 {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers[%d].dropout %g outside [0, 1)", i, l.Dropout)
		}
		if l.L2Norm < 0 {
			return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "model.layers[%d].l2norm must not be negative", i)
		}
	}
	return nil
}

// Ratios returns task.dataset_ratio as train, validation and test fractions.
func (c *Config) Ratios() [3]float64 {
	var r [3]float64
	copy(r[:], c.Task.DatasetRatio)
	return r
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return envError(key, v, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return envError(key, v, err)
	}
	*dst = f
	return nil
}

func envError(key, value string, err error) error {
	return coreerrors.Newf(coreerrors.ErrInvalidConfig, "config", "%s=%q: %v", key, value, err)
}
