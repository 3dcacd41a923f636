package igbh

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Dataset size tiers, selecting which slice of the IGB collection to load.
const (
	SizeTiny   = "tiny"
	SizeSmall  = "small"
	SizeMedium = "medium"
	SizeLarge  = "large"
	SizeFull   = "full"
)

// Config carries every option of a training run. It is filled once (by the
// command line binary or a test) and treated as read-only afterwards.
type Config struct {
	// Dataset.
	Path        string // Directory containing the IGB datasets.
	DatasetSize string // One of the Size* tiers.
	NumClasses  int    // 19 or 2983.
	InMemory    bool   // Load node features fully into memory.
	Synthetic   bool   // Generate random node features instead of reading them.

	// Model.
	ModelType string // "rgcn", "rsage" or "rgat".
	ModelPath string // Where to save the best checkpoint.
	ModelSave bool   // Whether to checkpoint on validation improvements.

	// Model and pipeline parameters.
	FanOut         []int // Neighbors sampled per layer, one entry per layer.
	BatchSize      int
	NumWorkers     int // Parallelism of the sampling pipeline, per training worker.
	HiddenChannels int
	LearningRate   float64
	WeightDecay    float64
	Epochs         int
	NumLayers      int
	NumHeads       int // Attention heads, rgat only.
	SchedStepSize  int // Epochs between learning-rate decays.
	SchedGamma     float64

	// Run control.
	LogEvery int   // Evaluate and log every this many epochs.
	Devices  []int // One training worker is spawned per entry.
	Addr     string
	Timeout  time.Duration
	Seed     int64
}

// DefaultConfig returns a Config with the defaults of the training binary.
func DefaultConfig() *Config {
	return &Config{
		DatasetSize:    SizeTiny,
		NumClasses:     19,
		ModelType:      "rgat",
		FanOut:         []int{10, 15},
		BatchSize:      10240,
		NumWorkers:     4,
		HiddenChannels: 128,
		LearningRate:   0.01,
		WeightDecay:    0.001,
		Epochs:         20,
		NumLayers:      2,
		NumHeads:       4,
		SchedStepSize:  25,
		SchedGamma:     0.25,
		LogEvery:       5,
		Devices:        []int{0},
	}
}

// ParseIntList parses comma-separated integers, used for the fan-out and
// device lists.
func ParseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q as a list of integers", s)
		}
		values = append(values, v)
	}
	return values, nil
}

// Validate checks the configuration before anything is loaded or spawned.
// Invalid option values are rejected here, at parse time.
func (cfg *Config) Validate() error {
	switch cfg.DatasetSize {
	case SizeTiny, SizeSmall, SizeMedium, SizeLarge, SizeFull:
	default:
		return errors.Errorf("invalid dataset size %q, valid values are tiny, small, medium, large and full", cfg.DatasetSize)
	}
	if cfg.NumClasses != 19 && cfg.NumClasses != 2983 {
		return errors.Errorf("invalid number of classes %d, valid values are 19 and 2983", cfg.NumClasses)
	}
	switch cfg.ModelType {
	case "rgcn", "rsage":
	case "rgat":
		if cfg.NumHeads <= 0 {
			return errors.Errorf("rgat requires a positive number of heads, got %d", cfg.NumHeads)
		}
		if cfg.HiddenChannels%cfg.NumHeads != 0 {
			return errors.Errorf("rgat requires hidden channels (%d) divisible by the number of heads (%d)",
				cfg.HiddenChannels, cfg.NumHeads)
		}
	default:
		return errors.Errorf("invalid model type %q, valid values are rgcn, rsage and rgat", cfg.ModelType)
	}
	if len(cfg.FanOut) == 0 {
		return errors.New("fan-out must have at least one layer")
	}
	for _, f := range cfg.FanOut {
		if f <= 0 {
			return errors.Errorf("invalid fan-out %v, every layer must sample at least one neighbor", cfg.FanOut)
		}
	}
	if cfg.NumLayers != len(cfg.FanOut) {
		return errors.Errorf("number of layers (%d) must match the fan-out list %v (one entry per layer)",
			cfg.NumLayers, cfg.FanOut)
	}
	if cfg.BatchSize <= 0 {
		return errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.HiddenChannels <= 0 {
		return errors.Errorf("invalid hidden channels %d", cfg.HiddenChannels)
	}
	if cfg.LearningRate <= 0 {
		return errors.Errorf("invalid learning rate %g", cfg.LearningRate)
	}
	if cfg.WeightDecay < 0 {
		return errors.Errorf("invalid weight decay %g", cfg.WeightDecay)
	}
	if cfg.Epochs <= 0 {
		return errors.Errorf("invalid number of epochs %d", cfg.Epochs)
	}
	if cfg.SchedStepSize <= 0 || cfg.SchedGamma <= 0 {
		return errors.Errorf("invalid schedule: step size %d, gamma %g", cfg.SchedStepSize, cfg.SchedGamma)
	}
	if cfg.LogEvery <= 0 {
		return errors.Errorf("invalid log interval %d", cfg.LogEvery)
	}
	if len(cfg.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	if cfg.ModelSave && cfg.ModelPath == "" {
		return errors.New("saving the model requires a model path")
	}
	if cfg.NumWorkers < 0 {
		return errors.Errorf("invalid number of pipeline workers %d", cfg.NumWorkers)
	}
	return nil
}
