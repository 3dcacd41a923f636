package igbh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"bad dataset size", func(cfg *Config) { cfg.DatasetSize = "huge" }},
		{"bad number of classes", func(cfg *Config) { cfg.NumClasses = 100 }},
		{"bad model type", func(cfg *Config) { cfg.ModelType = "gcn" }},
		{"rgat without heads", func(cfg *Config) { cfg.NumHeads = 0 }},
		{"hidden not divisible by heads", func(cfg *Config) { cfg.NumHeads = 3 }},
		{"empty fan-out", func(cfg *Config) { cfg.FanOut = nil }},
		{"non-positive fan-out", func(cfg *Config) { cfg.FanOut = []int{10, 0} }},
		{"layers don't match fan-out", func(cfg *Config) { cfg.NumLayers = 3 }},
		{"bad batch size", func(cfg *Config) { cfg.BatchSize = 0 }},
		{"bad learning rate", func(cfg *Config) { cfg.LearningRate = 0 }},
		{"negative weight decay", func(cfg *Config) { cfg.WeightDecay = -1 }},
		{"bad epochs", func(cfg *Config) { cfg.Epochs = 0 }},
		{"bad schedule", func(cfg *Config) { cfg.SchedGamma = 0 }},
		{"bad log interval", func(cfg *Config) { cfg.LogEvery = 0 }},
		{"no devices", func(cfg *Config) { cfg.Devices = nil }},
		{"saving without a path", func(cfg *Config) { cfg.ModelSave = true }},
		{"negative pipeline workers", func(cfg *Config) { cfg.NumWorkers = -1 }},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := DefaultConfig()
			testCase.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseIntList(t *testing.T) {
	values, err := ParseIntList("10,15")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 15}, values)

	values, err = ParseIntList(" 0, 1 ,2")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, values)

	_, err = ParseIntList("10,abc")
	assert.Error(t, err)
}
