// igbh-train trains a relational GNN (rgcn, rsage or rgat) on one of the IGB
// heterogeneous datasets, optionally with several data-parallel workers.
//
// Example, training RGAT on IGB-tiny with two workers:
//
//	igbh-train --path=~/data/igb --dataset_size=tiny --model_type=rgat --devices=0,1
package main

import (
	"flag"
	"time"

	"github.com/gomlx/igbh"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagPath        = flag.String("path", ".", "Directory containing the IGB datasets.")
	flagDatasetSize = flag.String("dataset_size", igbh.SizeTiny, "Dataset size: tiny, small, medium, large or full.")
	flagNumClasses  = flag.Int("num_classes", 19, "Number of paper classes: 19 or 2983.")
	flagInMemory    = flag.Bool("in_memory", true, "Load node features fully into memory.")
	flagSynthetic   = flag.Bool("synthetic", false, "Generate random paper features instead of reading them.")

	flagModelType = flag.String("model_type", "rgat", "Model: rgcn, rsage or rgat.")
	flagModelPath = flag.String("modelpath", "", "Directory where the best checkpoint is kept.")
	flagModelSave = flag.Bool("model_save", false, "Checkpoint the model on validation accuracy improvements.")

	flagFanOut         = flag.String("fan_out", "10,15", "Neighbors sampled per layer, comma-separated.")
	flagBatchSize      = flag.Int("batch_size", 10240, "Seed papers per batch.")
	flagNumWorkers     = flag.Int("num_workers", 4, "Parallelism of the sampling pipeline, per training worker.")
	flagHiddenChannels = flag.Int("hidden_channels", 128, "Hidden layer width.")
	flagLearningRate   = flag.Float64("learning_rate", 0.01, "Initial learning rate.")
	flagDecay          = flag.Float64("decay", 0.001, "Weight decay.")
	flagEpochs         = flag.Int("epochs", 20, "Training epochs.")
	flagNumLayers      = flag.Int("num_layers", 2, "Graph convolution layers, must match the fan-out list.")
	flagNumHeads       = flag.Int("num_heads", 4, "Attention heads, rgat only.")
	flagStepSize       = flag.Int("sched_stepsize", 25, "Epochs between learning rate decays.")
	flagGamma          = flag.Float64("sched_gamma", 0.25, "Learning rate decay factor.")

	flagLogEvery = flag.Int("log_every", 5, "Evaluate and log every this many epochs.")
	flagDevices  = flag.String("devices", "0", "Devices to train on, comma-separated; one worker per device.")
	flagAddr     = flag.String("addr", "", "Rendezvous address of the worker group.")
	flagTimeout  = flag.Duration("timeout", time.Minute, "Timeout for the workers to join the group.")
	flagSeed     = flag.Int64("seed", 42, "Seed for variable initialization and shuffling.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := &igbh.Config{
		Path:           *flagPath,
		DatasetSize:    *flagDatasetSize,
		NumClasses:     *flagNumClasses,
		InMemory:       *flagInMemory,
		Synthetic:      *flagSynthetic,
		ModelType:      *flagModelType,
		ModelPath:      *flagModelPath,
		ModelSave:      *flagModelSave,
		FanOut:         must.M1(igbh.ParseIntList(*flagFanOut)),
		BatchSize:      *flagBatchSize,
		NumWorkers:     *flagNumWorkers,
		HiddenChannels: *flagHiddenChannels,
		LearningRate:   *flagLearningRate,
		WeightDecay:    *flagDecay,
		Epochs:         *flagEpochs,
		NumLayers:      *flagNumLayers,
		NumHeads:       *flagNumHeads,
		SchedStepSize:  *flagStepSize,
		SchedGamma:     *flagGamma,
		LogEvery:       *flagLogEvery,
		Devices:        must.M1(igbh.ParseIntList(*flagDevices)),
		Addr:           *flagAddr,
		Timeout:        *flagTimeout,
		Seed:           *flagSeed,
	}
	must.M(cfg.Validate())
	must.M(igbh.Run(cfg))
}
