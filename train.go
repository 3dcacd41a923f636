package igbh

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/igbh/distributed"
	"github.com/gomlx/igbh/sampler"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Run loads the dataset selected by the configuration and trains on it.
func Run(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g, err := Load(cfg)
	if err != nil {
		return err
	}
	return Train(cfg, g)
}

// Train runs data-parallel training over the graph: one worker goroutine per
// configured device, each sampling its own share of the training batches, with
// gradients averaged across the workers after every step.
//
// Every `LogEvery` epochs the leader (rank 0) evaluates on the validation
// papers and logs one line; strict improvements of the validation accuracy
// checkpoint the model when configured. After the last epoch the leader
// evaluates on the test papers.
func Train(cfg *Config, g *HeteroGraph) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	addr := cfg.Addr
	if addr == "" {
		addr = distributed.DefaultAddr
	}
	world := len(cfg.Devices)
	// The sampler is shared read-only by all workers: freeze it up front so
	// their strategy creations never write to it.
	g.Sampler.Freeze()
	start := time.Now()
	var group errgroup.Group
	for rank := range world {
		group.Go(func() error {
			w := &worker{cfg: cfg, graph: g, rank: rank, world: world, addr: addr, start: start}
			return w.run()
		})
	}
	return group.Wait()
}

// worker trains on one device: it owns a backend, a context replica and its
// partition of the training batches. Replicas stay bit-identical because they
// initialize variables from the same seed and then always apply the same
// averaged gradients.
type worker struct {
	cfg         *Config
	graph       *HeteroGraph
	rank, world int
	addr        string
	start       time.Time

	backend   backends.Backend
	ctx       *context.Context
	peers     *distributed.Group
	optimizer optimizers.Interface
	lrVar     *context.Variable

	trainStrategy *sampler.Strategy
	gradExec      *context.Exec
	applyExec     *context.Exec

	checkpoint   *checkpoints.Handler
	bestAccuracy float64
}

func (w *worker) run() error {
	var err error
	w.peers, err = distributed.Join(
		distributed.Config{Addr: w.addr, World: w.world, Timeout: w.cfg.Timeout}, w.rank)
	if err != nil {
		return err
	}
	defer w.peers.Close()
	klog.V(1).Infof("worker %d of %d joined %s", w.rank, w.world, w.addr)

	var trainErr error
	err = exceptions.TryCatch[error](func() { trainErr = w.train() })
	if err != nil {
		return errors.WithMessagef(err, "worker %d", w.rank)
	}
	return trainErr
}

func (w *worker) setup() {
	w.backend = backends.New()
	w.ctx = context.New()
	w.ctx.RngStateFromSeed(w.cfg.Seed)
	w.ctx.SetParams(map[string]any{
		ParamModelType:              w.cfg.ModelType,
		ParamHiddenChannels:         w.cfg.HiddenChannels,
		ParamNumLayers:              w.cfg.NumLayers,
		ParamNumHeads:               w.cfg.NumHeads,
		ParamNumClasses:             w.graph.NumClasses,
		activations.ParamActivation: "relu",
		layers.ParamDropoutRate:     0.2,
	})
	UploadGraphVariables(w.ctx, w.graph)
	w.lrVar = optimizers.LearningRateVar(w.ctx, dtypes.Float32, w.cfg.LearningRate)
	w.optimizer = optimizers.Adam().WeightDecay(w.cfg.WeightDecay).Done()

	w.trainStrategy = w.graph.NewStrategy(w.cfg.BatchSize, w.cfg.FanOut, w.graph.TrainIDs())
	w.gradExec = context.MustNewExec(w.backend, w.ctx, w.gradStepGraph)
	w.applyExec = context.MustNewExec(w.backend, w.ctx, w.applyGradsGraph)

	if w.cfg.ModelSave {
		// Every worker attaches to the checkpoint directory so a resumed run
		// restores identical weights everywhere; only the leader saves.
		var frozen []*context.Variable
		w.ctx.InAbsPath(GraphVariablesScope).EnumerateVariablesInScope(func(v *context.Variable) {
			frozen = append(frozen, v)
		})
		handler, err := checkpoints.Build(w.ctx).
			Dir(w.cfg.ModelPath).Keep(1).ExcludeVars(frozen...).Done()
		if err != nil {
			panic(errors.WithMessagef(err, "attaching checkpoint at %q", w.cfg.ModelPath))
		}
		w.checkpoint = handler
	}
}

func (w *worker) train() error {
	w.setup()
	cfg := w.cfg
	leader := w.rank == 0

	trainBase := w.trainStrategy.NewDataset("train").
		Shuffle().WithSeed(cfg.Seed).Partition(w.rank, w.world)
	numLocalBatches := trainBase.NumBatchesPerEpoch()
	totalBatches := (len(w.graph.TrainIDs()) + cfg.BatchSize - 1) / cfg.BatchSize
	var trainDS train.Dataset = attachLabels(trainBase, w.graph)
	if cfg.NumWorkers > 0 {
		trainDS = datasets.CustomParallel(trainDS).
			Parallelism(cfg.NumWorkers).Buffer(cfg.NumWorkers).Start()
	}
	trainDS = datasets.Freeing(trainDS)

	var valEval *evaluator
	if leader {
		valEval = w.newEvaluator("validation", w.graph.ValIDs())
	}

	schedule := StepLR{Initial: cfg.LearningRate, StepSize: cfg.SchedStepSize, Gamma: cfg.SchedGamma}
	printedModelSize := false
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		epochStart := time.Now()
		if err := w.lrVar.SetValue(tensors.FromValue(float32(schedule.At(epoch)))); err != nil {
			return err
		}
		if epoch > 0 {
			trainDS.Reset()
		}

		var bar *progressbar.ProgressBar
		if leader {
			bar = progressbar.NewOptions(numLocalBatches,
				progressbar.OptionSetDescription(fmt.Sprintf("epoch %d", epoch)),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish())
		}
		batchLosses := make([]float64, 0, numLocalBatches)
		batchAccuracies := make([]float64, 0, numLocalBatches)
		memSamples := make([]float64, 0, numLocalBatches)
		for step := 0; ; step++ {
			_, inputs, labels, err := trainDS.Yield()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			loss, accuracy, err := w.trainStep(epoch, step, totalBatches, inputs, labels)
			if err != nil {
				return errors.WithMessagef(err, "training step %d of epoch %d", step, epoch)
			}
			if leader && !printedModelSize {
				fmt.Printf("model size: %.3fMB\n", float64(ParameterBytes(w.ctx))/(1024*1024))
				printedModelSize = true
			}
			batchLosses = append(batchLosses, loss)
			batchAccuracies = append(batchAccuracies, accuracy)
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			memSamples = append(memSamples, float64(memStats.HeapAlloc)/(1024*1024))
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}

		if leader && epoch%cfg.LogEvery == 0 {
			valAccuracy, err := valEval.accuracy()
			if err != nil {
				return err
			}
			if w.recordValidation(valAccuracy) && cfg.ModelSave {
				if err := w.checkpoint.Save(); err != nil {
					return errors.WithMessagef(err, "saving checkpoint to %q", cfg.ModelPath)
				}
			}
			fmt.Printf("Epoch %03d | Loss %.4f | Train Acc %.2f | Val Acc %.2f | Time %s | Mem %.1f MB\n",
				epoch, floats.Sum(batchLosses), stat.Mean(batchAccuracies, nil), valAccuracy,
				time.Since(epochStart).Round(time.Millisecond), stat.Mean(memSamples, nil))
		}
		if err := w.peers.Barrier(); err != nil {
			return err
		}
	}
	if paramsInspector != nil {
		paramsInspector(w.rank, trainableParams(w.ctx))
	}

	if leader {
		testAccuracy, err := w.newEvaluator("test", w.graph.TestIDs()).accuracy()
		if err != nil {
			return err
		}
		fmt.Printf("Test Acc %.2f%%\n", testAccuracy)
		fmt.Printf("Total time taken %s\n", time.Since(w.start).Round(time.Millisecond))
	}
	return nil
}

// recordValidation tracks the best validation accuracy seen so far and
// reports whether this evaluation strictly improved on it. Ties keep the
// earlier best.
func (w *worker) recordValidation(valAccuracy float64) bool {
	if valAccuracy <= w.bestAccuracy {
		return false
	}
	w.bestAccuracy = valAccuracy
	return true
}

// trainStep runs one gradient computation, averages the gradients with the
// peers that also own a batch at this step, and applies the averaged
// gradients. It returns the local batch loss and accuracy.
func (w *worker) trainStep(epoch, step, totalBatches int, inputs, labels []*tensors.Tensor) (loss, accuracy float64, err error) {
	args := make([]any, 0, len(inputs)+1)
	for _, t := range inputs {
		args = append(args, t)
	}
	args = append(args, labels[0])
	outputs, err := w.gradExec.Exec(args...)
	if err != nil {
		return 0, 0, err
	}
	loss = float64(outputs[0].Value().(float32))
	accuracy = float64(outputs[1].Value().(float32))
	grads := outputs[2:]

	flat := flattenGrads(grads)
	reduced, err := w.peers.AllReduceMean(
		fmt.Sprintf("grads/e%d/s%d", epoch, step), flat,
		participantsAt(totalBatches, w.world, step))
	if err != nil {
		return 0, 0, err
	}
	if _, err := w.applyExec.Exec(unflattenGrads(reduced, grads)...); err != nil {
		return 0, 0, err
	}
	return loss, accuracy, nil
}

// gradStepGraph builds the forward pass, the masked loss and accuracy, and
// the gradients of the loss. The last input is the labels tensor, everything
// before it is the sampled subgraph.
func (w *worker) gradStepGraph(ctx *context.Context, inputsAndLabels []*Node) []*Node {
	g := inputsAndLabels[0].Graph()
	ctx.SetTraining(g, true)
	labels := inputsAndLabels[len(inputsAndLabels)-1]
	outputs := ModelGraph(ctx, w.trainStrategy, inputsAndLabels[:len(inputsAndLabels)-1])
	logits, mask := outputs[0], outputs[1]

	perExample := losses.SparseCategoricalCrossEntropyLogits([]*Node{labels, mask}, []*Node{logits})
	loss := MaskedReduceAllMean(perExample, mask)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)

	predictions := ArgMax(logits, -1, dtypes.Int32)
	correct := ConvertDType(Equal(predictions, Squeeze(labels, -1)), dtypes.Float32)
	accuracy := MulScalar(MaskedReduceAllMean(correct, mask), 100)
	return append([]*Node{loss, accuracy}, grads...)
}

// applyGradsGraph feeds externally averaged gradients to the optimizer. Every
// trainable variable is materialized in the graph first, so the optimizer
// walks the variables in the same order the gradients were built in.
func (w *worker) applyGradsGraph(ctx *context.Context, grads []*Node) []*Node {
	g := grads[0].Graph()
	for v := range ctx.IterVariables() {
		if v.Trainable {
			_ = v.ValueGraph(g)
		}
	}
	w.optimizer.UpdateGraphWithGradients(ctx, grads, dtypes.Float32)
	return []*Node{optimizers.GetGlobalStepVar(ctx).ValueGraph(g)}
}

// paramsInspector, when set, receives every worker's flattened trainable
// parameters after the last epoch, before the group is torn down. Tests use
// it to check the replicas stayed identical; it must be safe for concurrent
// calls.
var paramsInspector func(rank int, params []float32)

// trainableParams flattens every trainable variable of the context, in
// enumeration order. Replicas built from the same seed enumerate their
// variables in the same order.
func trainableParams(ctx *context.Context) []float32 {
	var flat []float32
	for v := range ctx.IterVariables() {
		if !v.Trainable {
			continue
		}
		flat = append(flat, tensors.MustCopyFlatData[float32](v.MustValue())...)
	}
	return flat
}

// participantsAt returns the ranks that own a batch at the given step of an
// epoch with totalBatches batches striped round-robin over world ranks. Rank
// 0 owns at least as many batches as any other rank, so it always takes part.
func participantsAt(totalBatches, world, step int) []int {
	ranks := make([]int, 0, world)
	for rank := 0; rank < world; rank++ {
		count := totalBatches / world
		if totalBatches%world > rank {
			count++
		}
		if step < count {
			ranks = append(ranks, rank)
		}
	}
	return ranks
}

func flattenGrads(grads []*tensors.Tensor) []float32 {
	var total int
	for _, g := range grads {
		total += g.Shape().Size()
	}
	flat := make([]float32, 0, total)
	for _, g := range grads {
		tensors.MustConstFlatData[float32](g, func(data []float32) {
			flat = append(flat, data...)
		})
	}
	return flat
}

// unflattenGrads rebuilds gradient tensors from the flattened averaged
// values, shaped like the original gradients, as arguments for applyExec.
func unflattenGrads(flat []float32, like []*tensors.Tensor) []any {
	args := make([]any, len(like))
	pos := 0
	for ii, g := range like {
		t := tensors.FromScalarAndDimensions(float32(0), g.Shape().Dimensions...)
		n := g.Shape().Size()
		tensors.MustMutableFlatData[float32](t, func(data []float32) {
			copy(data, flat[pos:pos+n])
		})
		pos += n
		args[ii] = t
	}
	return args
}

// withLabels wraps a sampling dataset and attaches the label of every sampled
// seed paper, shaped (Int32)[batchSize, 1]. Padded seeds get label 0, they
// are excluded from the loss by the seed mask.
type withLabels struct {
	ds     train.Dataset
	labels []int32
}

func attachLabels(ds train.Dataset, g *HeteroGraph) *withLabels {
	return &withLabels{ds: ds, labels: tensors.MustCopyFlatData[int32](g.Labels)}
}

func (w *withLabels) Name() string { return w.ds.Name() }
func (w *withLabels) Reset()       { w.ds.Reset() }

func (w *withLabels) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, _, err = w.ds.Yield()
	if err != nil {
		return
	}
	seeds := inputs[0]
	batchSize := seeds.Shape().Dimensions[0]
	batchLabels := tensors.FromScalarAndDimensions(int32(0), batchSize, 1)
	tensors.MustConstFlatData[int32](seeds, func(seedIndices []int32) {
		tensors.MustMutableFlatData[int32](batchLabels, func(flat []int32) {
			for ii, seed := range seedIndices {
				flat[ii] = w.labels[seed]
			}
		})
	})
	labels = []*tensors.Tensor{batchLabels}
	return
}

// evaluator computes the accuracy over a full split, in a fixed traversal
// order, with padded seeds skipped.
type evaluator struct {
	exec *context.Exec
	ds   train.Dataset
}

func (w *worker) newEvaluator(name string, seedIDs []int32) *evaluator {
	strategy := w.graph.NewStrategy(w.cfg.BatchSize, w.cfg.FanOut, seedIDs)
	exec := context.MustNewExec(w.backend, w.ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, false)
		outputs := ModelGraph(ctx, strategy, inputs)
		return []*Node{ArgMax(outputs[0], -1, dtypes.Int32), outputs[1]}
	})
	return &evaluator{
		exec: exec,
		ds:   attachLabels(strategy.NewDataset(name), w.graph),
	}
}

func (e *evaluator) accuracy() (float64, error) {
	e.ds.Reset()
	var correct, total float64
	for {
		_, inputs, labels, err := e.ds.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		args := make([]any, 0, len(inputs))
		for _, t := range inputs {
			args = append(args, t)
		}
		outputs, err := e.exec.Exec(args...)
		if err != nil {
			return 0, err
		}
		tensors.MustConstFlatData[int32](outputs[0], func(predictions []int32) {
			tensors.MustConstFlatData[bool](outputs[1], func(valid []bool) {
				tensors.MustConstFlatData[int32](labels[0], func(wanted []int32) {
					for ii := range predictions {
						if !valid[ii] {
							continue
						}
						total++
						if predictions[ii] == wanted[ii] {
							correct++
						}
					}
				})
			})
		})
	}
	if total == 0 {
		return 0, nil
	}
	return 100 * correct / total, nil
}
