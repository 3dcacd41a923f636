package igbh

import (
	"fmt"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"k8s.io/klog/v2"
)

// SyntheticFeatureDim is the dimension of generated paper features, matching
// the embedding dimension of the released datasets.
const SyntheticFeatureDim = 1024

// Load reads the IGB heterogeneous graph selected by the configuration from
// `<path>/<size>/processed/`: node features per type, paper labels, the four
// edge index files, and builds the 60/20/20 split masks over the papers.
//
// With cfg.Synthetic the paper features are generated at random instead of
// read from disk. cfg.InMemory is accepted for compatibility: this loader
// always materializes the tensors it reads.
func Load(cfg *Config) (*HeteroGraph, error) {
	dir := filepath.Join(cfg.Path, cfg.DatasetSize, "processed")
	if _, err := os.Stat(dir); err != nil {
		return nil, errors.Wrapf(err, "dataset directory %q", dir)
	}
	start := time.Now()

	labelFile := "node_label_19.npy"
	if cfg.NumClasses == 2983 {
		labelFile = "node_label_2K.npy"
	}
	labels, err := readNpyInt32(filepath.Join(dir, NodePaper, labelFile))
	if err != nil {
		return nil, err
	}
	numPapers := labels.Shape().Dimensions[0]

	var paperFeatures *tensors.Tensor
	if cfg.Synthetic {
		paperFeatures = syntheticFeatures(numPapers, SyntheticFeatureDim, cfg.Seed)
	} else {
		paperFeatures, err = readNpyFloat32(filepath.Join(dir, NodePaper, "node_feat.npy"))
		if err != nil {
			return nil, err
		}
		if paperFeatures.Shape().Dimensions[0] != numPapers {
			return nil, errors.Errorf("paper features have %d rows but there are %d labels",
				paperFeatures.Shape().Dimensions[0], numPapers)
		}
	}
	features := map[string]*tensors.Tensor{NodePaper: paperFeatures}
	for _, nodeType := range []string{NodeAuthor, NodeInstitute, NodeFoS} {
		features[nodeType], err = readNpyFloat32(filepath.Join(dir, nodeType, "node_feat.npy"))
		if err != nil {
			return nil, err
		}
	}

	edges := make(map[string]*tensors.Tensor, 4)
	for name, file := range map[string]string{
		EdgeCites:        "paper__cites__paper",
		EdgeWrittenBy:    "paper__written_by__author",
		EdgeAffiliatedTo: "author__affiliated_to__institute",
		EdgeTopic:        "paper__topic__fos",
	} {
		edges[name], err = readNpyEdges(filepath.Join(dir, file, "edge_index.npy"))
		if err != nil {
			return nil, err
		}
	}

	g := &HeteroGraph{
		NumClasses: cfg.NumClasses,
		Features:   features,
		Labels:     labels,
		Sampler: newSampler(
			numPapers,
			features[NodeAuthor].Shape().Dimensions[0],
			features[NodeInstitute].Shape().Dimensions[0],
			features[NodeFoS].Shape().Dimensions[0],
			edges[EdgeCites], edges[EdgeWrittenBy], edges[EdgeAffiliatedTo], edges[EdgeTopic]),
	}
	g.TrainMask, g.ValMask, g.TestMask = splitMasks(numPapers)
	if err := g.validateSplits(); err != nil {
		return nil, err
	}
	klog.Infof("Loaded IGB-%s (%s papers, %d classes) in %s",
		cfg.DatasetSize, humanize.Comma(int64(numPapers)), cfg.NumClasses, time.Since(start))
	return g, nil
}

func syntheticFeatures(numNodes, featureDim int, seed int64) *tensors.Tensor {
	rng := mrand.New(mrand.NewPCG(uint64(seed), uint64(numNodes)))
	t := tensors.FromScalarAndDimensions(float32(0), numNodes, featureDim)
	tensors.MustMutableFlatData[float32](t, func(data []float32) {
		for ii := range data {
			data[ii] = float32(rng.Float64())
		}
	})
	return t
}

// readNpyFloat32 reads a 2D float32 array.
func readNpyFloat32(path string) (*tensors.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading npy header of %q", path)
	}
	shape := r.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, errors.Errorf("%q: expected a 2D array, got shape %v", path, shape)
	}
	var data []float32
	if err := r.Read(&data); err != nil {
		return nil, errors.Wrapf(err, "reading float32 data of %q", path)
	}
	t := tensors.FromScalarAndDimensions(float32(0), shape...)
	tensors.MustMutableFlatData[float32](t, func(flat []float32) {
		copy(flat, data)
	})
	return t, nil
}

// readNpyInt32 reads a 1D integer array of any width into an int32 tensor.
func readNpyInt32(path string) (*tensors.Tensor, error) {
	data, shape, err := readIntsAnyWidth(path)
	if err != nil {
		return nil, err
	}
	if len(shape) == 2 && shape[1] == 1 {
		shape = shape[:1]
	}
	if len(shape) != 1 {
		return nil, errors.Errorf("%q: expected a 1D array, got shape %v", path, shape)
	}
	t := tensors.FromScalarAndDimensions(int32(0), shape...)
	tensors.MustMutableFlatData[int32](t, func(flat []int32) {
		copy(flat, data)
	})
	return t, nil
}

// readNpyEdges reads an edge index file, accepting both the [numEdges, 2]
// and the transposed [2, numEdges] layouts.
func readNpyEdges(path string) (*tensors.Tensor, error) {
	data, shape, err := readIntsAnyWidth(path)
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 || (shape[0] != 2 && shape[1] != 2) {
		return nil, errors.Errorf("%q: expected an edge index shaped [N, 2] or [2, N], got %v", path, shape)
	}
	numEdges := shape[0]
	transposed := false
	if shape[1] != 2 {
		numEdges = shape[1]
		transposed = true
	}
	t := tensors.FromScalarAndDimensions(int32(0), numEdges, 2)
	tensors.MustMutableFlatData[int32](t, func(flat []int32) {
		if !transposed {
			copy(flat, data)
			return
		}
		for ii := 0; ii < numEdges; ii++ {
			flat[2*ii] = data[ii]
			flat[2*ii+1] = data[numEdges+ii]
		}
	})
	return t, nil
}

// readIntsAnyWidth decodes an integer npy file, whatever the stored width.
func readIntsAnyWidth(path string) ([]int32, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()
	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading npy header of %q", path)
	}
	shape := r.Header.Descr.Shape

	var data []int32
	switch r.Header.Descr.Type {
	case "<i4", "i4":
		if err := r.Read(&data); err != nil {
			return nil, nil, errors.Wrapf(err, "reading int32 data of %q", path)
		}
	case "<i8", "i8":
		var wide []int64
		if err := r.Read(&wide); err != nil {
			return nil, nil, errors.Wrapf(err, "reading int64 data of %q", path)
		}
		data = make([]int32, len(wide))
		for ii, v := range wide {
			data[ii] = int32(v)
		}
	case "<f4", "f4":
		var floats []float32
		if err := r.Read(&floats); err != nil {
			return nil, nil, errors.Wrapf(err, "reading float32 data of %q", path)
		}
		data = make([]int32, len(floats))
		for ii, v := range floats {
			data[ii] = int32(v)
		}
	default:
		return nil, nil, errors.Errorf("%q: unsupported npy dtype %q for integer data",
			path, r.Header.Descr.Type)
	}
	return data, shape, nil
}

// String describes the graph, one line per node and edge type.
func (g *HeteroGraph) String() string {
	return fmt.Sprintf("IGB-H graph: %s papers (%d classes), %s authors, %s institutes, %s fields of study\n%s",
		humanize.Comma(int64(g.NumNodes(NodePaper))), g.NumClasses,
		humanize.Comma(int64(g.NumNodes(NodeAuthor))),
		humanize.Comma(int64(g.NumNodes(NodeInstitute))),
		humanize.Comma(int64(g.NumNodes(NodeFoS))),
		g.Sampler)
}
