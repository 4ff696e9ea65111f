// Package generator turns an annotation source into batches of images and
// confidence-map targets for training keypoint networks.
package generator

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Noofbiz/poseKit/augment"
	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrConfig is returned for invalid generator options.
	ErrConfig = errors.New("invalid generator configuration")

	// ErrState is returned for requests the generator cannot serve in its
	// current configuration.
	ErrState = errors.New("invalid generator state")
)

// TargetScale multiplies rendered confidence maps so targets share the
// [0, 255] range of 8-bit images.
const TargetScale = 255.0

// DefaultBatchSize is the batch size a generator starts with before Configure.
const DefaultBatchSize = 32

// Options configures a Generator.
type Options struct {
	// DownsampleFactor shrinks the confidence maps to (H>>f, W>>f).
	DownsampleFactor int

	// UseGraph adds one confidence map per skeleton edge.
	UseGraph bool

	// Augmenter is applied to training batches only.
	Augmenter augment.Augmenter

	// Shuffle randomizes the batch order every epoch.
	Shuffle bool

	// Sigma is the Gaussian width in input pixels, scaled to Sigma/2^f.
	Sigma float64

	// ValidationSplit is the fraction of samples held out, in [0, 1).
	ValidationSplit float64

	// GraphScale multiplies edge channels, in (0, 1].
	GraphScale float64

	// RandomSeed seeds partitioning and shuffling. Zero uses the clock.
	RandomSeed int64
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		DownsampleFactor: 2,
		UseGraph:         true,
		Shuffle:          true,
		Sigma:            5,
		ValidationSplit:  0.1,
		GraphScale:       0.1,
	}
}

func (o Options) validate() error {
	if o.DownsampleFactor < 0 {
		return errors.Wrapf(ErrConfig, "downsample_factor must be >= 0, got %d", o.DownsampleFactor)
	}
	if o.Sigma <= 0 || math.IsNaN(o.Sigma) {
		return errors.Wrapf(ErrConfig, "sigma must be > 0, got %g", o.Sigma)
	}
	if o.ValidationSplit < 0 || o.ValidationSplit >= 1 || math.IsNaN(o.ValidationSplit) {
		return errors.Wrapf(ErrConfig, "validation_split must be in [0, 1), got %g", o.ValidationSplit)
	}
	if o.GraphScale <= 0 || o.GraphScale > 1 || math.IsNaN(o.GraphScale) {
		return errors.Wrapf(ErrConfig, "graph_scale must be in (0, 1], got %g", o.GraphScale)
	}
	return nil
}

// Batch is one batch of generated data.
type Batch struct {
	Images []*datasets.Image

	// Keypoints are the (possibly augmented) coordinates in input pixels.
	Keypoints [][]keypoints.Point

	// Targets holds nOutputs identical confidence maps, or is nil when the
	// generator was configured without confidence maps.
	Targets []*keypoints.ConfidenceMaps
}

// Generator splits a source into training and validation partitions and
// produces batches for either. A Generator is fixed after construction;
// Configure derives independent copies with a different batch layout.
type Generator struct {
	source   datasets.Source
	datapath string
	dataset  string
	opts     Options

	height      int
	width       int
	nChannels   int
	grayscale   bool
	outputShape [2]int
	outputSigma float64

	trainIndex []int
	valIndex   []int
	trainRange []int
	valRange   []int

	edges           []keypoints.Edge
	nKeypoints      int
	nEdges          int
	nOutputChannels int

	batchSize  int
	nOutputs   int
	validation bool
	confidence bool

	// seed is the seed actually drawn from, recorded for Config.
	seed      int64
	rng       *rand.Rand
	epochSeed int64

	mu       sync.Mutex
	position int
}

// Open builds a generator over the annotation CSV at datapath, reading image
// paths from column dataset.
func Open(datapath, dataset string, opts Options) (*Generator, error) {
	src, err := datasets.NewAnnotationDataset(datapath, dataset)
	if err != nil {
		return nil, err
	}
	return NewAnnotated(src, opts)
}

// NewAnnotated builds a generator over an opened annotation CSV and records
// its location in Config.
func NewAnnotated(src *datasets.AnnotationDataset, opts Options) (*Generator, error) {
	g, err := New(src, opts)
	if err != nil {
		return nil, err
	}
	g.datapath = src.Path
	g.dataset = src.Dataset
	return g, nil
}

// New builds a generator over source.
func New(source datasets.Source, opts Options) (*Generator, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	n := source.Len()
	if n == 0 {
		return nil, errors.New("source has no samples")
	}
	seed := opts.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	g := &Generator{
		source:      source,
		opts:        opts,
		outputSigma: opts.Sigma / math.Pow(2, float64(opts.DownsampleFactor)),
		batchSize:   DefaultBatchSize,
		nOutputs:    1,
		confidence:  true,
		seed:        seed,
		rng:         rand.New(rand.NewSource(seed)),
	}

	probe, _, err := source.Samples([]int{0})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load probe sample")
	}
	g.height = probe[0].Height
	g.width = probe[0].Width
	g.grayscale = probe[0].IsGrayscale()
	g.nChannels = probe[0].Channels
	if g.grayscale {
		g.nChannels = 1
	}
	g.outputShape = [2]int{g.height >> opts.DownsampleFactor, g.width >> opts.DownsampleFactor}
	if g.outputShape[0] == 0 || g.outputShape[1] == 0 {
		return nil, errors.Wrapf(ErrConfig, "downsample_factor %d shrinks %dx%d images to nothing", opts.DownsampleFactor, g.height, g.width)
	}

	g.partition(n)

	skeleton := source.Skeleton()
	g.nKeypoints = skeleton.Len()
	if opts.UseGraph {
		g.edges = skeleton.Edges()
	}

	g.OnEpochEnd()
	probeBatch, err := g.generate([]int{0}, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate probe batch")
	}
	g.nOutputChannels = probeBatch.Targets[0].Channels
	g.nEdges = g.nOutputChannels - g.nKeypoints
	klog.V(1).Infof("generator: %d samples (%d train, %d validation), %dx%dx%d images, %d output channels at %dx%d",
		n, len(g.trainIndex), len(g.valIndex), g.height, g.width, g.nChannels, g.nOutputChannels, g.outputShape[0], g.outputShape[1])
	return g, nil
}

// partition draws the validation indices once, without replacement.
func (g *Generator) partition(n int) {
	nValidation := int(g.opts.ValidationSplit * float64(n))
	perm := g.rng.Perm(n)
	g.valIndex = append([]int(nil), perm[:nValidation]...)
	sort.Ints(g.valIndex)
	isVal := make([]bool, n)
	for _, i := range g.valIndex {
		isVal[i] = true
	}
	g.trainIndex = make([]int, 0, n-nValidation)
	for i := 0; i < n; i++ {
		if !isVal[i] {
			g.trainIndex = append(g.trainIndex, i)
		}
	}
}

// OnEpochEnd resets the batch order of both partitions, shuffling them when
// enabled. It must be called after each full pass.
func (g *Generator) OnEpochEnd() {
	g.trainRange = identity(len(g.trainIndex))
	g.valRange = identity(len(g.valIndex))
	if g.opts.Shuffle {
		g.rng.Shuffle(len(g.trainRange), func(i, j int) { g.trainRange[i], g.trainRange[j] = g.trainRange[j], g.trainRange[i] })
		g.rng.Shuffle(len(g.valRange), func(i, j int) { g.valRange[i], g.valRange[j] = g.valRange[j], g.valRange[i] })
	}
	g.epochSeed = g.rng.Int63()
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Configure returns an independent copy of g producing batches of batchSize
// with nOutputs target copies, from the validation partition if validation
// is set, with confidence maps or raw keypoints as targets.
func (g *Generator) Configure(nOutputs, batchSize int, validation, confidence bool) (*Generator, error) {
	if nOutputs < 1 {
		return nil, errors.Wrapf(ErrConfig, "n_outputs must be >= 1, got %d", nOutputs)
	}
	if batchSize < 1 {
		return nil, errors.Wrapf(ErrConfig, "batch_size must be >= 1, got %d", batchSize)
	}
	if validation && g.opts.ValidationSplit == 0 {
		return nil, errors.Wrap(ErrState, "cannot generate validation set with validation_split == 0")
	}
	c := g.clone()
	c.nOutputs = nOutputs
	c.batchSize = batchSize
	c.validation = validation
	c.confidence = confidence
	c.OnEpochEnd()
	return c, nil
}

func (g *Generator) clone() *Generator {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &Generator{
		source:          g.source,
		datapath:        g.datapath,
		dataset:         g.dataset,
		opts:            g.opts,
		height:          g.height,
		width:           g.width,
		nChannels:       g.nChannels,
		grayscale:       g.grayscale,
		outputShape:     g.outputShape,
		outputSigma:     g.outputSigma,
		trainIndex:      append([]int(nil), g.trainIndex...),
		valIndex:        append([]int(nil), g.valIndex...),
		trainRange:      append([]int(nil), g.trainRange...),
		valRange:        append([]int(nil), g.valRange...),
		edges:           append([]keypoints.Edge(nil), g.edges...),
		nKeypoints:      g.nKeypoints,
		nEdges:          g.nEdges,
		nOutputChannels: g.nOutputChannels,
		batchSize:       g.batchSize,
		nOutputs:        g.nOutputs,
		validation:      g.validation,
		confidence:      g.confidence,
		seed:            g.seed,
		rng:             rand.New(rand.NewSource(g.rng.Int63())),
		epochSeed:       g.epochSeed,
	}
}

// Len returns the number of full batches in the active partition.
func (g *Generator) Len() int {
	if g.validation {
		return len(g.valIndex) / g.batchSize
	}
	return len(g.trainIndex) / g.batchSize
}

// Batch generates batch i of the current epoch.
func (g *Generator) Batch(i int) (*Batch, error) {
	if i < 0 || i >= g.Len() {
		return nil, errors.Wrapf(ErrState, "batch index %d out of range [0, %d)", i, g.Len())
	}
	order, index := g.trainRange, g.trainIndex
	if g.validation {
		order, index = g.valRange, g.valIndex
	}
	positions := order[i*g.batchSize : (i+1)*g.batchSize]
	samples := make([]int, len(positions))
	for j, p := range positions {
		samples[j] = index[p]
	}
	return g.generateWithSeed(samples, !g.validation, g.epochSeed+int64(i))
}

func (g *Generator) generate(samples []int, train bool) (*Batch, error) {
	return g.generateWithSeed(samples, train, g.epochSeed)
}

// generateWithSeed runs the batch pipeline over absolute sample indices.
// Augmentation draws from a rng seeded per batch so batches can be produced
// concurrently and reproducibly within an epoch.
func (g *Generator) generateWithSeed(samples []int, train bool, seed int64) (*Batch, error) {
	images, points, err := g.source.Samples(samples)
	if err != nil {
		return nil, err
	}
	if g.grayscale {
		for i, im := range images {
			images[i] = im.Gray()
		}
	}
	if train && g.opts.Augmenter.Enabled() {
		rng := rand.New(rand.NewSource(seed))
		images, points, err = g.opts.Augmenter.Apply(rng, images, points)
		if err != nil {
			return nil, errors.Wrap(err, "augmentation failed")
		}
	}
	b := &Batch{Images: images, Keypoints: points}
	if !g.confidence {
		return b, nil
	}
	maps, err := keypoints.DrawConfidenceMaps(points, g.edges, keypoints.RenderOptions{
		Height:          g.outputShape[0],
		Width:           g.outputShape[1],
		Sigma:           g.outputSigma,
		CoordinateScale: 1 / math.Pow(2, float64(g.opts.DownsampleFactor)),
		UseEdges:        g.opts.UseGraph,
	})
	if err != nil {
		return nil, err
	}
	maps.Scale(TargetScale)
	if g.opts.UseGraph && g.opts.GraphScale < 1 {
		maps.ScaleChannels(g.nKeypoints, float32(g.opts.GraphScale))
	}
	b.Targets = make([]*keypoints.ConfidenceMaps, g.nOutputs)
	b.Targets[0] = maps
	for i := 1; i < g.nOutputs; i++ {
		b.Targets[i] = maps.Clone()
	}
	return b, nil
}

// Height of the input images.
func (g *Generator) Height() int { return g.height }

// Width of the input images.
func (g *Generator) Width() int { return g.width }

// Channels of the input images after grayscale detection.
func (g *Generator) Channels() int { return g.nChannels }

// OutputShape is the confidence map height and width.
func (g *Generator) OutputShape() [2]int { return g.outputShape }

// OutputSigma is the Gaussian width at output resolution.
func (g *Generator) OutputSigma() float64 { return g.outputSigma }

// DownsampleFactor returns the output shrink exponent.
func (g *Generator) DownsampleFactor() int { return g.opts.DownsampleFactor }

// NKeypoints is the number of keypoint channels.
func (g *Generator) NKeypoints() int { return g.nKeypoints }

// NEdges is the number of edge channels.
func (g *Generator) NEdges() int { return g.nEdges }

// NOutputChannels is the total number of target channels.
func (g *Generator) NOutputChannels() int { return g.nOutputChannels }

// NTrain is the size of the training partition.
func (g *Generator) NTrain() int { return len(g.trainIndex) }

// NValidation is the size of the validation partition.
func (g *Generator) NValidation() int { return len(g.valIndex) }

// TrainIndex returns a copy of the training partition's sample indices.
func (g *Generator) TrainIndex() []int { return append([]int(nil), g.trainIndex...) }

// ValidationIndex returns a copy of the validation partition's sample indices.
func (g *Generator) ValidationIndex() []int { return append([]int(nil), g.valIndex...) }

// BatchOrder returns a copy of the active partition's current epoch order.
func (g *Generator) BatchOrder() []int {
	if g.validation {
		return append([]int(nil), g.valRange...)
	}
	return append([]int(nil), g.trainRange...)
}

// Validation reports whether g serves the validation partition.
func (g *Generator) Validation() bool { return g.validation }

// NOutputs is the number of target copies per batch.
func (g *Generator) NOutputs() int { return g.nOutputs }

// BatchSize is the number of samples per batch.
func (g *Generator) BatchSize() int { return g.batchSize }

// Source returns the underlying annotation source.
func (g *Generator) Source() datasets.Source { return g.source }
