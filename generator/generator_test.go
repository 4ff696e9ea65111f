package generator

import (
	"errors"
	"io"
	"math"
	"testing"

	"github.com/Noofbiz/poseKit/augment"
	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
)

// syntheticSource builds n gray images of size h x w with a three keypoint
// skeleton (a root and two children).
func syntheticSource(t *testing.T, n, h, w int) *datasets.MemorySource {
	t.Helper()
	sk, err := keypoints.NewSkeleton([]string{"root", "left", "right"}, []int{keypoints.NoParent, 0, 0}, []int{keypoints.NoSwap, 2, 1})
	if err != nil {
		t.Fatalf("NewSkeleton: %v", err)
	}
	images := make([]*datasets.Image, n)
	points := make([][]keypoints.Point, n)
	for i := 0; i < n; i++ {
		im := datasets.NewImage(h, w, 3)
		for j := range im.Pix {
			im.Pix[j] = uint8(i)
		}
		images[i] = im
		points[i] = []keypoints.Point{
			{X: float32(w / 2), Y: float32(h / 2)},
			{X: float32(w / 4), Y: float32(h / 4)},
			{X: float32(3 * w / 4), Y: float32(h / 4)},
		}
	}
	src, err := datasets.NewMemorySource(images, points, nil, sk)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	return src
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RandomSeed = 42
	return opts
}

func TestNew_OutputShapeAndChannels(t *testing.T) {
	src := syntheticSource(t, 20, 32, 48)
	for df := 0; df <= 3; df++ {
		opts := testOptions()
		opts.DownsampleFactor = df
		g, err := New(src, opts)
		if err != nil {
			t.Fatalf("New(df=%d): %v", df, err)
		}
		if got, want := g.OutputShape(), [2]int{32 >> df, 48 >> df}; got != want {
			t.Fatalf("df=%d: output shape %v, want %v", df, got, want)
		}
		if g.Channels() != 1 {
			t.Fatalf("equal-channel images must be treated as grayscale, got %d channels", g.Channels())
		}
		if g.NKeypoints() != 3 || g.NEdges() != 2 || g.NOutputChannels() != 5 {
			t.Fatalf("expected 3+2 channels, got keypoints=%d edges=%d total=%d", g.NKeypoints(), g.NEdges(), g.NOutputChannels())
		}
	}
}

func TestNew_WithoutGraph(t *testing.T) {
	opts := testOptions()
	opts.UseGraph = false
	g, err := New(syntheticSource(t, 10, 16, 16), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.NEdges() != 0 || g.NOutputChannels() != 3 {
		t.Fatalf("expected only keypoint channels, got edges=%d total=%d", g.NEdges(), g.NOutputChannels())
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	src := syntheticSource(t, 10, 16, 16)
	for name, mutate := range map[string]func(*Options){
		"negative downsample": func(o *Options) { o.DownsampleFactor = -1 },
		"zero sigma":          func(o *Options) { o.Sigma = 0 },
		"split one":           func(o *Options) { o.ValidationSplit = 1 },
		"graph scale zero":    func(o *Options) { o.GraphScale = 0 },
		"graph scale above 1": func(o *Options) { o.GraphScale = 1.5 },
		"downsample too far":  func(o *Options) { o.DownsampleFactor = 5 },
	} {
		opts := testOptions()
		mutate(&opts)
		if _, err := New(src, opts); !errors.Is(err, ErrConfig) {
			t.Fatalf("%s: expected ErrConfig, got %v", name, err)
		}
	}
}

func TestPartition_DisjointAndComplete(t *testing.T) {
	opts := testOptions()
	opts.ValidationSplit = 0.1
	g, err := New(syntheticSource(t, 100, 8, 8), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.NTrain() != 90 || g.NValidation() != 10 {
		t.Fatalf("expected 90/10 split, got %d/%d", g.NTrain(), g.NValidation())
	}
	seen := make(map[int]bool)
	for _, i := range append(g.TrainIndex(), g.ValidationIndex()...) {
		if seen[i] {
			t.Fatalf("index %d appears in both partitions", i)
		}
		seen[i] = true
	}
	if len(seen) != 100 {
		t.Fatalf("partitions cover %d samples, want 100", len(seen))
	}

	train, err := g.Configure(1, 10, false, true)
	if err != nil {
		t.Fatalf("Configure(train): %v", err)
	}
	val, err := g.Configure(1, 10, true, true)
	if err != nil {
		t.Fatalf("Configure(validation): %v", err)
	}
	if train.Len() != 9 || val.Len() != 1 {
		t.Fatalf("expected 9 train and 1 validation batches, got %d and %d", train.Len(), val.Len())
	}
}

func TestBatch_OutOfRange(t *testing.T) {
	g, err := New(syntheticSource(t, 20, 8, 8), testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	train, err := g.Configure(1, 4, false, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if _, err := train.Batch(train.Len()); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState for batch %d, got %v", train.Len(), err)
	}
	if _, err := train.Batch(-1); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState for negative batch, got %v", err)
	}
}

func TestBatch_TargetsScaledAndReplicated(t *testing.T) {
	opts := testOptions()
	opts.GraphScale = 0.5
	opts.DownsampleFactor = 1
	g, err := New(syntheticSource(t, 10, 16, 16), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	train, err := g.Configure(3, 2, false, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	b, err := train.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(b.Images) != 2 || len(b.Targets) != 3 {
		t.Fatalf("expected 2 images and 3 targets, got %d and %d", len(b.Images), len(b.Targets))
	}
	m := b.Targets[0]
	if m.Height != 8 || m.Width != 8 || m.Channels != 5 {
		t.Fatalf("unexpected target shape %v", m.Dimensions())
	}
	// root keypoint (8, 8) maps to (4, 4) at half resolution.
	if got := m.At(0, 4, 4, 0); math.Abs(float64(got)-255) > 1e-3 {
		t.Fatalf("expected keypoint peak 255, got %v", got)
	}
	// The root lies on both edges: edge peak is 255 * graph_scale.
	if got := m.At(0, 4, 4, 3); math.Abs(float64(got)-127.5) > 1e-3 {
		t.Fatalf("expected edge peak 127.5, got %v", got)
	}
	for i := 1; i < 3; i++ {
		for j := range m.Data {
			if b.Targets[i].Data[j] != m.Data[j] {
				t.Fatalf("target copy %d differs at %d", i, j)
			}
		}
	}
}

func TestConfigure_ValidationWithoutSplit(t *testing.T) {
	opts := testOptions()
	opts.ValidationSplit = 0
	g, err := New(syntheticSource(t, 10, 8, 8), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := g.Configure(1, 2, true, true); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState, got %v", err)
	}
}

func TestConfigure_IndependentCopies(t *testing.T) {
	g, err := New(syntheticSource(t, 50, 8, 8), testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := g.Configure(1, 5, false, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	b, err := g.Configure(1, 5, false, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	before := b.BatchOrder()
	for i := 0; i < 3; i++ {
		a.OnEpochEnd()
	}
	after := b.BatchOrder()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("shuffling one copy changed the other's order")
		}
	}
	if a.BatchSize() != 5 || g.BatchSize() != DefaultBatchSize {
		t.Fatalf("Configure must not modify the original generator")
	}
}

func TestConfigure_AugmentsTrainingOnly(t *testing.T) {
	opts := testOptions()
	opts.Shuffle = false
	opts.Augmenter = augment.Single(augment.FlipUD{P: 1})
	g, err := New(syntheticSource(t, 20, 8, 8), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	val, err := g.Configure(1, 2, true, false)
	if err != nil {
		t.Fatalf("Configure(validation): %v", err)
	}
	b, err := val.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if b.Keypoints[0][1].Y != 2 {
		t.Fatalf("validation keypoints were augmented: %v", b.Keypoints[0])
	}
	if b.Targets != nil {
		t.Fatalf("expected no confidence maps")
	}
	train, err := g.Configure(1, 2, false, false)
	if err != nil {
		t.Fatalf("Configure(train): %v", err)
	}
	b, err = train.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if b.Keypoints[0][1].Y != 5 {
		t.Fatalf("training keypoints not flipped: %v", b.Keypoints[0])
	}
}

func TestYield_EndsEpochWithEOF(t *testing.T) {
	g, err := New(syntheticSource(t, 20, 8, 8), testOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	train, err := g.Configure(2, 6, false, true)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	for i := 0; i < train.Len(); i++ {
		_, inputs, labels, err := train.Yield()
		if err != nil {
			t.Fatalf("Yield %d: %v", i, err)
		}
		if len(inputs) != 1 || len(labels) != 2 {
			t.Fatalf("expected 1 input and 2 labels, got %d and %d", len(inputs), len(labels))
		}
		if dims := inputs[0].Shape().Dimensions; dims[0] != 6 || dims[3] != 1 {
			t.Fatalf("unexpected input dims %v", dims)
		}
	}
	if _, _, _, err := train.Yield(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	train.Reset()
	if _, _, _, err := train.Yield(); err != nil {
		t.Fatalf("Yield after Reset: %v", err)
	}
}

func TestFromConfig_RebuildsPartition(t *testing.T) {
	src := syntheticSource(t, 40, 8, 8)
	opts := testOptions()
	opts.RandomSeed = 0
	g, err := New(src, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rebuilt, err := FromConfig(g.Config(), src, augment.None())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	want, got := g.ValidationIndex(), rebuilt.ValidationIndex()
	if len(want) != len(got) {
		t.Fatalf("validation sizes differ: %d vs %d", len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			t.Fatalf("validation partitions differ: %v vs %v", want, got)
		}
	}
	if rebuilt.Config().OutputShape != g.Config().OutputShape {
		t.Fatalf("output shapes differ")
	}
}

func TestImagesTensor_MixedShapes(t *testing.T) {
	images := []*datasets.Image{datasets.NewImage(4, 4, 1), datasets.NewImage(4, 5, 1)}
	if _, err := ImagesTensor(images); err == nil {
		t.Fatalf("expected an error for images of different sizes")
	}
	if _, err := ImagesTensor(nil); err == nil {
		t.Fatalf("expected an error for an empty batch")
	}
	in, err := ImagesTensor(images[:1])
	if err != nil {
		t.Fatalf("ImagesTensor: %v", err)
	}
	if dims := in.Shape().Dimensions; len(dims) != 4 || dims[0] != 1 || dims[2] != 4 {
		t.Fatalf("unexpected tensor shape %s", in.Shape())
	}
}
