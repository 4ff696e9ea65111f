package models

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/generator"
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

func testBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend, err := simplego.New("")
	if err != nil {
		t.Skipf("simplego backend unavailable: %v", err)
	}
	return backend
}

// testGenerator serves n 16x16 gray images with a bright blob under each of
// three keypoints.
func testGenerator(t *testing.T, n int) *generator.Generator {
	t.Helper()
	sk, err := keypoints.NewSkeleton([]string{"head", "left", "right"}, []int{keypoints.NoParent, 0, 0}, []int{keypoints.NoSwap, 2, 1})
	if err != nil {
		t.Fatalf("NewSkeleton: %v", err)
	}
	images := make([]*datasets.Image, n)
	points := make([][]keypoints.Point, n)
	for i := 0; i < n; i++ {
		pts := []keypoints.Point{
			{X: float32(6 + i%4), Y: 4},
			{X: 4, Y: float32(10 + i%3)},
			{X: 11, Y: 11},
		}
		im := datasets.NewImage(16, 16, 1)
		for _, p := range pts {
			im.Set(int(p.Y), int(p.X), 0, 255)
		}
		images[i], points[i] = im, pts
	}
	src, err := datasets.NewMemorySource(images, points, nil, sk)
	if err != nil {
		t.Fatalf("NewMemorySource: %v", err)
	}
	opts := generator.DefaultOptions()
	opts.DownsampleFactor = 1
	opts.Sigma = 2
	opts.ValidationSplit = 0.25
	opts.RandomSeed = 7
	g, err := generator.New(src, opts)
	if err != nil {
		t.Fatalf("generator.New: %v", err)
	}
	return g
}

func tinyDenseNet(t *testing.T, g *generator.Generator, nStacks int) *StackedDenseNet {
	t.Helper()
	cfg := DefaultDenseNetConfig()
	cfg.NStacks = nStacks
	cfg.NTransitions = 2
	cfg.GrowthRate = 4
	n, err := NewStackedDenseNet(g.Config(), cfg)
	if err != nil {
		t.Fatalf("NewStackedDenseNet: %v", err)
	}
	return n
}

// fit trains m, skipping the test when the backend cannot differentiate
// the graph.
func fit(t *testing.T, m *Model, opts FitOptions) {
	t.Helper()
	if err := m.Fit(opts); err != nil {
		if strings.Contains(err.Error(), "not implemented") {
			t.Skipf("backend %s lacks an op needed for training: %v", m.backend.Name(), err)
		}
		t.Fatalf("Fit: %v", err)
	}
}

func predictBatch(t *testing.T, m *Model, g *generator.Generator) [][]Prediction {
	t.Helper()
	b, err := g.Configure(1, 2, true, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	batch, err := b.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	preds, err := m.Predict(batch.Images)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 2 || len(preds[0]) != 3 {
		t.Fatalf("expected 2x3 predictions, got %dx%d", len(preds), len(preds[0]))
	}
	return preds
}

type recordLosses struct {
	logs  []Logs
	model *Model
}

func (r *recordLosses) BindModel(m *Model) { r.model = m }

func (r *recordLosses) OnEpochEnd(l Logs) error {
	r.logs = append(r.logs, l)
	return nil
}

func TestModel_FitPredictSaveLoad(t *testing.T) {
	backend := testBackend(t)
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 2), backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recordLosses{}
	fit(t, m, FitOptions{BatchSize: 2, Epochs: 2, Callbacks: []Callback{rec}})
	if !m.Compiled() {
		t.Fatalf("Fit must compile an uncompiled model")
	}
	if rec.model != m {
		t.Fatalf("callback was not bound to the model")
	}
	if len(rec.logs) != 2 {
		t.Fatalf("expected 2 epochs of logs, got %d", len(rec.logs))
	}
	for _, l := range rec.logs {
		if math.IsNaN(l.Loss) || math.IsNaN(l.ValidationLoss) {
			t.Fatalf("expected finite losses, got %+v", l)
		}
	}

	b, err := g.Configure(1, 2, true, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	batch, err := b.Batch(0)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	preds, err := m.Predict(batch.Images)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != 2 || len(preds[0]) != 3 {
		t.Fatalf("expected 2x3 predictions, got %dx%d", len(preds), len(preds[0]))
	}
	for _, row := range preds {
		for _, p := range row {
			if p.X < -2 || p.X > 18 || p.Y < -2 || p.Y > 18 {
				t.Fatalf("prediction %+v outside the image", p)
			}
		}
	}

	dir := t.TempDir()
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(dir, LoadOptions{Backend: backend})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Generator() != nil {
		t.Fatalf("a model loaded without data must have no generator")
	}
	again, err := loaded.Predict(batch.Images)
	if err != nil {
		t.Fatalf("Predict after Load: %v", err)
	}
	for i := range preds {
		for k := range preds[i] {
			if math.Abs(float64(preds[i][k].X-again[i][k].X)) > 1e-3 || math.Abs(float64(preds[i][k].Y-again[i][k].Y)) > 1e-3 {
				t.Fatalf("predictions differ after reload: %+v vs %+v", preds[i][k], again[i][k])
			}
		}
	}
	if err := loaded.Fit(FitOptions{BatchSize: 2}); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState training without data, got %v", err)
	}
	if _, err := loaded.Evaluate(2); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState evaluating without data, got %v", err)
	}
}

func TestModel_Evaluate(t *testing.T) {
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 1), testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev, err := m.Evaluate(1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(ev.Predictions) != g.NValidation() || len(ev.Truth) != g.NValidation() {
		t.Fatalf("expected %d evaluated samples, got %d", g.NValidation(), len(ev.Predictions))
	}
	if ev.Summary.Count != g.NValidation()*3 {
		t.Fatalf("expected %d errors, got %d", g.NValidation()*3, ev.Summary.Count)
	}
}

func TestModel_CompileRejectsUnknownOptimizer(t *testing.T) {
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 1), testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Compile("rmsprop", 1e-3); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if err := m.Compile("sgd", 0); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for zero learning rate, got %v", err)
	}
	if err := m.Compile("adam", 1e-3); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestLoad_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, LoadOptions{}); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState without configs, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, GeneratorConfigFile), []byte(`{"version": 1}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(dir, LoadOptions{}); !errors.Is(err, ErrState) {
		t.Fatalf("expected ErrState without a model config, got %v", err)
	}
}

func TestMaxima2D(t *testing.T) {
	backend := testBackend(t)
	maps := make([]float32, 8*8*2)
	maps[(3*8+5)*2] = 255
	maps[(1*8+1)*2+1] = 500 // non-keypoint channel is ignored
	in := tensors.FromFlatDataAndDimensions(maps, 1, 8, 8, 2)

	exec := graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return Maxima2D(x, 1, 2, generator.TargetScale)
	})
	res := exec.MustExec(in)[0]
	out := res.Value().([][][]float32)
	if len(out) != 1 || len(out[0]) != 1 {
		t.Fatalf("unexpected output shape %v", res.Shape())
	}
	if got := out[0][0]; got[0] != 10 || got[1] != 6 || math.Abs(float64(got[2])-1) > 1e-6 {
		t.Fatalf("Maxima2D = %v, want [10 6 1]", got)
	}
}

func TestSubpixelMaxima2D(t *testing.T) {
	backend := testBackend(t)
	const h, w, sigma = 12, 12, 1.5
	cy, cx := 5.3, 6.7
	maps := make([]float32, h*w)
	for r := 0; r < h; r++ {
		for c := 0; c < w; c++ {
			d2 := (float64(r)-cy)*(float64(r)-cy) + (float64(c)-cx)*(float64(c)-cx)
			maps[r*w+c] = float32(255 * math.Exp(-d2/(2*sigma*sigma)))
		}
	}
	in := tensors.FromFlatDataAndDimensions(maps, 1, h, w, 1)

	exec := graph.MustNewExec(backend, func(x *graph.Node) *graph.Node {
		return SubpixelMaxima2D(x, 1, 7, sigma, 20, 1, generator.TargetScale)
	})
	got := exec.MustExec(in)[0].Value().([][][]float32)[0][0]
	if math.Abs(float64(got[0])-cx) > 0.1 || math.Abs(float64(got[1])-cy) > 0.1 {
		t.Fatalf("SubpixelMaxima2D = (%v, %v), want about (%v, %v)", got[0], got[1], cx, cy)
	}
	if got[2] <= 0 || got[2] > 1 {
		t.Fatalf("confidence %v outside (0, 1]", got[2])
	}
}

func TestModel_SaveTwiceKeepsLiveWeights(t *testing.T) {
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 1), testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	predictBatch(t, m, g)
	dir := t.TempDir()
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var kernel *context.Variable
	m.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "weights" && strings.HasSuffix(v.Scope(), "frontend/conv") {
			kernel = v
		}
	})
	if kernel == nil {
		t.Fatalf("frontend kernel not found")
	}
	dims := kernel.Shape().Dimensions
	flat := make([]float32, kernel.Shape().Size())
	for i := range flat {
		flat[i] = 42
	}
	kernel.SetValue(tensors.FromFlatDataAndDimensions(flat, dims...))
	if err := m.Save(dir); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if got := kernel.Value().Value().([][][][]float32)[0][0][0][0]; got != 42 {
		t.Fatalf("saving again changed the live kernel to %v", got)
	}

	loaded, err := Load(dir, LoadOptions{Backend: m.backend})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored := loaded.ctx.InspectVariable(kernel.Scope(), "weights")
	if restored == nil {
		t.Fatalf("kernel missing from the loaded model")
	}
	if got := restored.Value().Value().([][][][]float32)[0][0][0][0]; got != 42 {
		t.Fatalf("loaded kernel = %v, want the last saved 42", got)
	}
	if err := loaded.Save(dir); err != nil {
		t.Fatalf("Save after Load: %v", err)
	}
	if got := restored.Value().Value().([][][][]float32)[0][0][0][0]; got != 42 {
		t.Fatalf("saving a loaded model changed its kernel to %v", got)
	}
}

func TestStackedHourglass_FitPredict(t *testing.T) {
	g := testGenerator(t, 8)
	cfg := DefaultHourglassConfig()
	cfg.NStacks = 2
	cfg.NTransitions = 3
	cfg.NFilters = 4
	arch, err := NewStackedHourglass(g.Config(), cfg)
	if err != nil {
		t.Fatalf("NewStackedHourglass: %v", err)
	}
	if !arch.Config().Batchnorm {
		t.Fatalf("hourglass defaults to batch normalization")
	}
	m, err := New(g, arch, testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recordLosses{}
	fit(t, m, FitOptions{BatchSize: 2, Callbacks: []Callback{rec}})
	if len(rec.logs) != 1 || math.IsNaN(rec.logs[0].Loss) {
		t.Fatalf("unexpected logs %+v", rec.logs)
	}
	predictBatch(t, m, g)
}

func TestConvOptions_Variants(t *testing.T) {
	backend := testBackend(t)
	g := testGenerator(t, 8)
	variants := map[string]func(c *DenseNetConfig){
		"max pooling":     func(c *DenseNetConfig) { c.Pooling = "max" },
		"average pooling": func(c *DenseNetConfig) { c.Pooling = "average" },
		"nearest":         func(c *DenseNetConfig) { c.Interpolation = "nearest" },
		"bilinear":        func(c *DenseNetConfig) { c.Interpolation = "bilinear" },
		"subpixel":        func(c *DenseNetConfig) { c.Interpolation = "subpixel" },
		"separable":       func(c *DenseNetConfig) { c.Separable = true },
		"squeeze excite":  func(c *DenseNetConfig) { c.SqueezeExcite = true },
		"batchnorm relu":  func(c *DenseNetConfig) { c.Activation, c.Batchnorm = "relu", true },
		"elu":             func(c *DenseNetConfig) { c.Activation = "elu" },
		"leaky relu":      func(c *DenseNetConfig) { c.Activation = "leaky_relu" },
		"swish":           func(c *DenseNetConfig) { c.Activation = "swish" },
		"tanh":            func(c *DenseNetConfig) { c.Activation = "tanh" },
		"sigmoid":         func(c *DenseNetConfig) { c.Activation = "sigmoid" },
		"linear":          func(c *DenseNetConfig) { c.Activation = "linear" },
		"he normal":       func(c *DenseNetConfig) { c.Activation, c.Initializer = "relu", "he_normal" },
		"glorot normal":   func(c *DenseNetConfig) { c.Activation, c.Initializer = "relu", "glorot_normal" },
		"no subpixel":     func(c *DenseNetConfig) { c.Subpixel = false },
	}
	for name, tweak := range variants {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultDenseNetConfig()
			cfg.NTransitions = 2
			cfg.GrowthRate = 4
			tweak(&cfg)
			arch, err := NewStackedDenseNet(g.Config(), cfg)
			if err != nil {
				t.Fatalf("NewStackedDenseNet: %v", err)
			}
			m, err := New(g, arch, backend)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			fit(t, m, FitOptions{BatchSize: 2})
			predictBatch(t, m, g)
		})
	}
}

func TestModel_FitWorkersStopWhenDone(t *testing.T) {
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 1), testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fit(t, m, FitOptions{BatchSize: 2})
	before := runtime.NumGoroutine()
	rec := &recordLosses{}
	fit(t, m, FitOptions{BatchSize: 2, Epochs: 2, Workers: 4, Callbacks: []Callback{rec}})
	if len(rec.logs) != 2 {
		t.Fatalf("expected 2 epochs with parallel workers, got %d", len(rec.logs))
	}
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines left running after Fit, %d before", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestModel_FitLogsEpochMeanLoss(t *testing.T) {
	g := testGenerator(t, 8)
	m, err := New(g, tinyDenseNet(t, g, 1), testBackend(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// A vanishing learning rate keeps the weights fixed, so the epoch mean
	// must match a fresh evaluation of the training partition.
	if err := m.Compile("sgd", 1e-12); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	rec := &recordLosses{}
	fit(t, m, FitOptions{BatchSize: 2, Callbacks: []Callback{rec}})
	trainGen, err := g.Configure(m.arch.NumOutputs(), 2, false, false)
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	want := scalar(m.trainer.Eval(trainGen)[0])
	if got := rec.logs[0].Loss; math.Abs(got-want) > 1e-4*math.Max(1, want) {
		t.Fatalf("epoch loss %v, want the mean batch loss %v", got, want)
	}
}
