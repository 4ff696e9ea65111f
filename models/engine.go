package models

import (
	"io"
	"math"
	"strings"
	"sync/atomic"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/generator"
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	mldatasets "github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prediction is one decoded keypoint in input image pixels.
type Prediction struct {
	X, Y       float32
	Confidence float32
}

// Point drops the confidence.
func (p Prediction) Point() keypoints.Point {
	return keypoints.Point{X: p.X, Y: p.Y}
}

// Model couples an architecture with the generator configuration it was
// built for and the gomlx context holding its weights.
type Model struct {
	arch      Architecture
	gen       *generator.Generator
	genConfig generator.Config
	backend   backends.Backend
	ctx       *context.Context

	optimizerName string
	learningRate  float64
	optimizer     optimizers.Interface
	trainer       *train.Trainer

	predict *context.Exec

	// checkpoint saves to checkpointDir. It is reused while the model keeps
	// saving to the same directory.
	checkpoint    *checkpoints.Handler
	checkpointDir string
}

// New returns an uncompiled model for gen. A nil backend selects the
// default registered backend: $GOMLX_BACKEND when set, otherwise the pure Go
// simplego backend.
func New(gen *generator.Generator, arch Architecture, backend backends.Backend) (*Model, error) {
	if gen == nil {
		return nil, errors.Wrap(ErrState, "a generator is required")
	}
	return newModel(gen.Config(), gen, arch, backend)
}

func newModel(gc generator.Config, gen *generator.Generator, arch Architecture, backend backends.Backend) (*Model, error) {
	if arch == nil {
		return nil, errors.Wrap(ErrConfig, "an architecture is required")
	}
	if backend == nil {
		var err error
		backend, err = backends.New()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create the default backend")
		}
	}
	return &Model{
		arch:      arch,
		gen:       gen,
		genConfig: gc,
		backend:   backend,
		ctx:       context.New().Checked(false),
	}, nil
}

// Architecture returns the network the model runs.
func (m *Model) Architecture() Architecture { return m.arch }

// Generator returns the data generator, nil for models loaded without data.
func (m *Model) Generator() *generator.Generator { return m.gen }

// GeneratorConfig returns the generator configuration the model was built for.
func (m *Model) GeneratorConfig() generator.Config { return m.genConfig }

// Compiled reports whether an optimizer has been attached.
func (m *Model) Compiled() bool { return m.optimizer != nil }

// Compile attaches an optimizer, "adam" or "sgd", and drops any previous
// optimizer state.
func (m *Model) Compile(optimizer string, learningRate float64) error {
	if learningRate <= 0 {
		return errors.Wrapf(ErrConfig, "learning rate must be positive, got %v", learningRate)
	}
	name := strings.ToLower(optimizer)
	switch name {
	case "adam":
		m.optimizer = optimizers.Adam().Done()
	case "sgd":
		m.optimizer = optimizers.StochasticGradientDescent().WithDecay(false).Done()
	default:
		return errors.Wrapf(ErrConfig, "unknown optimizer %q, must be adam or sgd", optimizer)
	}
	m.ctx.SetParam(optimizers.ParamLearningRate, learningRate)
	m.optimizerName, m.learningRate = name, learningRate
	m.trainer = nil
	return nil
}

// Logs are the per-epoch metrics passed to callbacks. Loss is the mean
// training batch loss over the epoch. ValidationLoss is the mean loss over
// the validation partition, NaN when no validation partition exists.
type Logs struct {
	Epoch          int
	Loss           float64
	ValidationLoss float64
}

// Callback observes training at the end of every epoch. Returning
// ErrStopTraining ends Fit early without error; any other error aborts it.
type Callback interface {
	OnEpochEnd(logs Logs) error
}

// ModelBinder is implemented by callbacks that need the model they observe.
type ModelBinder interface {
	BindModel(m *Model)
}

// ErrStopTraining is returned by a callback to end training.
var ErrStopTraining = errors.New("stop training")

// FitOptions configures Fit.
type FitOptions struct {
	BatchSize int

	// ValidationBatchSize defaults to 1.
	ValidationBatchSize int

	// Epochs defaults to 1.
	Epochs int

	// Workers above 1 prepare batches in parallel goroutines, which are
	// stopped when Fit returns.
	Workers int

	Callbacks []Callback
}

// Fit trains the model on the generator's training partition, evaluating
// the validation loss after every epoch when a validation partition exists.
// An uncompiled model is compiled with Adam at a learning rate of 1e-3.
func (m *Model) Fit(opts FitOptions) error {
	if m.gen == nil {
		return errors.Wrap(ErrState, "model has no data generator, load it with a datapath or source to train")
	}
	if opts.ValidationBatchSize == 0 {
		opts.ValidationBatchSize = 1
	}
	if opts.Epochs == 0 {
		opts.Epochs = 1
	}
	if opts.BatchSize < 1 || opts.ValidationBatchSize < 1 || opts.Epochs < 1 {
		return errors.Wrapf(ErrConfig, "batch sizes and epochs must be positive, got batch %d, validation batch %d, epochs %d",
			opts.BatchSize, opts.ValidationBatchSize, opts.Epochs)
	}
	if !m.Compiled() {
		klog.Warning("model is not compiled, compiling with adam and learning rate 1e-3")
		if err := m.Compile("adam", 1e-3); err != nil {
			return err
		}
	}

	nOutputs := m.arch.NumOutputs()
	trainGen, err := m.gen.Configure(nOutputs, opts.BatchSize, false, true)
	if err != nil {
		return err
	}
	if trainGen.Len() == 0 {
		return errors.Wrapf(ErrConfig, "batch size %d exceeds the %d training samples", opts.BatchSize, trainGen.NTrain())
	}
	var valGen *generator.Generator
	if m.gen.NValidation() > 0 {
		valGen, err = m.gen.Configure(nOutputs, opts.ValidationBatchSize, true, true)
		if err != nil {
			return err
		}
		if valGen.Len() == 0 {
			valGen = nil
			klog.Warningf("validation batch size %d exceeds the %d validation samples, skipping validation",
				opts.ValidationBatchSize, m.gen.NValidation())
		}
	}

	for _, cb := range opts.Callbacks {
		if b, ok := cb.(ModelBinder); ok {
			b.BindModel(m)
		}
	}

	if m.trainer == nil {
		m.trainer = train.NewTrainer(m.backend, m.ctx, m.trainGraph, supervisedMSE, m.optimizer, nil, nil)
	}
	loop := train.NewLoop(m.trainer)
	var lossSum float64
	var steps int
	loop.OnStep("epoch_loss", 0, func(_ *train.Loop, metrics []*tensors.Tensor) error {
		if len(metrics) > 0 {
			lossSum += scalar(metrics[0])
			steps++
		}
		return nil
	})
	var ds train.Dataset = trainGen
	if opts.Workers > 1 {
		feed := &stoppableDataset{Dataset: trainGen}
		parallel := mldatasets.CustomParallel(feed).Parallelism(opts.Workers).Start()
		defer func() {
			// The loop resets the feeder after the last epoch, which restarts
			// its workers. Stopping the source first lets them drain and exit.
			feed.stopped.Store(true)
			parallel.Reset()
		}()
		ds = parallel
	}

	for epoch := 0; epoch < opts.Epochs; epoch++ {
		logs := Logs{Epoch: epoch, Loss: math.NaN(), ValidationLoss: math.NaN()}
		lossSum, steps = 0, 0
		err := tryGraph(func() error {
			if _, err := loop.RunEpochs(ds, 1); err != nil {
				return err
			}
			if steps > 0 {
				logs.Loss = lossSum / float64(steps)
			}
			if valGen != nil {
				valGen.Reset()
				if eval := m.trainer.Eval(valGen); len(eval) > 0 {
					logs.ValidationLoss = scalar(eval[0])
				}
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "training failed in epoch %d", epoch)
		}
		klog.V(1).Infof("epoch %d/%d: loss=%.6g val_loss=%.6g", epoch+1, opts.Epochs, logs.Loss, logs.ValidationLoss)
		for _, cb := range opts.Callbacks {
			if err := cb.OnEpochEnd(logs); err != nil {
				if errors.Is(err, ErrStopTraining) {
					klog.V(1).Infof("training stopped by callback after epoch %d", epoch+1)
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// stoppableDataset ends every epoch once stopped.
type stoppableDataset struct {
	train.Dataset
	stopped atomic.Bool
}

// Yield implements train.Dataset.
func (d *stoppableDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if d.stopped.Load() {
		return nil, nil, nil, io.EOF
	}
	return d.Dataset.Yield()
}

// trainGraph is the train.ModelFn: all stack outputs, for supervision.
func (m *Model) trainGraph(ctx *context.Context, _ any, inputs []*graph.Node) []*graph.Node {
	return m.arch.Build(ctx.In("model"), inputs[0])
}

// predictGraph decodes the last stack output into keypoints.
func (m *Model) predictGraph(ctx *context.Context, images *graph.Node) *graph.Node {
	outputs := m.arch.Build(ctx.In("model"), images)
	heatmaps := outputs[len(outputs)-1]
	gc := m.genConfig
	coordinateScale := float64(int(1) << gc.DownsampleFactor)
	if m.arch.Subpixel() {
		return SubpixelMaxima2D(heatmaps, gc.NKeypoints, SubpixelKernelSize(gc.OutputShape), gc.OutputSigma,
			DefaultUpsampleFactor, coordinateScale, generator.TargetScale)
	}
	return Maxima2D(heatmaps, gc.NKeypoints, coordinateScale, generator.TargetScale)
}

// supervisedMSE sums the mean squared error of every output against its
// confidence maps.
func supervisedMSE(labels, predictions []*graph.Node) *graph.Node {
	var total *graph.Node
	for i, p := range predictions {
		loss := graph.ReduceAllMean(graph.Square(graph.Sub(p, labels[i])))
		if total == nil {
			total = loss
			continue
		}
		total = graph.Add(total, loss)
	}
	return total
}

// Predict decodes keypoints for images, which must match the generator's
// input size. Color images are converted to gray for grayscale models.
func (m *Model) Predict(images []*datasets.Image) ([][]Prediction, error) {
	if len(images) == 0 {
		return nil, nil
	}
	gc := m.genConfig
	batch := make([]*datasets.Image, len(images))
	for i, im := range images {
		if im.Height != gc.Height || im.Width != gc.Width {
			return nil, errors.Wrapf(ErrConfig, "image %d is %dx%d, model expects %dx%d", i, im.Height, im.Width, gc.Height, gc.Width)
		}
		if gc.NChannels == 1 && im.Channels != 1 {
			im = im.Gray()
		}
		if im.Channels != gc.NChannels {
			return nil, errors.Wrapf(ErrConfig, "image %d has %d channels, model expects %d", i, im.Channels, gc.NChannels)
		}
		batch[i] = im
	}
	in, err := generator.ImagesTensor(batch)
	if err != nil {
		return nil, err
	}

	var out *tensors.Tensor
	err = tryGraph(func() error {
		if m.predict == nil {
			exec, err := context.NewExec(m.backend, m.ctx, m.predictGraph)
			if err != nil {
				return err
			}
			m.predict = exec
		}
		outputs, err := m.predict.Exec(in)
		if err != nil {
			return err
		}
		out = outputs[0]
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "prediction failed")
	}
	values, ok := out.Value().([][][]float32)
	if !ok {
		return nil, errors.Errorf("unexpected prediction tensor %s", out.Shape())
	}
	preds := make([][]Prediction, len(values))
	for i, row := range values {
		preds[i] = make([]Prediction, len(row))
		for j, v := range row {
			preds[i][j] = Prediction{X: v[0], Y: v[1], Confidence: v[2]}
		}
	}
	return preds, nil
}

// Evaluation is the result of Evaluate over the validation partition.
type Evaluation struct {
	Truth       [][]keypoints.Point
	Predictions [][]Prediction
	Errors      *keypoints.Errors
	Summary     keypoints.Summary
}

// Evaluate predicts the validation partition in batches of batchSize and
// compares the predictions with the annotations.
func (m *Model) Evaluate(batchSize int) (*Evaluation, error) {
	if m.gen == nil {
		return nil, errors.Wrap(ErrState, "model has no data generator, load it with a datapath or source to evaluate")
	}
	val, err := m.gen.Configure(1, batchSize, true, false)
	if err != nil {
		return nil, err
	}
	if val.Len() == 0 {
		return nil, errors.Wrapf(ErrConfig, "batch size %d exceeds the %d validation samples", batchSize, val.NValidation())
	}
	ev := &Evaluation{Errors: &keypoints.Errors{}}
	for i := 0; i < val.Len(); i++ {
		b, err := val.Batch(i)
		if err != nil {
			return nil, err
		}
		preds, err := m.Predict(b.Images)
		if err != nil {
			return nil, err
		}
		points := make([][]keypoints.Point, len(preds))
		for j, row := range preds {
			points[j] = make([]keypoints.Point, len(row))
			for k, p := range row {
				points[j][k] = p.Point()
			}
		}
		errs, err := keypoints.KeypointErrors(b.Keypoints, points)
		if err != nil {
			return nil, err
		}
		ev.Errors.Append(errs)
		ev.Truth = append(ev.Truth, b.Keypoints...)
		ev.Predictions = append(ev.Predictions, preds...)
	}
	ev.Summary = ev.Errors.Summarize()
	klog.V(1).Infof("evaluated %d samples: euclidean=%.4g mae=%.4g rmse=%.4g",
		len(ev.Truth), ev.Summary.Euclidean, ev.Summary.MAE, ev.Summary.RMSE)
	return ev, nil
}

// tryGraph converts gomlx panics raised while building or running a graph
// into errors.
func tryGraph(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = errors.Errorf("%v", r)
		}
	}()
	return fn()
}

func scalar(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}
