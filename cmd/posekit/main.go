// Command posekit trains and evaluates keypoint models on an annotation CSV.
//
//	posekit -mode train -datapath annotations.csv -out model/
//	posekit -mode evaluate -model model/ -datapath annotations.csv
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"

	"github.com/Noofbiz/poseKit/augment"
	"github.com/Noofbiz/poseKit/callbacks"
	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/generator"
	"github.com/Noofbiz/poseKit/models"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// defaultConfigJSON is the configuration applied before -config and the
// command line flags.
const defaultConfigJSON = `{
  "data": {
    "datapath": "",
    "dataset": "images"
  },
  "generator": {
    "downsample_factor": 2,
    "sigma": 5,
    "use_graph": true,
    "graph_scale": 0.1,
    "validation_split": 0.1,
    "shuffle": true,
    "random_seed": 0,
    "flip_lr": 0,
    "flip_ud": 0,
    "translate": 0
  },
  "model": {
    "class_name": "StackedDenseNet",
    "config": {}
  },
  "training": {
    "optimizer": "adam",
    "learning_rate": 0.001,
    "epochs": 10,
    "batch_size": 16,
    "validation_batch_size": 1,
    "workers": 1,
    "early_stopping_patience": 0
  },
  "output": {
    "dir": "output/model",
    "plots": "output/plots"
  }
}`

type config struct {
	Data struct {
		Datapath string `json:"datapath"`
		Dataset  string `json:"dataset"`
	} `json:"data"`
	Generator struct {
		DownsampleFactor int     `json:"downsample_factor"`
		Sigma            float64 `json:"sigma"`
		UseGraph         bool    `json:"use_graph"`
		GraphScale       float64 `json:"graph_scale"`
		ValidationSplit  float64 `json:"validation_split"`
		Shuffle          bool    `json:"shuffle"`
		RandomSeed       int64   `json:"random_seed"`
		FlipLR           float64 `json:"flip_lr"`
		FlipUD           float64 `json:"flip_ud"`
		Translate        int     `json:"translate"`
	} `json:"generator"`
	Model struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	} `json:"model"`
	Training struct {
		Optimizer             string  `json:"optimizer"`
		LearningRate          float64 `json:"learning_rate"`
		Epochs                int     `json:"epochs"`
		BatchSize             int     `json:"batch_size"`
		ValidationBatchSize   int     `json:"validation_batch_size"`
		Workers               int     `json:"workers"`
		EarlyStoppingPatience int     `json:"early_stopping_patience"`
	} `json:"training"`
	Output struct {
		Dir   string `json:"dir"`
		Plots string `json:"plots"`
	} `json:"output"`
}

// loadConfig applies the default configuration, then the file at path.
func loadConfig(path string) (*config, error) {
	cfg := &config{}
	if err := json.Unmarshal([]byte(defaultConfigJSON), cfg); err != nil {
		return nil, errors.Wrap(err, "default config")
	}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

func (c *config) augmenter(swap []int) augment.Augmenter {
	var ts []augment.Transform
	if c.Generator.FlipLR > 0 {
		ts = append(ts, augment.FlipLR{P: c.Generator.FlipLR, Swap: swap})
	}
	if c.Generator.FlipUD > 0 {
		ts = append(ts, augment.FlipUD{P: c.Generator.FlipUD})
	}
	if c.Generator.Translate > 0 {
		ts = append(ts, augment.Translate{MaxX: c.Generator.Translate, MaxY: c.Generator.Translate})
	}
	switch len(ts) {
	case 0:
		return augment.None()
	case 1:
		return augment.Single(ts[0])
	}
	return augment.List(ts...)
}

func (c *config) generatorOptions(aug augment.Augmenter) generator.Options {
	g := c.Generator
	return generator.Options{
		DownsampleFactor: g.DownsampleFactor,
		UseGraph:         g.UseGraph,
		Augmenter:        aug,
		Shuffle:          g.Shuffle,
		Sigma:            g.Sigma,
		ValidationSplit:  g.ValidationSplit,
		GraphScale:       g.GraphScale,
		RandomSeed:       g.RandomSeed,
	}
}

// architecture builds the configured network. An empty model config selects
// the architecture defaults.
func (c *config) architecture(gc generator.Config) (models.Architecture, error) {
	raw := c.Model.Config
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	return models.NewArchitecture(gc, models.ModelConfig{
		ClassName: c.Model.ClassName,
		Version:   models.ModelConfigVersion,
		Config:    raw,
	})
}

func main() {
	klog.InitFlags(nil)
	mode := flag.String("mode", "train", "'train' or 'evaluate'")
	configPath := flag.String("config", "", "path to a JSON config merged over the defaults")
	datapath := flag.String("datapath", "", "annotation CSV (overrides JSON if provided)")
	dataset := flag.String("dataset", "", "image path column of the annotation CSV (overrides JSON if provided)")
	modelDir := flag.String("model", "", "saved model directory for evaluate mode (defaults to output.dir)")
	outDir := flag.String("out", "", "directory the trained model is saved to (overrides JSON if provided)")
	plotDir := flag.String("plots", "", "directory for loss and prediction plots (overrides JSON if provided)")
	outCSV := flag.String("out-csv", "", "if set in evaluate mode, write per-keypoint predictions to this CSV")
	epochs := flag.Int("epochs", 0, "number of training epochs (overrides JSON if provided)")
	batchSize := flag.Int("batch-size", 0, "training batch size (overrides JSON if provided)")
	learningRate := flag.Float64("learning-rate", 0, "learning rate (overrides JSON if provided)")
	optimizer := flag.String("optimizer", "", "'adam' or 'sgd' (overrides JSON if provided)")
	workers := flag.Int("workers", 0, "parallel batch workers (overrides JSON if provided)")
	seed := flag.Int64("seed", 0, "generator random seed (overrides JSON if provided)")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	flag.Parse()
	defer klog.Flush()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		klog.Exitf("failed to load config: %v", err)
	}
	// CLI flags take precedence over JSON when set.
	if *datapath != "" {
		cfg.Data.Datapath = *datapath
	}
	if *dataset != "" {
		cfg.Data.Dataset = *dataset
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *plotDir != "" {
		cfg.Output.Plots = *plotDir
	}
	if *epochs > 0 {
		cfg.Training.Epochs = *epochs
	}
	if *batchSize > 0 {
		cfg.Training.BatchSize = *batchSize
	}
	if *learningRate > 0 {
		cfg.Training.LearningRate = *learningRate
	}
	if *optimizer != "" {
		cfg.Training.Optimizer = *optimizer
	}
	if *workers > 0 {
		cfg.Training.Workers = *workers
	}
	if *seed != 0 {
		cfg.Generator.RandomSeed = *seed
	}

	if *printEffectiveConfig {
		b, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(b))
		return
	}
	if cfg.Data.Datapath == "" {
		klog.Exit("no annotation CSV given, set data.datapath or -datapath")
	}

	switch *mode {
	case "train":
		err = runTrain(cfg)
	case "evaluate":
		dir := *modelDir
		if dir == "" {
			dir = cfg.Output.Dir
		}
		err = runEvaluate(cfg, dir, *outCSV)
	default:
		err = errors.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		klog.Exit(err)
	}
}

func runTrain(cfg *config) error {
	src, err := datasets.NewAnnotationDataset(cfg.Data.Datapath, cfg.Data.Dataset)
	if err != nil {
		return err
	}
	aug := cfg.augmenter(src.Skeleton().Swap)
	gen, err := generator.NewAnnotated(src, cfg.generatorOptions(aug))
	if err != nil {
		return err
	}
	klog.Infof("loaded %d training and %d validation samples from %s", gen.NTrain(), gen.NValidation(), cfg.Data.Datapath)

	arch, err := cfg.architecture(gen.Config())
	if err != nil {
		return err
	}
	m, err := models.New(gen, arch, nil)
	if err != nil {
		return err
	}
	if err := m.Compile(cfg.Training.Optimizer, cfg.Training.LearningRate); err != nil {
		return err
	}

	history := &callbacks.History{}
	cbs := []models.Callback{history, callbacks.NewModelCheckpoint(cfg.Output.Dir)}
	if p := cfg.Training.EarlyStoppingPatience; p > 0 {
		cbs = append(cbs, &callbacks.EarlyStopping{Patience: p})
	}
	err = m.Fit(models.FitOptions{
		BatchSize:           cfg.Training.BatchSize,
		ValidationBatchSize: cfg.Training.ValidationBatchSize,
		Epochs:              cfg.Training.Epochs,
		Workers:             cfg.Training.Workers,
		Callbacks:           cbs,
	})
	if err != nil {
		return err
	}
	klog.Infof("trained %s for %d epochs, model saved to %s", arch.Name(), len(history.Logs), cfg.Output.Dir)

	if cfg.Output.Plots == "" {
		return nil
	}
	path := filepath.Join(cfg.Output.Plots, "loss.png")
	if err := history.Plot(path); err != nil {
		return errors.Wrap(err, "failed to plot history")
	}
	klog.Infof("loss plot written to %s", path)
	return nil
}

func runEvaluate(cfg *config, dir, outCSV string) error {
	m, err := models.Load(dir, models.LoadOptions{Datapath: cfg.Data.Datapath})
	if err != nil {
		return err
	}
	ev, err := m.Evaluate(cfg.Training.ValidationBatchSize)
	if err != nil {
		return err
	}
	s := ev.Summary
	fmt.Printf("Keypoint evaluation over %d keypoints: euclidean = %f, MAE = %f, MSE = %f, RMSE = %f\n",
		s.Count, s.Euclidean, s.MAE, s.MSE, s.RMSE)

	if outCSV != "" {
		if err := writePredictions(outCSV, ev); err != nil {
			return err
		}
		klog.Infof("predictions written to %s", outCSV)
	}
	if cfg.Output.Plots == "" {
		return nil
	}
	path := filepath.Join(cfg.Output.Plots, "predictions.png")
	if err := plotPredictions(path, ev); err != nil {
		return errors.Wrap(err, "failed to plot predictions")
	}
	klog.Infof("prediction plot written to %s", path)
	return nil
}

func writePredictions(path string, ev *models.Evaluation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	_ = w.Write([]string{"sample", "keypoint", "x", "y", "pred_x", "pred_y", "confidence", "error"})
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	for i, row := range ev.Predictions {
		for k, p := range row {
			t := ev.Truth[i][k]
			_ = w.Write([]string{
				strconv.Itoa(i),
				strconv.Itoa(k),
				format(float64(t.X)),
				format(float64(t.Y)),
				format(float64(p.X)),
				format(float64(p.Y)),
				format(float64(p.Confidence)),
				format(ev.Errors.Euclidean[i][k]),
			})
		}
	}
	w.Flush()
	return w.Error()
}

// plotPredictions overlays annotated (grey) and predicted (blue) keypoints in
// image coordinates.
func plotPredictions(path string, ev *models.Evaluation) error {
	truth := make(plotter.XYs, 0)
	pred := make(plotter.XYs, 0)
	for i, row := range ev.Predictions {
		for k, p := range row {
			t := ev.Truth[i][k]
			if !t.IsMissing() {
				truth = append(truth, plotter.XY{X: float64(t.X), Y: -float64(t.Y)})
			}
			pred = append(pred, plotter.XY{X: float64(p.X), Y: -float64(p.Y)})
		}
	}
	p := plot.New()
	p.Title.Text = "Keypoints: annotated (grey), predicted (blue)"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "-y"
	p.Add(plotter.NewGrid())

	tr, err := plotter.NewScatter(truth)
	if err != nil {
		return err
	}
	tr.GlyphStyle.Color = color.RGBA{R: 120, G: 120, B: 120, A: 180}
	tr.GlyphStyle.Radius = vg.Points(1.8)
	p.Add(tr)
	p.Legend.Add("annotated", tr)

	pr, err := plotter.NewScatter(pred)
	if err != nil {
		return err
	}
	pr.GlyphStyle.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	pr.GlyphStyle.Radius = vg.Points(2.2)
	p.Add(pr)
	p.Legend.Add("predicted", pr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 6*vg.Inch, path)
}
