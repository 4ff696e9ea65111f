// Package callbacks holds training callbacks for models.Model.Fit.
package callbacks

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/Noofbiz/poseKit/models"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// History records the logs of every epoch.
type History struct {
	Logs []models.Logs
}

// OnEpochEnd implements models.Callback.
func (h *History) OnEpochEnd(logs models.Logs) error {
	h.Logs = append(h.Logs, logs)
	return nil
}

// Losses returns the training and validation loss series.
func (h *History) Losses() (loss, validation []float64) {
	for _, l := range h.Logs {
		loss = append(loss, l.Loss)
		validation = append(validation, l.ValidationLoss)
	}
	return loss, validation
}

// Plot writes a PNG of the loss curves to path. Validation losses are drawn
// only when they were recorded.
func (h *History) Plot(path string) error {
	if len(h.Logs) == 0 {
		return errors.New("no epochs recorded")
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	train := make(plotter.XYs, 0, len(h.Logs))
	val := make(plotter.XYs, 0, len(h.Logs))
	for _, l := range h.Logs {
		train = append(train, plotter.XY{X: float64(l.Epoch + 1), Y: l.Loss})
		if !math.IsNaN(l.ValidationLoss) {
			val = append(val, plotter.XY{X: float64(l.Epoch + 1), Y: l.ValidationLoss})
		}
	}
	line, err := plotter.NewLine(train)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)
	p.Legend.Add("loss", line)

	if len(val) > 0 {
		vl, err := plotter.NewLine(val)
		if err != nil {
			return err
		}
		vl.Color = color.RGBA{R: 200, G: 30, B: 30, A: 255}
		vl.Width = vg.Points(1.5)
		vl.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(vl)
		p.Legend.Add("val_loss", vl)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// ModelCheckpoint saves the model to Dir whenever the monitored loss
// improves. It monitors the validation loss, falling back to the training
// loss for epochs without one.
type ModelCheckpoint struct {
	Dir string

	// SaveEveryEpoch saves after every epoch regardless of the loss.
	SaveEveryEpoch bool

	model *models.Model
	best  float64
	saved bool
}

// NewModelCheckpoint returns a checkpoint callback writing to dir.
func NewModelCheckpoint(dir string) *ModelCheckpoint {
	return &ModelCheckpoint{Dir: dir, best: math.Inf(1)}
}

// BindModel implements models.ModelBinder.
func (c *ModelCheckpoint) BindModel(m *models.Model) { c.model = m }

// Best returns the best monitored loss seen so far.
func (c *ModelCheckpoint) Best() float64 { return c.best }

// Saved reports whether a checkpoint was written.
func (c *ModelCheckpoint) Saved() bool { return c.saved }

// OnEpochEnd implements models.Callback.
func (c *ModelCheckpoint) OnEpochEnd(logs models.Logs) error {
	if c.model == nil {
		return errors.Wrap(models.ErrState, "checkpoint callback is not bound to a model")
	}
	monitored := logs.ValidationLoss
	if math.IsNaN(monitored) {
		monitored = logs.Loss
	}
	improved := monitored < c.best
	if improved {
		c.best = monitored
	}
	if !improved && !c.SaveEveryEpoch {
		return nil
	}
	if err := c.model.Save(c.Dir); err != nil {
		return errors.Wrapf(err, "checkpoint after epoch %d", logs.Epoch+1)
	}
	c.saved = true
	klog.V(1).Infof("epoch %d: loss %.6g, saved model to %s", logs.Epoch+1, monitored, c.Dir)
	return nil
}

// EarlyStopping stops training once the validation loss has not improved
// for Patience epochs.
type EarlyStopping struct {
	Patience int

	best  float64
	stale int
	init  bool
}

// OnEpochEnd implements models.Callback.
func (e *EarlyStopping) OnEpochEnd(logs models.Logs) error {
	monitored := logs.ValidationLoss
	if math.IsNaN(monitored) {
		monitored = logs.Loss
	}
	if !e.init || monitored < e.best {
		e.best, e.stale, e.init = monitored, 0, true
		return nil
	}
	e.stale++
	if e.stale > e.Patience {
		return models.ErrStopTraining
	}
	return nil
}
