package keypoints

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Errors holds per-sample, per-keypoint errors between ground truth and
// predicted coordinates. Every matrix is indexed [sample][keypoint]. Entries
// for missing ground-truth keypoints are NaN.
type Errors struct {
	// Offset is truth minus prediction.
	Offset [][]Point

	Euclidean [][]float64
	MAE       [][]float64
	MSE       [][]float64
	RMSE      [][]float64
}

// Summary aggregates Errors over every annotated keypoint.
type Summary struct {
	Euclidean float64
	MAE       float64
	MSE       float64
	RMSE      float64

	// Count is the number of annotated keypoints aggregated.
	Count int
}

// KeypointErrors compares truth and predicted keypoints.
func KeypointErrors(truth, pred [][]Point) (*Errors, error) {
	if len(truth) != len(pred) {
		return nil, errors.Errorf("got %d ground truth samples and %d predictions", len(truth), len(pred))
	}
	e := &Errors{
		Offset:    make([][]Point, len(truth)),
		Euclidean: make([][]float64, len(truth)),
		MAE:       make([][]float64, len(truth)),
		MSE:       make([][]float64, len(truth)),
		RMSE:      make([][]float64, len(truth)),
	}
	for i := range truth {
		if len(truth[i]) != len(pred[i]) {
			return nil, errors.Errorf("sample %d: got %d ground truth keypoints and %d predictions", i, len(truth[i]), len(pred[i]))
		}
		n := len(truth[i])
		e.Offset[i] = make([]Point, n)
		e.Euclidean[i] = make([]float64, n)
		e.MAE[i] = make([]float64, n)
		e.MSE[i] = make([]float64, n)
		e.RMSE[i] = make([]float64, n)
		for k := range truth[i] {
			dx := float64(truth[i][k].X - pred[i][k].X)
			dy := float64(truth[i][k].Y - pred[i][k].Y)
			e.Offset[i][k] = Point{X: float32(dx), Y: float32(dy)}
			mse := (dx*dx + dy*dy) / 2
			e.Euclidean[i][k] = math.Sqrt(dx*dx + dy*dy)
			e.MAE[i][k] = (math.Abs(dx) + math.Abs(dy)) / 2
			e.MSE[i][k] = mse
			e.RMSE[i][k] = math.Sqrt(mse)
		}
	}
	return e, nil
}

// Append concatenates other's samples after e's.
func (e *Errors) Append(other *Errors) {
	e.Offset = append(e.Offset, other.Offset...)
	e.Euclidean = append(e.Euclidean, other.Euclidean...)
	e.MAE = append(e.MAE, other.MAE...)
	e.MSE = append(e.MSE, other.MSE...)
	e.RMSE = append(e.RMSE, other.RMSE...)
}

// Summarize averages each metric over all non-NaN entries.
func (e *Errors) Summarize() Summary {
	var s Summary
	euclid, mae, mse := finite(e.Euclidean), finite(e.MAE), finite(e.MSE)
	s.Count = len(euclid)
	if s.Count == 0 {
		return s
	}
	s.Euclidean = stat.Mean(euclid, nil)
	s.MAE = stat.Mean(mae, nil)
	s.MSE = stat.Mean(mse, nil)
	s.RMSE = math.Sqrt(s.MSE)
	return s
}

func finite(m [][]float64) []float64 {
	var out []float64
	for _, row := range m {
		for _, v := range row {
			if !math.IsNaN(v) {
				out = append(out, v)
			}
		}
	}
	return out
}
