package keypoints

import (
	"errors"
	"math"
	"testing"
)

func TestGraphToEdges_RootWithTwoChildren(t *testing.T) {
	edges := GraphToEdges([]int{NoParent, 0, 0})
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d: %v", len(edges), edges)
	}
	if edges[0] != (Edge{A: 0, B: 1}) || edges[1] != (Edge{A: 0, B: 2}) {
		t.Fatalf("unexpected edges: %v", edges)
	}
}

func TestGraphToEdges_RemovesDuplicates(t *testing.T) {
	// keypoints 0 and 1 point at each other: one undirected edge.
	edges := GraphToEdges([]int{1, 0, NoParent})
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %v", edges)
	}
}

func TestNewSkeleton_InvalidParent(t *testing.T) {
	_, err := NewSkeleton(nil, []int{NoParent, 5}, nil)
	if !errors.Is(err, ErrSkeleton) {
		t.Fatalf("expected ErrSkeleton, got %v", err)
	}
	_, err = NewSkeleton(nil, []int{NoParent, 0}, []int{1, 9})
	if !errors.Is(err, ErrSkeleton) {
		t.Fatalf("expected ErrSkeleton for bad swap, got %v", err)
	}
}

func TestDrawConfidenceMaps_PeakAndChannels(t *testing.T) {
	edges := GraphToEdges([]int{NoParent, 0, 0})
	batch := [][]Point{{{X: 8, Y: 8}, {X: 16, Y: 8}, {X: 8, Y: 24}}}
	maps, err := DrawConfidenceMaps(batch, edges, RenderOptions{
		Height: 16, Width: 16, Sigma: 1.5, CoordinateScale: 0.5, UseEdges: true,
	})
	if err != nil {
		t.Fatalf("DrawConfidenceMaps error: %v", err)
	}
	if maps.Channels != 5 {
		t.Fatalf("expected 3 keypoint + 2 edge channels, got %d", maps.Channels)
	}
	if got := maps.At(0, 4, 4, 0); math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("expected peak 1 at scaled keypoint, got %v", got)
	}
	// One pixel away: exp(-1 / (2*1.5^2)).
	want := math.Exp(-1 / (2 * 1.5 * 1.5))
	if got := maps.At(0, 4, 5, 0); math.Abs(float64(got)-want) > 1e-6 {
		t.Fatalf("expected %v next to peak, got %v", want, got)
	}
	// Midpoint of edge 0-1 lies on the segment.
	if got := maps.At(0, 4, 6, 3); math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("expected 1 on edge segment, got %v", got)
	}
}

func TestDrawConfidenceMaps_MissingKeypointIsZero(t *testing.T) {
	edges := GraphToEdges([]int{NoParent, 0})
	batch := [][]Point{{{X: 3, Y: 3}, Missing()}}
	maps, err := DrawConfidenceMaps(batch, edges, RenderOptions{Height: 8, Width: 8, Sigma: 2, UseEdges: true})
	if err != nil {
		t.Fatalf("DrawConfidenceMaps error: %v", err)
	}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			for _, ch := range []int{1, 2} {
				v := maps.At(0, y, x, ch)
				if v != 0 || math.IsNaN(float64(v)) {
					t.Fatalf("expected zero at (%d,%d) channel %d, got %v", y, x, ch, v)
				}
			}
		}
	}
}

func TestDrawConfidenceMaps_Idempotent(t *testing.T) {
	edges := GraphToEdges([]int{NoParent, 0, 1})
	batch := [][]Point{{{X: 1, Y: 2}, {X: 5, Y: 5}, {X: 7, Y: 1}}}
	opts := RenderOptions{Height: 8, Width: 8, Sigma: 1, UseEdges: true}
	a, err := DrawConfidenceMaps(batch, edges, opts)
	if err != nil {
		t.Fatalf("first render: %v", err)
	}
	b, err := DrawConfidenceMaps(batch, edges, opts)
	if err != nil {
		t.Fatalf("second render: %v", err)
	}
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("renders differ at %d: %v != %v", i, a.Data[i], b.Data[i])
		}
	}
}

func TestConfidenceMaps_ScaleChannels(t *testing.T) {
	m := NewConfidenceMaps(1, 1, 2, 3)
	for i := range m.Data {
		m.Data[i] = 1
	}
	m.ScaleChannels(2, 0.1)
	if m.At(0, 0, 1, 1) != 1 || math.Abs(float64(m.At(0, 0, 1, 2))-0.1) > 1e-7 {
		t.Fatalf("unexpected scaled data: %v", m.Data)
	}
}

func TestKeypointErrors_Summary(t *testing.T) {
	truth := [][]Point{{{X: 0, Y: 0}, {X: 10, Y: 10}, Missing()}}
	pred := [][]Point{{{X: 3, Y: 4}, {X: 10, Y: 10}, {X: 1, Y: 1}}}
	e, err := KeypointErrors(truth, pred)
	if err != nil {
		t.Fatalf("KeypointErrors error: %v", err)
	}
	if e.Euclidean[0][0] != 5 {
		t.Fatalf("expected euclidean 5, got %v", e.Euclidean[0][0])
	}
	if !math.IsNaN(e.Euclidean[0][2]) {
		t.Fatalf("expected NaN error for missing keypoint, got %v", e.Euclidean[0][2])
	}
	s := e.Summarize()
	if s.Count != 2 {
		t.Fatalf("expected 2 aggregated keypoints, got %d", s.Count)
	}
	if math.Abs(s.Euclidean-2.5) > 1e-9 {
		t.Fatalf("expected mean euclidean 2.5, got %v", s.Euclidean)
	}
	// mse of first keypoint = (9 + 16) / 2 = 12.5, second = 0.
	if math.Abs(s.MSE-6.25) > 1e-9 || math.Abs(s.RMSE-2.5) > 1e-9 {
		t.Fatalf("unexpected mse/rmse: %v / %v", s.MSE, s.RMSE)
	}
}
