package models

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Keypoint decoding. Both decoders read the first nKeypoints channels of a
// [batch, height, width, channels] heatmap tensor and return a tensor of
// shape [batch, nKeypoints, 3] holding (x, y, confidence): coordinates scaled
// by coordinateScale, confidence divided by confidenceScale.

// DefaultUpsampleFactor is the subpixel grid resolution: offsets are searched
// in steps of 1/DefaultUpsampleFactor pixel.
const DefaultUpsampleFactor = 100

// keypointMaps slices the keypoint channels and moves them in front of the
// spatial axes: [batch, nKeypoints, height, width].
func keypointMaps(heatmaps *graph.Node, nKeypoints int) *graph.Node {
	h := graph.Slice(heatmaps, graph.AxisRange(), graph.AxisRange(), graph.AxisRange(), graph.AxisRange(0, nKeypoints))
	return graph.TransposeAllDims(h, 0, 3, 1, 2)
}

// coarseMaxima returns the row, column and value of each map's maximum,
// each of shape [batch, nKeypoints].
func coarseMaxima(maps *graph.Node) (rows, cols, values *graph.Node) {
	dims := maps.Shape().Dimensions
	b, k, h, w := dims[0], dims[1], dims[2], dims[3]
	flat := graph.Reshape(maps, b, k, h*w)
	values = graph.ReduceMax(flat, -1)
	idx := graph.ConvertDType(graph.ArgMax(flat, -1), maps.DType())
	rows = graph.Floor(graph.MulScalar(idx, 1/float64(w)))
	cols = graph.Sub(idx, graph.MulScalar(rows, float64(w)))
	return rows, cols, values
}

// stackCoordinates builds the [batch, k, 3] output from [batch, k] parts.
func stackCoordinates(x, y, confidence *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	parts := []*graph.Node{x, y, confidence}
	for i, p := range parts {
		parts[i] = graph.Reshape(p, dims[0], dims[1], 1)
	}
	return graph.Concatenate(parts, -1)
}

// Maxima2D decodes each keypoint at the integer location of its maximum.
func Maxima2D(heatmaps *graph.Node, nKeypoints int, coordinateScale, confidenceScale float64) *graph.Node {
	rows, cols, values := coarseMaxima(keypointMaps(heatmaps, nKeypoints))
	return stackCoordinates(
		graph.MulScalar(cols, coordinateScale),
		graph.MulScalar(rows, coordinateScale),
		graph.MulScalar(values, 1/confidenceScale),
	)
}

// SubpixelMaxima2D refines each integer maximum by correlating the map
// around it with a Gaussian of the given sigma, sampled on a grid of offsets
// in [-1, 1] pixel with step 1/upsampleFactor. Only the kernelSize window
// centered on the maximum contributes to the correlation.
func SubpixelMaxima2D(heatmaps *graph.Node, nKeypoints, kernelSize int, sigma float64, upsampleFactor int, coordinateScale, confidenceScale float64) *graph.Node {
	maps := keypointMaps(heatmaps, nKeypoints)
	dims := maps.Shape().Dimensions
	b, k, h, w := dims[0], dims[1], dims[2], dims[3]
	rows, cols, values := coarseMaxima(maps)

	g := maps.Graph()
	n := 2*upsampleFactor + 1
	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = float64(i-upsampleFactor) / float64(upsampleFactor)
	}
	u := graph.ConvertDType(graph.Const(g, offsets), maps.DType())

	// a[b, k, i, r] weights row r for offset i, b[b, k, j, c] column c for
	// offset j; the score is a . maps . b^T.
	a := offsetKernel(maps, u, rows, h, n, kernelSize, sigma)
	bk := offsetKernel(maps, u, cols, w, n, kernelSize, sigma)
	score := graph.Einsum("bkir,bkrc->bkic", a, maps)
	score = graph.Einsum("bkic,bkjc->bkij", score, bk)

	best := graph.ConvertDType(graph.ArgMax(graph.Reshape(score, b, k, n*n), -1), maps.DType())
	bi := graph.Floor(graph.MulScalar(best, 1/float64(n)))
	bj := graph.Sub(best, graph.MulScalar(bi, float64(n)))
	toOffset := func(i *graph.Node) *graph.Node {
		return graph.MulScalar(graph.AddScalar(i, -float64(upsampleFactor)), 1/float64(upsampleFactor))
	}
	y := graph.Add(rows, toOffset(bi))
	x := graph.Add(cols, toOffset(bj))
	return stackCoordinates(
		graph.MulScalar(x, coordinateScale),
		graph.MulScalar(y, coordinateScale),
		graph.MulScalar(values, 1/confidenceScale),
	)
}

// offsetKernel returns [batch, k, n, size] Gaussian weights centered at
// center+u for every offset u, zero outside the window around center.
func offsetKernel(maps, u, center *graph.Node, size, n, kernelSize int, sigma float64) *graph.Node {
	g := maps.Graph()
	dims := maps.Shape().Dimensions
	full := []int{dims[0], dims[1], n, size}
	pos := make([]float64, size)
	for i := range pos {
		pos[i] = float64(i)
	}
	grid := graph.ConvertDType(graph.Const(g, pos), maps.DType())
	grid = graph.BroadcastToDims(graph.Reshape(grid, 1, 1, 1, size), full...)
	c := graph.BroadcastToDims(graph.Reshape(center, dims[0], dims[1], 1, 1), full...)
	shift := graph.BroadcastToDims(graph.Reshape(u, 1, 1, n, 1), full...)

	d := graph.Sub(grid, c)
	inside := graph.LessOrEqual(graph.Abs(d), graph.Scalar(g, maps.DType(), float64(kernelSize/2)))
	weight := graph.Exp(graph.MulScalar(graph.Square(graph.Sub(d, shift)), -1/(2*sigma*sigma)))
	return graph.Where(inside, weight, graph.ZerosLike(weight))
}
