package keypoints

import (
	"math"

	"github.com/pkg/errors"
)

// ConfidenceMaps stores a batch of heatmaps in a flat, channels-last buffer
// of shape [Batch, Height, Width, Channels].
type ConfidenceMaps struct {
	Batch    int
	Height   int
	Width    int
	Channels int
	Data     []float32
}

// NewConfidenceMaps allocates zeroed maps.
func NewConfidenceMaps(batch, height, width, channels int) *ConfidenceMaps {
	return &ConfidenceMaps{
		Batch:    batch,
		Height:   height,
		Width:    width,
		Channels: channels,
		Data:     make([]float32, batch*height*width*channels),
	}
}

func (c *ConfidenceMaps) offset(b, y, x, ch int) int {
	return ((b*c.Height+y)*c.Width+x)*c.Channels + ch
}

// At returns the value at sample b, row y, column x, channel ch.
func (c *ConfidenceMaps) At(b, y, x, ch int) float32 {
	return c.Data[c.offset(b, y, x, ch)]
}

// Set stores v at sample b, row y, column x, channel ch.
func (c *ConfidenceMaps) Set(b, y, x, ch int, v float32) {
	c.Data[c.offset(b, y, x, ch)] = v
}

// Dimensions returns the shape of the maps.
func (c *ConfidenceMaps) Dimensions() []int {
	return []int{c.Batch, c.Height, c.Width, c.Channels}
}

// Clone returns a deep copy.
func (c *ConfidenceMaps) Clone() *ConfidenceMaps {
	out := *c
	out.Data = make([]float32, len(c.Data))
	copy(out.Data, c.Data)
	return &out
}

// Scale multiplies every value by factor.
func (c *ConfidenceMaps) Scale(factor float32) {
	for i := range c.Data {
		c.Data[i] *= factor
	}
}

// ScaleChannels multiplies channels [from, Channels) by factor.
func (c *ConfidenceMaps) ScaleChannels(from int, factor float32) {
	if from >= c.Channels {
		return
	}
	for i := 0; i < len(c.Data); i += c.Channels {
		for ch := from; ch < c.Channels; ch++ {
			c.Data[i+ch] *= factor
		}
	}
}

// RenderOptions configures DrawConfidenceMaps.
type RenderOptions struct {
	// Height and Width of the output grid.
	Height int
	Width  int

	// Sigma is the standard deviation of the Gaussians, in output pixels.
	Sigma float64

	// CoordinateScale converts keypoint coordinates to output pixels,
	// e.g. 1/2^downsample_factor.
	CoordinateScale float64

	// UseEdges adds one channel per edge after the keypoint channels.
	UseEdges bool
}

// DrawConfidenceMaps renders one Gaussian heatmap per keypoint and, with
// UseEdges, one heatmap per edge after them. Missing keypoints, and edges
// touching a missing keypoint, render as all-zero channels.
func DrawConfidenceMaps(batch [][]Point, edges []Edge, opts RenderOptions) (*ConfidenceMaps, error) {
	if opts.Height <= 0 || opts.Width <= 0 {
		return nil, errors.Errorf("confidence map shape must be positive, got %dx%d", opts.Height, opts.Width)
	}
	if opts.Sigma <= 0 {
		return nil, errors.Errorf("sigma must be > 0, got %g", opts.Sigma)
	}
	scale := opts.CoordinateScale
	if scale == 0 {
		scale = 1
	}
	if len(batch) == 0 {
		return nil, errors.New("cannot render confidence maps for an empty batch")
	}
	nKeypoints := len(batch[0])
	nEdges := 0
	if opts.UseEdges {
		nEdges = len(edges)
	}
	maps := NewConfidenceMaps(len(batch), opts.Height, opts.Width, nKeypoints+nEdges)
	denom := 2 * opts.Sigma * opts.Sigma

	for b, points := range batch {
		if len(points) != nKeypoints {
			return nil, errors.Errorf("sample %d has %d keypoints, expected %d", b, len(points), nKeypoints)
		}
		scaled := make([]Point, nKeypoints)
		for k, p := range points {
			scaled[k] = Point{X: p.X * float32(scale), Y: p.Y * float32(scale)}
		}
		for k, p := range scaled {
			if p.IsMissing() {
				continue
			}
			px, py := float64(p.X), float64(p.Y)
			for y := 0; y < opts.Height; y++ {
				dy := float64(y) - py
				for x := 0; x < opts.Width; x++ {
					dx := float64(x) - px
					maps.Set(b, y, x, k, float32(math.Exp(-(dx*dx+dy*dy)/denom)))
				}
			}
		}
		for e := 0; e < nEdges; e++ {
			edge := edges[e]
			if edge.A >= nKeypoints || edge.B >= nKeypoints {
				return nil, errors.Errorf("edge (%d, %d) references a keypoint outside [0, %d)", edge.A, edge.B, nKeypoints)
			}
			p0, p1 := scaled[edge.A], scaled[edge.B]
			if p0.IsMissing() || p1.IsMissing() {
				continue
			}
			ch := nKeypoints + e
			for y := 0; y < opts.Height; y++ {
				for x := 0; x < opts.Width; x++ {
					d2 := segmentDistanceSquared(float64(x), float64(y), p0, p1)
					maps.Set(b, y, x, ch, float32(math.Exp(-d2/denom)))
				}
			}
		}
	}
	return maps, nil
}

// segmentDistanceSquared returns the squared distance from (x, y) to the
// segment p0-p1.
func segmentDistanceSquared(x, y float64, p0, p1 Point) float64 {
	ax, ay := float64(p0.X), float64(p0.Y)
	bx, by := float64(p1.X), float64(p1.Y)
	vx, vy := bx-ax, by-ay
	wx, wy := x-ax, y-ay
	length2 := vx*vx + vy*vy
	t := 0.0
	if length2 > 0 {
		t = (wx*vx + wy*vy) / length2
		t = math.Max(0, math.Min(1, t))
	}
	dx := x - (ax + t*vx)
	dy := y - (ay + t*vy)
	return dx*dx + dy*dy
}
