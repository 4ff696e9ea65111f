package augment

import (
	"math/rand"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/pkg/errors"
)

// FlipLR mirrors images horizontally with probability P. Mirrored keypoints
// exchange places according to Swap (a skeleton's swap index), so a left
// wrist stays labelled as the left wrist.
type FlipLR struct {
	P    float64
	Swap []int
}

// Apply implements Transform.
func (f FlipLR) Apply(rng *rand.Rand, images []*datasets.Image, points [][]keypoints.Point) ([]*datasets.Image, [][]keypoints.Point, error) {
	for i, im := range images {
		if rng.Float64() >= f.P {
			continue
		}
		out := datasets.NewImage(im.Height, im.Width, im.Channels)
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				for c := 0; c < im.Channels; c++ {
					out.Set(y, im.Width-1-x, c, im.At(y, x, c))
				}
			}
		}
		images[i] = out
		mirrored := make([]keypoints.Point, len(points[i]))
		for k, p := range points[i] {
			mirrored[k] = keypoints.Point{X: float32(im.Width-1) - p.X, Y: p.Y}
		}
		swapped, err := swapKeypoints(mirrored, f.Swap)
		if err != nil {
			return nil, nil, err
		}
		points[i] = swapped
	}
	return images, points, nil
}

// FlipUD mirrors images vertically with probability P.
type FlipUD struct {
	P float64
}

// Apply implements Transform.
func (f FlipUD) Apply(rng *rand.Rand, images []*datasets.Image, points [][]keypoints.Point) ([]*datasets.Image, [][]keypoints.Point, error) {
	for i, im := range images {
		if rng.Float64() >= f.P {
			continue
		}
		out := datasets.NewImage(im.Height, im.Width, im.Channels)
		rowLen := im.Width * im.Channels
		for y := 0; y < im.Height; y++ {
			dst := (im.Height - 1 - y) * rowLen
			copy(out.Pix[dst:dst+rowLen], im.Pix[y*rowLen:(y+1)*rowLen])
		}
		images[i] = out
		flipped := make([]keypoints.Point, len(points[i]))
		for k, p := range points[i] {
			flipped[k] = keypoints.Point{X: p.X, Y: float32(im.Height-1) - p.Y}
		}
		points[i] = flipped
	}
	return images, points, nil
}

// Translate shifts images by a whole number of pixels drawn uniformly from
// [-MaxX, MaxX] and [-MaxY, MaxY]. Uncovered pixels are filled with Fill.
type Translate struct {
	MaxX int
	MaxY int
	Fill uint8
}

// Apply implements Transform.
func (t Translate) Apply(rng *rand.Rand, images []*datasets.Image, points [][]keypoints.Point) ([]*datasets.Image, [][]keypoints.Point, error) {
	if t.MaxX < 0 || t.MaxY < 0 {
		return nil, nil, errors.Errorf("translate bounds must be >= 0, got %d, %d", t.MaxX, t.MaxY)
	}
	for i, im := range images {
		dx := rng.Intn(2*t.MaxX+1) - t.MaxX
		dy := rng.Intn(2*t.MaxY+1) - t.MaxY
		if dx == 0 && dy == 0 {
			continue
		}
		out := datasets.NewImage(im.Height, im.Width, im.Channels)
		for j := range out.Pix {
			out.Pix[j] = t.Fill
		}
		for y := 0; y < im.Height; y++ {
			sy := y - dy
			if sy < 0 || sy >= im.Height {
				continue
			}
			for x := 0; x < im.Width; x++ {
				sx := x - dx
				if sx < 0 || sx >= im.Width {
					continue
				}
				for c := 0; c < im.Channels; c++ {
					out.Set(y, x, c, im.At(sy, sx, c))
				}
			}
		}
		images[i] = out
		shifted := make([]keypoints.Point, len(points[i]))
		for k, p := range points[i] {
			shifted[k] = keypoints.Point{X: p.X + float32(dx), Y: p.Y + float32(dy)}
		}
		points[i] = shifted
	}
	return images, points, nil
}

func swapKeypoints(points []keypoints.Point, swap []int) ([]keypoints.Point, error) {
	if swap == nil {
		return points, nil
	}
	if len(swap) != len(points) {
		return nil, errors.Errorf("swap index has %d entries for %d keypoints", len(swap), len(points))
	}
	out := make([]keypoints.Point, len(points))
	for k, s := range swap {
		if s == keypoints.NoSwap {
			out[k] = points[k]
			continue
		}
		if s < 0 || s >= len(points) {
			return nil, errors.Errorf("keypoint %d swaps with %d, outside the %d keypoints", k, s, len(points))
		}
		out[k] = points[s]
	}
	return out, nil
}
