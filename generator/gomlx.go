package generator

import (
	"io"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// This file makes Generator a gomlx train.Dataset: Yield hands out the
// batches of the current epoch in order and returns io.EOF after the last
// full batch; Reset starts the next epoch.

// Name implements train.Dataset.
func (g *Generator) Name() string {
	if g.validation {
		return "validation"
	}
	return "train"
}

// Reset implements train.Dataset, starting a new epoch.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position = 0
	g.OnEpochEnd()
}

// Yield implements train.Dataset. Inputs hold one float32 image tensor of
// shape [batch, height, width, channels] in the [0, 255] range. Labels hold
// nOutputs confidence map tensors, or one [batch, keypoints, 2] coordinate
// tensor when confidence maps are disabled. Yield may be called concurrently.
func (g *Generator) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	g.mu.Lock()
	i := g.position
	if i >= g.Len() {
		g.mu.Unlock()
		return nil, nil, nil, io.EOF
	}
	g.position++
	g.mu.Unlock()

	b, err := g.Batch(i)
	if err != nil {
		return nil, nil, nil, err
	}
	in, err := ImagesTensor(b.Images)
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{in}
	if b.Targets == nil {
		labels = []*tensors.Tensor{KeypointsTensor(b.Keypoints)}
		return nil, inputs, labels, nil
	}
	labels = make([]*tensors.Tensor, len(b.Targets))
	for j, t := range b.Targets {
		labels[j] = MapsTensor(t)
	}
	return nil, inputs, labels, nil
}

// ImagesTensor packs images of identical shape into a float32 tensor of
// shape [batch, height, width, channels].
func ImagesTensor(images []*datasets.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.New("cannot build a tensor from an empty batch")
	}
	h, w, c := images[0].Height, images[0].Width, images[0].Channels
	flat := make([]float32, 0, len(images)*h*w*c)
	for i, im := range images {
		if im.Height != h || im.Width != w || im.Channels != c {
			return nil, errors.Errorf("image %d is %dx%dx%d, expected %dx%dx%d", i, im.Height, im.Width, im.Channels, h, w, c)
		}
		for _, v := range im.Pix {
			flat = append(flat, float32(v))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), h, w, c), nil
}

// MapsTensor converts confidence maps to a float32 tensor.
func MapsTensor(m *keypoints.ConfidenceMaps) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(m.Data, m.Dimensions()...)
}

// KeypointsTensor packs keypoints into a float32 tensor of shape
// [batch, keypoints, 2] holding (x, y).
func KeypointsTensor(points [][]keypoints.Point) *tensors.Tensor {
	k := 0
	if len(points) > 0 {
		k = len(points[0])
	}
	flat := make([]float32, 0, len(points)*k*2)
	for _, row := range points {
		for _, p := range row {
			flat = append(flat, p.X, p.Y)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(points), k, 2)
}
