// Package datasets provides the annotation sources that feed the training
// generator: an in-memory source and a lazily loaded CSV annotation store.
package datasets

import (
	"github.com/Noofbiz/poseKit/keypoints"
	"github.com/pkg/errors"
)

// Source is the minimal interface the training generator needs from an
// annotation store. Indices run over annotated samples only.
type Source interface {
	// Len returns the number of annotated samples.
	Len() int

	// Samples returns the images and keypoints for the given indices. Each
	// keypoint row has Skeleton().Len() points; missing keypoints are NaN.
	Samples(indices []int) ([]*Image, [][]keypoints.Point, error)

	// Skeleton returns the keypoint graph shared by every sample.
	Skeleton() *keypoints.Skeleton
}

// MemorySource is a Source backed by slices held in memory.
type MemorySource struct {
	images   []*Image
	points   [][]keypoints.Point
	skeleton *keypoints.Skeleton
}

// NewMemorySource builds a source from parallel slices. Samples whose
// annotated flag is false are dropped; annotated may be nil to keep all.
func NewMemorySource(images []*Image, points [][]keypoints.Point, annotated []bool, skeleton *keypoints.Skeleton) (*MemorySource, error) {
	if skeleton == nil {
		return nil, errors.New("skeleton cannot be nil")
	}
	if len(images) != len(points) {
		return nil, errors.Errorf("got %d images and %d keypoint rows", len(images), len(points))
	}
	if annotated != nil && len(annotated) != len(images) {
		return nil, errors.Errorf("got %d annotated flags for %d images", len(annotated), len(images))
	}
	m := &MemorySource{skeleton: skeleton}
	for i := range images {
		if annotated != nil && !annotated[i] {
			continue
		}
		if len(points[i]) != skeleton.Len() {
			return nil, errors.Errorf("sample %d has %d keypoints, skeleton has %d", i, len(points[i]), skeleton.Len())
		}
		m.images = append(m.images, images[i])
		m.points = append(m.points, points[i])
	}
	if len(m.images) == 0 {
		return nil, errors.New("no annotated samples")
	}
	return m, nil
}

// Len implements Source.
func (m *MemorySource) Len() int { return len(m.images) }

// Skeleton implements Source.
func (m *MemorySource) Skeleton() *keypoints.Skeleton { return m.skeleton }

// Samples implements Source. Returned images and keypoints are copies.
func (m *MemorySource) Samples(indices []int) ([]*Image, [][]keypoints.Point, error) {
	images := make([]*Image, len(indices))
	points := make([][]keypoints.Point, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(m.images) {
			return nil, nil, errors.Errorf("index %d out of range [0, %d)", idx, len(m.images))
		}
		images[i] = m.images[idx].Clone()
		points[i] = append([]keypoints.Point(nil), m.points[idx]...)
	}
	return images, points, nil
}
