// Package augment applies joint image and keypoint transforms to training
// batches.
package augment

import (
	"math/rand"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
)

// Transform transforms a batch of images and their keypoints together.
// Implementations must preserve image shapes and keypoint counts, and must
// draw randomness only from rng.
type Transform interface {
	Apply(rng *rand.Rand, images []*datasets.Image, points [][]keypoints.Point) ([]*datasets.Image, [][]keypoints.Point, error)
}

// Kind tells which variant an Augmenter holds.
type Kind int

const (
	KindNone Kind = iota
	KindSingle
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindList:
		return "list"
	}
	return "none"
}

// Augmenter is either nothing, a single transform, or a list of transforms
// applied in order. The zero value applies nothing.
type Augmenter struct {
	kind       Kind
	transforms []Transform
}

// None returns an augmenter that leaves batches untouched.
func None() Augmenter {
	return Augmenter{}
}

// Single wraps one transform. A nil transform yields None.
func Single(t Transform) Augmenter {
	if t == nil {
		return None()
	}
	return Augmenter{kind: KindSingle, transforms: []Transform{t}}
}

// List applies transforms in order. An empty list yields None.
func List(ts ...Transform) Augmenter {
	var kept []Transform
	for _, t := range ts {
		if t != nil {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return None()
	}
	return Augmenter{kind: KindList, transforms: kept}
}

// Kind returns the variant held.
func (a Augmenter) Kind() Kind { return a.kind }

// Enabled reports whether a applies any transform.
func (a Augmenter) Enabled() bool { return a.kind != KindNone }

// Apply runs every transform over the batch.
func (a Augmenter) Apply(rng *rand.Rand, images []*datasets.Image, points [][]keypoints.Point) ([]*datasets.Image, [][]keypoints.Point, error) {
	var err error
	for _, t := range a.transforms {
		images, points, err = t.Apply(rng, images, points)
		if err != nil {
			return nil, nil, err
		}
	}
	return images, points, nil
}
