package augment

import (
	"math/rand"
	"testing"

	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/keypoints"
)

func gradientImage() *datasets.Image {
	im := datasets.NewImage(3, 4, 1)
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			im.Set(y, x, 0, uint8(10*y+x))
		}
	}
	return im
}

func TestAugmenterVariants(t *testing.T) {
	if None().Enabled() || Single(nil).Enabled() || List().Enabled() {
		t.Fatalf("empty augmenters must be disabled")
	}
	if k := Single(FlipUD{P: 1}).Kind(); k != KindSingle {
		t.Fatalf("expected single, got %v", k)
	}
	if k := List(FlipUD{P: 1}, nil, FlipLR{P: 1}).Kind(); k != KindList {
		t.Fatalf("expected list, got %v", k)
	}
}

func TestFlipLR_SwapsKeypoints(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	images := []*datasets.Image{gradientImage()}
	points := [][]keypoints.Point{{{X: 0, Y: 1}, {X: 3, Y: 2}, {X: 1, Y: 0}}}
	a := Single(FlipLR{P: 1, Swap: []int{1, 0, keypoints.NoSwap}})
	outImages, outPoints, err := a.Apply(rng, images, points)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if outImages[0].At(1, 0, 0) != 13 || outImages[0].At(1, 3, 0) != 10 {
		t.Fatalf("image not mirrored: %v", outImages[0].Pix)
	}
	// keypoint 0 was at x=0 -> x=3, then swapped into slot 1.
	if outPoints[0][1] != (keypoints.Point{X: 3, Y: 1}) {
		t.Fatalf("unexpected swapped keypoint 1: %v", outPoints[0][1])
	}
	if outPoints[0][0] != (keypoints.Point{X: 0, Y: 2}) {
		t.Fatalf("unexpected swapped keypoint 0: %v", outPoints[0][0])
	}
	if outPoints[0][2] != (keypoints.Point{X: 2, Y: 0}) {
		t.Fatalf("unexpected unswapped keypoint: %v", outPoints[0][2])
	}
}

func TestFlipLR_RejectsOutOfRangeSwap(t *testing.T) {
	points := [][]keypoints.Point{{{X: 0, Y: 1}, {X: 3, Y: 2}, {X: 1, Y: 0}}}
	for _, swap := range [][]int{{1, 0, 3}, {1, 0, -2}, {1, 0}} {
		rng := rand.New(rand.NewSource(1))
		a := Single(FlipLR{P: 1, Swap: swap})
		if _, _, err := a.Apply(rng, []*datasets.Image{gradientImage()}, points); err == nil {
			t.Fatalf("expected an error for swap index %v", swap)
		}
	}
}

func TestFlipUD_ProbabilityZeroIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	im := gradientImage()
	images, points, err := List(FlipUD{P: 0}).Apply(rng, []*datasets.Image{im}, [][]keypoints.Point{{{X: 1, Y: 1}}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if images[0] != im || points[0][0] != (keypoints.Point{X: 1, Y: 1}) {
		t.Fatalf("expected batch untouched")
	}
}

func TestTranslate_MovesPixelsAndKeypoints(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	im := datasets.NewImage(9, 9, 1)
	im.Set(4, 4, 0, 255)
	images, points, err := Single(Translate{MaxX: 2, MaxY: 2}).Apply(rng, []*datasets.Image{im}, [][]keypoints.Point{{{X: 4, Y: 4}}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	p := points[0][0]
	if got := images[0].At(int(p.Y), int(p.X), 0); got != 255 {
		t.Fatalf("keypoint %v no longer on the bright pixel (got %d)", p, got)
	}
	if images[0].Height != 9 || images[0].Width != 9 {
		t.Fatalf("translate changed the image shape")
	}
}
