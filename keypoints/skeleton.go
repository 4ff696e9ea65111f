// Package keypoints holds the skeleton graph and the confidence-map renderer
// used to turn sparse keypoint annotations into dense training targets.
package keypoints

import (
	"math"

	"github.com/pkg/errors"
)

// NoParent marks a root keypoint in a skeleton, and NoSwap a keypoint with no
// mirrored counterpart.
const (
	NoParent = -1
	NoSwap   = -1
)

// ErrSkeleton is returned when a skeleton references keypoints that do not exist.
var ErrSkeleton = errors.New("invalid skeleton")

// Point is a 2D keypoint coordinate in pixels (X is the column, Y the row).
// A NaN coordinate marks a missing keypoint.
type Point struct {
	X float32
	Y float32
}

// Missing returns a Point marking an unannotated keypoint.
func Missing() Point {
	nan := float32(math.NaN())
	return Point{X: nan, Y: nan}
}

// IsMissing reports whether p is not annotated.
func (p Point) IsMissing() bool {
	return math.IsNaN(float64(p.X)) || math.IsNaN(float64(p.Y))
}

// Edge is an undirected pair of keypoint indices, stored with A < B.
type Edge struct {
	A int
	B int
}

// Skeleton is a tree over keypoints.
type Skeleton struct {
	// Names of the keypoints, optional.
	Names []string

	// Parents[i] is the parent index of keypoint i, or NoParent for roots.
	Parents []int

	// Swap[i] is the index keypoint i is exchanged with when the image is
	// mirrored, or NoSwap.
	Swap []int
}

// NewSkeleton validates and returns a skeleton. swap may be nil.
func NewSkeleton(names []string, parents, swap []int) (*Skeleton, error) {
	n := len(parents)
	if n == 0 {
		return nil, errors.Wrap(ErrSkeleton, "skeleton has no keypoints")
	}
	if names != nil && len(names) != n {
		return nil, errors.Wrapf(ErrSkeleton, "got %d names for %d keypoints", len(names), n)
	}
	if swap == nil {
		swap = make([]int, n)
		for i := range swap {
			swap[i] = NoSwap
		}
	}
	if len(swap) != n {
		return nil, errors.Wrapf(ErrSkeleton, "got %d swap indices for %d keypoints", len(swap), n)
	}
	for i, p := range parents {
		if p != NoParent && (p < 0 || p >= n) {
			return nil, errors.Wrapf(ErrSkeleton, "keypoint %d has parent %d, must be in [0, %d) or %d", i, p, n, NoParent)
		}
		if p == i {
			return nil, errors.Wrapf(ErrSkeleton, "keypoint %d is its own parent", i)
		}
	}
	for i, s := range swap {
		if s != NoSwap && (s < 0 || s >= n) {
			return nil, errors.Wrapf(ErrSkeleton, "keypoint %d has swap index %d, must be in [0, %d) or %d", i, s, n, NoSwap)
		}
	}
	return &Skeleton{Names: names, Parents: parents, Swap: swap}, nil
}

// Len returns the number of keypoints.
func (s *Skeleton) Len() int {
	return len(s.Parents)
}

// Edges returns the unique edges of the skeleton tree.
func (s *Skeleton) Edges() []Edge {
	return GraphToEdges(s.Parents)
}

// GraphToEdges converts a parent-pointer tree into its list of unique
// undirected edges, in order of first appearance.
func GraphToEdges(parents []int) []Edge {
	seen := make(map[Edge]bool)
	var edges []Edge
	for child, parent := range parents {
		if parent == NoParent || parent < 0 || parent == child {
			continue
		}
		e := Edge{A: min(child, parent), B: max(child, parent)}
		if seen[e] {
			continue
		}
		seen[e] = true
		edges = append(edges, e)
	}
	return edges
}
