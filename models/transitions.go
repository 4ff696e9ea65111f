package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// NDownsample returns how many times x can be halved while it stays even and
// greater than 2.
func NDownsample(x int) int {
	n := 0
	for x%2 == 0 && x > 2 {
		n++
		x /= 2
	}
	return n
}

// LargestFactor returns what is left of x after NDownsample halvings.
func LargestFactor(x int) int {
	return x >> NDownsample(x)
}

// MaxTransitions is the largest number of halvings an image of the given
// size supports.
func MaxTransitions(height, width int) int {
	return min(NDownsample(height), NDownsample(width))
}

// ResolveTransitions validates a requested transition count against the
// image size. Negative values count back from the maximum: -1 is the
// maximum, -2 one less, and so on.
func ResolveTransitions(n, height, width int) (int, error) {
	maxT := MaxTransitions(height, width)
	n0 := n
	if n == 0 {
		return 0, errors.Wrapf(ErrConfig, "n_transitions cannot equal zero, %s", transitionRange(maxT))
	}
	if n < 0 {
		n++
		if n < 0 {
			n = -n
		}
		resolved := maxT - n
		if resolved < 1 {
			return 0, errors.Wrapf(ErrConfig, "n_transitions %d resolves to %d, %s", n0, resolved, transitionRange(maxT))
		}
		return resolved, nil
	}
	if n > maxT {
		return 0, errors.Wrapf(ErrConfig, "n_transitions %d exceeds the maximum, %s", n, transitionRange(maxT))
	}
	return n, nil
}

func transitionRange(maxT int) string {
	return fmt.Sprintf("must be in range %d < n_transitions <= %d and nonzero", -maxT-1, maxT)
}

// SubpixelKernelSize returns the odd window size used by subpixel decoding
// for confidence maps of the given shape.
func SubpixelKernelSize(outputShape [2]int) int {
	k := min(outputShape[0], outputShape[1])
	k = k/LargestFactor(k) + 1
	if k%2 == 0 {
		k++
	}
	return k
}
