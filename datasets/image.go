package datasets

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Image is an 8-bit image stored row-major, channels last: Pix has
// Height*Width*Channels bytes.
type Image struct {
	Height   int
	Width    int
	Channels int
	Pix      []uint8
}

// NewImage allocates a zeroed image.
func NewImage(height, width, channels int) *Image {
	return &Image{Height: height, Width: width, Channels: channels, Pix: make([]uint8, height*width*channels)}
}

// At returns the value of channel c at row y, column x.
func (im *Image) At(y, x, c int) uint8 {
	return im.Pix[(y*im.Width+x)*im.Channels+c]
}

// Set stores v in channel c at row y, column x.
func (im *Image) Set(y, x, c int, v uint8) {
	im.Pix[(y*im.Width+x)*im.Channels+c] = v
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := *im
	out.Pix = make([]uint8, len(im.Pix))
	copy(out.Pix, im.Pix)
	return &out
}

// IsGrayscale reports whether the image has one channel, or several channels
// that are all equal.
func (im *Image) IsGrayscale() bool {
	if im.Channels == 1 {
		return true
	}
	for i := 0; i < len(im.Pix); i += im.Channels {
		for c := 1; c < im.Channels; c++ {
			if im.Pix[i+c] != im.Pix[i] {
				return false
			}
		}
	}
	return true
}

// Gray returns a single-channel image holding the first channel of im.
func (im *Image) Gray() *Image {
	if im.Channels == 1 {
		return im
	}
	out := NewImage(im.Height, im.Width, 1)
	for i := range out.Pix {
		out.Pix[i] = im.Pix[i*im.Channels]
	}
	return out
}

// FromGoImage converts a decoded image to an Image. Gray images keep one
// channel, anything else becomes RGB.
func FromGoImage(src image.Image) *Image {
	b := src.Bounds()
	switch g := src.(type) {
	case *image.Gray:
		out := NewImage(b.Dy(), b.Dx(), 1)
		for y := 0; y < b.Dy(); y++ {
			copy(out.Pix[y*b.Dx():(y+1)*b.Dx()], g.Pix[y*g.Stride:y*g.Stride+b.Dx()])
		}
		return out
	}
	out := NewImage(b.Dy(), b.Dx(), 3)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.RGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			out.Set(y, x, 0, c.R)
			out.Set(y, x, 1, c.G)
			out.Set(y, x, 2, c.B)
		}
	}
	return out
}

// LoadImage decodes the image file at path. PNG, JPEG, BMP and TIFF are supported.
func LoadImage(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %s", path)
	}
	defer f.Close()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %s", path)
	}
	return FromGoImage(src), nil
}
