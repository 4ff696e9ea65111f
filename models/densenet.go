package models

import (
	"fmt"

	"github.com/Noofbiz/poseKit/generator"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// StackedDenseNetName is the class name of StackedDenseNet.
const StackedDenseNetName = "StackedDenseNet"

// DenseNetConfig holds the StackedDenseNet hyperparameters.
type DenseNetConfig struct {
	NStacks           int     `json:"n_stacks"`
	NTransitions      int     `json:"n_transitions"`
	NLayers           int     `json:"n_layers"`
	GrowthRate        int     `json:"growth_rate"`
	BottleneckFactor  int     `json:"bottleneck_factor"`
	CompressionFactor float64 `json:"compression_factor"`
	Subpixel          bool    `json:"subpixel"`
	ConvOptions
}

// DefaultDenseNetConfig returns the default StackedDenseNet hyperparameters.
func DefaultDenseNetConfig() DenseNetConfig {
	return DenseNetConfig{
		NStacks:           1,
		NTransitions:      -2,
		NLayers:           1,
		GrowthRate:        48,
		BottleneckFactor:  1,
		CompressionFactor: 0.5,
		Subpixel:          true,
		ConvOptions: ConvOptions{
			Batchnorm:     false,
			UseBias:       true,
			Activation:    "selu",
			Pooling:       "max",
			Interpolation: "subpixel",
			Initializer:   "glorot_uniform",
		},
	}
}

func (c DenseNetConfig) validate() error {
	switch {
	case c.NStacks < 1:
		return errors.Wrapf(ErrConfig, "n_stacks must be >= 1, got %d", c.NStacks)
	case c.NLayers < 1:
		return errors.Wrapf(ErrConfig, "n_layers must be >= 1, got %d", c.NLayers)
	case c.GrowthRate < 1:
		return errors.Wrapf(ErrConfig, "growth_rate must be >= 1, got %d", c.GrowthRate)
	case c.BottleneckFactor < 1:
		return errors.Wrapf(ErrConfig, "bottleneck_factor must be >= 1, got %d", c.BottleneckFactor)
	case c.CompressionFactor <= 0 || c.CompressionFactor > 1:
		return errors.Wrapf(ErrConfig, "compression_factor must be in (0, 1], got %v", c.CompressionFactor)
	}
	return c.ConvOptions.validate()
}

// StackedDenseNet is a stack of densely connected encoder-decoders. The
// first stack encodes the full-resolution image; every later stack refines
// the previous one's features and heatmaps at output resolution.
type StackedDenseNet struct {
	cfg              DenseNetConfig
	downsampleFactor int
	nOutputChannels  int
}

// NewStackedDenseNet validates cfg against the generator that feeds the
// network. The returned network's Hyperparameters carry the resolved
// transition count.
func NewStackedDenseNet(gen generator.Config, cfg DenseNetConfig) (*StackedDenseNet, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	n, err := ResolveTransitions(cfg.NTransitions, gen.Height, gen.Width)
	if err != nil {
		return nil, err
	}
	if n < gen.DownsampleFactor {
		return nil, errors.Wrapf(ErrConfig, "n_transitions %d must be at least the downsample_factor %d", n, gen.DownsampleFactor)
	}
	if gen.NOutputChannels < 1 {
		return nil, errors.Wrap(ErrConfig, "generator config has no output channels")
	}
	cfg.NTransitions = n
	return &StackedDenseNet{cfg: cfg, downsampleFactor: gen.DownsampleFactor, nOutputChannels: gen.NOutputChannels}, nil
}

// Name implements Architecture.
func (n *StackedDenseNet) Name() string { return StackedDenseNetName }

// NumOutputs implements Architecture.
func (n *StackedDenseNet) NumOutputs() int { return n.cfg.NStacks }

// Subpixel implements Architecture.
func (n *StackedDenseNet) Subpixel() bool { return n.cfg.Subpixel }

// Hyperparameters implements Architecture.
func (n *StackedDenseNet) Hyperparameters() any { return n.cfg }

// Config returns the resolved hyperparameters.
func (n *StackedDenseNet) Config() DenseNetConfig { return n.cfg }

// Build implements Architecture.
func (n *StackedDenseNet) Build(ctx *context.Context, images *graph.Node) []*graph.Node {
	ctx = withInitializer(ctx, n.cfg.Initializer)
	x := normalizeImages(images)
	x = convBlock(ctx.In("frontend"), x, n.cfg.GrowthRate, 3, n.cfg.ConvOptions)

	refine := n.cfg.NTransitions - n.downsampleFactor
	features, out := n.stack(ctx.In("stack_0"), x, n.cfg.NTransitions, refine)
	outputs := []*graph.Node{out}
	for s := 1; s < n.cfg.NStacks; s++ {
		x = graph.Concatenate([]*graph.Node{features, out}, -1)
		features, out = n.stack(ctx.In(fmt.Sprintf("stack_%d", s)), x, refine, refine)
		outputs = append(outputs, out)
	}
	return outputs
}

// stack runs nDown dense-block/pool levels then nUp upsample/dense-block
// levels, concatenating the encoder features of matching resolution.
func (n *StackedDenseNet) stack(ctx *context.Context, x *graph.Node, nDown, nUp int) (features, output *graph.Node) {
	o := n.cfg.ConvOptions
	skips := make([]*graph.Node, 0, nDown)
	for i := 0; i < nDown; i++ {
		level := ctx.In(fmt.Sprintf("down_%d", i))
		x = denseBlock(level.In("dense"), x, n.cfg.NLayers, n.cfg.GrowthRate, n.cfg.BottleneckFactor, o)
		skips = append(skips, x)
		x = compress(level.In("compress"), x, n.cfg.CompressionFactor, o)
		x = downsample(x, o.Pooling)
	}
	x = denseBlock(ctx.In("bottom"), x, n.cfg.NLayers, n.cfg.GrowthRate, n.cfg.BottleneckFactor, o)
	for i := 0; i < nUp; i++ {
		level := ctx.In(fmt.Sprintf("up_%d", i))
		x = compress(level.In("compress"), x, n.cfg.CompressionFactor, o)
		x = upsample(level.In("upsample"), x, o.Interpolation, o)
		x = graph.Concatenate([]*graph.Node{x, skips[nDown-1-i]}, -1)
		x = denseBlock(level.In("dense"), x, n.cfg.NLayers, n.cfg.GrowthRate, n.cfg.BottleneckFactor, o)
	}
	x = compress(ctx.In("features"), x, n.cfg.CompressionFactor, o)
	return x, outputHead(ctx.In("output"), x, n.nOutputChannels)
}
