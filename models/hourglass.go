package models

import (
	"fmt"

	"github.com/Noofbiz/poseKit/generator"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// StackedHourglassName is the class name of StackedHourglass.
const StackedHourglassName = "StackedHourglass"

// HourglassConfig holds the StackedHourglass hyperparameters.
type HourglassConfig struct {
	NStacks          int  `json:"n_stacks"`
	NTransitions     int  `json:"n_transitions"`
	NFilters         int  `json:"n_filters"`
	BottleneckFactor int  `json:"bottleneck_factor"`
	Subpixel         bool `json:"subpixel"`
	ConvOptions
}

// DefaultHourglassConfig returns the default StackedHourglass hyperparameters.
func DefaultHourglassConfig() HourglassConfig {
	return HourglassConfig{
		NStacks:          1,
		NTransitions:     -1,
		NFilters:         32,
		BottleneckFactor: 2,
		Subpixel:         true,
		ConvOptions: ConvOptions{
			Batchnorm:     true,
			UseBias:       false,
			Activation:    "relu",
			Pooling:       "max",
			Interpolation: "nearest",
			Initializer:   "glorot_uniform",
		},
	}
}

func (c HourglassConfig) validate() error {
	switch {
	case c.NStacks < 1:
		return errors.Wrapf(ErrConfig, "n_stacks must be >= 1, got %d", c.NStacks)
	case c.NFilters < 1:
		return errors.Wrapf(ErrConfig, "n_filters must be >= 1, got %d", c.NFilters)
	case c.BottleneckFactor < 1:
		return errors.Wrapf(ErrConfig, "bottleneck_factor must be >= 1, got %d", c.BottleneckFactor)
	}
	return c.ConvOptions.validate()
}

// StackedHourglass is a stack of residual hourglass modules with
// intermediate supervision. Every stack runs at output resolution.
type StackedHourglass struct {
	cfg              HourglassConfig
	downsampleFactor int
	nOutputChannels  int
}

// NewStackedHourglass validates cfg against the generator that feeds the
// network.
func NewStackedHourglass(gen generator.Config, cfg HourglassConfig) (*StackedHourglass, error) {
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
	return &StackedHourglass{cfg: cfg, downsampleFactor: gen.DownsampleFactor, nOutputChannels: gen.NOutputChannels}, nil
}

// Name implements Architecture.
func (h *StackedHourglass) Name() string { return StackedHourglassName }

// NumOutputs implements Architecture.
func (h *StackedHourglass) NumOutputs() int { return h.cfg.NStacks }

// Subpixel implements Architecture.
func (h *StackedHourglass) Subpixel() bool { return h.cfg.Subpixel }

// Hyperparameters implements Architecture.
func (h *StackedHourglass) Hyperparameters() any { return h.cfg }

// Config returns the resolved hyperparameters.
func (h *StackedHourglass) Config() HourglassConfig { return h.cfg }

// Build implements Architecture.
func (h *StackedHourglass) Build(ctx *context.Context, images *graph.Node) []*graph.Node {
	ctx = withInitializer(ctx, h.cfg.Initializer)
	o := h.cfg.ConvOptions
	f := h.cfg.NFilters

	x := normalizeImages(images)
	x = convBlock(ctx.In("frontend").In("stem"), x, f, 7, o)
	for i := 0; i < h.downsampleFactor; i++ {
		level := ctx.In("frontend").In(fmt.Sprintf("down_%d", i))
		x = residual(level, x, f, h.cfg.BottleneckFactor, o)
		x = downsample(x, o.Pooling)
	}

	depth := h.cfg.NTransitions - h.downsampleFactor
	outputs := make([]*graph.Node, 0, h.cfg.NStacks)
	for s := 0; s < h.cfg.NStacks; s++ {
		stack := ctx.In(fmt.Sprintf("stack_%d", s))
		y := h.hourglass(stack.In("hourglass"), x, depth)
		y = convBlock(stack.In("features"), y, f, 1, o)
		out := outputHead(stack.In("output"), y, h.nOutputChannels)
		outputs = append(outputs, out)
		if s < h.cfg.NStacks-1 {
			x = graph.Add(x, graph.Add(
				conv(stack.In("remap_features"), y, f, 1, o),
				conv(stack.In("remap_output"), out, f, 1, o),
			))
		}
	}
	return outputs
}

func (h *StackedHourglass) hourglass(ctx *context.Context, x *graph.Node, depth int) *graph.Node {
	f, b, o := h.cfg.NFilters, h.cfg.BottleneckFactor, h.cfg.ConvOptions
	if depth == 0 {
		return residual(ctx.In("bottom"), x, f, b, o)
	}
	skip := residual(ctx.In("skip"), x, f, b, o)
	low := downsample(x, o.Pooling)
	low = residual(ctx.In("down"), low, f, b, o)
	low = h.hourglass(ctx.In("inner"), low, depth-1)
	low = residual(ctx.In("up"), low, f, b, o)
	low = upsample(ctx.In("upsample"), low, o.Interpolation, o)
	return graph.Add(skip, low)
}
