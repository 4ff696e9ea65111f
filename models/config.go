package models

import (
	"encoding/json"
	"sort"

	"github.com/Noofbiz/poseKit/generator"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

var (
	// ErrConfig is returned for invalid or unknown model hyperparameters.
	ErrConfig = errors.New("invalid model configuration")

	// ErrState is returned when a model cannot serve a request, e.g. a
	// persisted model missing its configuration.
	ErrState = errors.New("invalid model state")
)

// ModelConfigVersion is the current version of the ModelConfig envelope.
const ModelConfigVersion = 1

// ModelConfig is the persisted description of an architecture: its
// registered class name and its hyperparameters.
type ModelConfig struct {
	ClassName string          `json:"class_name"`
	Version   int             `json:"version"`
	Config    json.RawMessage `json:"config"`
}

// Architecture builds a keypoint network graph. Build returns one heatmap
// output per stack, each of shape [batch, outH, outW, nOutputChannels]; the
// last one is decoded into keypoints for prediction.
type Architecture interface {
	// Name is the class name the architecture is registered under.
	Name() string

	// NumOutputs is the number of supervised outputs Build returns.
	NumOutputs() int

	// Subpixel selects subpixel decoding for the predict graph.
	Subpixel() bool

	// Build adds the network to the graph of images, a float32 tensor of
	// shape [batch, height, width, channels] holding values in [0, 255].
	Build(ctx *context.Context, images *graph.Node) []*graph.Node

	// Hyperparameters returns the JSON-encodable resolved configuration.
	Hyperparameters() any
}

// Factory rebuilds an architecture from persisted hyperparameters.
type Factory func(gen generator.Config, raw json.RawMessage) (Architecture, error)

var registry = map[string]Factory{
	StackedDenseNetName: func(gen generator.Config, raw json.RawMessage) (Architecture, error) {
		cfg := DefaultDenseNetConfig()
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(ErrConfig, "failed to decode %s config: %v", StackedDenseNetName, err)
		}
		return NewStackedDenseNet(gen, cfg)
	},
	StackedHourglassName: func(gen generator.Config, raw json.RawMessage) (Architecture, error) {
		cfg := DefaultHourglassConfig()
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, errors.Wrapf(ErrConfig, "failed to decode %s config: %v", StackedHourglassName, err)
		}
		return NewStackedHourglass(gen, cfg)
	},
}

// Register adds a factory under name, replacing any previous one.
func Register(name string, f Factory) {
	registry[name] = f
}

// Registered lists the registered architecture names.
func Registered() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewArchitecture builds the architecture described by mc.
func NewArchitecture(gen generator.Config, mc ModelConfig) (Architecture, error) {
	if mc.Version != ModelConfigVersion {
		return nil, errors.Wrapf(ErrConfig, "unsupported model config version %d, expected %d", mc.Version, ModelConfigVersion)
	}
	f, ok := registry[mc.ClassName]
	if !ok {
		return nil, errors.Wrapf(ErrConfig, "unknown architecture %q, registered: %v", mc.ClassName, Registered())
	}
	return f(gen, mc.Config)
}

// ConfigOf encodes arch into a ModelConfig.
func ConfigOf(arch Architecture) (ModelConfig, error) {
	raw, err := json.Marshal(arch.Hyperparameters())
	if err != nil {
		return ModelConfig{}, errors.Wrapf(err, "failed to encode %s config", arch.Name())
	}
	return ModelConfig{ClassName: arch.Name(), Version: ModelConfigVersion, Config: raw}, nil
}

// Options shared by the convolutional architectures.
var (
	activationNames    = []string{"relu", "selu", "elu", "leaky_relu", "swish", "tanh", "sigmoid", "linear"}
	poolingNames       = []string{"max", "average"}
	interpolationNames = []string{"nearest", "bilinear", "subpixel"}
	initializerNames   = []string{"glorot_uniform", "glorot_normal", "he_normal", "lecun_normal"}
)

func checkChoice(param, value string, choices []string) error {
	for _, c := range choices {
		if value == c {
			return nil
		}
	}
	return errors.Wrapf(ErrConfig, "%s %q is not supported, must be one of %v", param, value, choices)
}

// ConvOptions holds the convolution settings shared by every block.
type ConvOptions struct {
	Batchnorm     bool   `json:"batchnorm"`
	UseBias       bool   `json:"use_bias"`
	Activation    string `json:"activation"`
	Pooling       string `json:"pooling"`
	Interpolation string `json:"interpolation"`
	Initializer   string `json:"initializer"`
	Separable     bool   `json:"separable"`
	SqueezeExcite bool   `json:"squeeze_excite"`
}

// normalize applies the self-normalizing network rule: selu activations
// run without batch normalization and with lecun_normal kernels.
func (o *ConvOptions) normalize() {
	if o.Activation == "selu" {
		o.Batchnorm = false
		o.Initializer = "lecun_normal"
	}
}

func (o ConvOptions) validate() error {
	if err := checkChoice("activation", o.Activation, activationNames); err != nil {
		return err
	}
	if err := checkChoice("pooling", o.Pooling, poolingNames); err != nil {
		return err
	}
	if err := checkChoice("interpolation", o.Interpolation, interpolationNames); err != nil {
		return err
	}
	return checkChoice("initializer", o.Initializer, initializerNames)
}
