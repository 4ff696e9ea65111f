package generator

import (
	"github.com/Noofbiz/poseKit/augment"
	"github.com/Noofbiz/poseKit/datasets"
	"github.com/pkg/errors"
)

// ConfigVersion is the current version of the persisted Config layout.
const ConfigVersion = 1

// Config is the persisted description of a generator. Together with access
// to the same annotation data it rebuilds an equivalent generator, including
// the same train/validation partition.
type Config struct {
	Version          int     `json:"version"`
	Datapath         string  `json:"datapath"`
	Dataset          string  `json:"dataset"`
	Shuffle          bool    `json:"shuffle"`
	DownsampleFactor int     `json:"downsample_factor"`
	Sigma            float64 `json:"sigma"`
	UseGraph         bool    `json:"use_graph"`
	GraphScale       float64 `json:"graph_scale"`
	ValidationSplit  float64 `json:"validation_split"`
	RandomSeed       int64   `json:"random_seed"`
	Augmenter        bool    `json:"augmenter"`

	// Derived values, informational for rebuilding and required by models
	// loaded without annotation data.
	Height          int     `json:"height"`
	Width           int     `json:"width"`
	NChannels       int     `json:"n_channels"`
	OutputShape     [2]int  `json:"output_shape"`
	OutputSigma     float64 `json:"output_sigma"`
	NValidation     int     `json:"n_validation"`
	NKeypoints      int     `json:"n_keypoints"`
	NEdges          int     `json:"n_edges"`
	NOutputChannels int     `json:"n_output_channels"`
}

// Config returns the persisted description of g.
func (g *Generator) Config() Config {
	return Config{
		Version:          ConfigVersion,
		Datapath:         g.datapath,
		Dataset:          g.dataset,
		Shuffle:          g.opts.Shuffle,
		DownsampleFactor: g.opts.DownsampleFactor,
		Sigma:            g.opts.Sigma,
		UseGraph:         g.opts.UseGraph,
		GraphScale:       g.opts.GraphScale,
		ValidationSplit:  g.opts.ValidationSplit,
		RandomSeed:       g.seed,
		Augmenter:        g.opts.Augmenter.Enabled(),
		Height:           g.height,
		Width:            g.width,
		NChannels:        g.nChannels,
		OutputShape:      g.outputShape,
		OutputSigma:      g.outputSigma,
		NValidation:      len(g.valIndex),
		NKeypoints:       g.nKeypoints,
		NEdges:           g.nEdges,
		NOutputChannels:  g.nOutputChannels,
	}
}

// Options returns the constructor options recorded in c, with augmenter
// attached.
func (c Config) Options(augmenter augment.Augmenter) Options {
	return Options{
		DownsampleFactor: c.DownsampleFactor,
		UseGraph:         c.UseGraph,
		Augmenter:        augmenter,
		Shuffle:          c.Shuffle,
		Sigma:            c.Sigma,
		ValidationSplit:  c.ValidationSplit,
		GraphScale:       c.GraphScale,
		RandomSeed:       c.RandomSeed,
	}
}

// FromConfig rebuilds a generator from c over source. If source is nil the
// annotation CSV recorded in c is opened.
func FromConfig(c Config, source datasets.Source, augmenter augment.Augmenter) (*Generator, error) {
	if c.Version != ConfigVersion {
		return nil, errors.Wrapf(ErrConfig, "unsupported generator config version %d, expected %d", c.Version, ConfigVersion)
	}
	var (
		g   *Generator
		err error
	)
	if source == nil {
		if c.Datapath == "" {
			return nil, errors.Wrap(ErrState, "generator config has no datapath and no source was given")
		}
		g, err = Open(c.Datapath, c.Dataset, c.Options(augmenter))
	} else {
		g, err = New(source, c.Options(augmenter))
		if err == nil {
			g.datapath, g.dataset = c.Datapath, c.Dataset
		}
	}
	if err != nil {
		return nil, err
	}
	if c.NOutputChannels != 0 && g.nOutputChannels != c.NOutputChannels {
		return nil, errors.Wrapf(ErrConfig, "rebuilt generator has %d output channels, config records %d", g.nOutputChannels, c.NOutputChannels)
	}
	return g, nil
}
