package models

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/Noofbiz/poseKit/augment"
	"github.com/Noofbiz/poseKit/datasets"
	"github.com/Noofbiz/poseKit/generator"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// A saved model is a directory holding the two configuration files and the
// weights checkpoint directory.
const (
	GeneratorConfigFile = "generator_config.json"
	ModelConfigFile     = "pose_model_config.json"
	WeightsDir          = "weights"
)

// Save writes the model to dir, creating it if needed. An existing save in
// dir is replaced.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	mc, err := ConfigOf(m.arch)
	if err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, ModelConfigFile), mc); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(dir, GeneratorConfigFile), m.genConfig); err != nil {
		return err
	}
	weights := filepath.Join(dir, WeightsDir)
	return tryGraph(func() error {
		if m.checkpoint == nil || m.checkpointDir != weights {
			// Opening a handler on an existing checkpoint loads it into the
			// context, so stale weights are removed first.
			if err := os.RemoveAll(weights); err != nil {
				return errors.Wrapf(err, "failed to remove old weights in %s", dir)
			}
			handler, err := checkpoints.Build(m.ctx).Dir(weights).Keep(1).Done()
			if err != nil {
				return errors.Wrapf(err, "failed to open checkpoint in %s", dir)
			}
			m.checkpoint, m.checkpointDir = handler, weights
		}
		if err := m.checkpoint.Save(); err != nil {
			return errors.Wrapf(err, "failed to save weights to %s", dir)
		}
		klog.V(1).Infof("saved %s model to %s", m.arch.Name(), dir)
		return nil
	})
}

// LoadOptions configures Load. Without a Source or Datapath the model is
// loaded without data: it can predict but not train or evaluate.
type LoadOptions struct {
	// Source serves the annotations; it takes precedence over Datapath.
	Source datasets.Source

	// Datapath replaces the annotation CSV recorded in the saved config.
	Datapath string

	Augmenter augment.Augmenter

	// Backend defaults to the default registered backend, as in New.
	Backend backends.Backend
}

// Load restores a model written by Save.
func Load(dir string, opts LoadOptions) (*Model, error) {
	var gc generator.Config
	if err := readJSON(filepath.Join(dir, GeneratorConfigFile), &gc); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(ErrState, "no data generator config found in %s", dir)
		}
		return nil, err
	}
	var mc ModelConfig
	if err := readJSON(filepath.Join(dir, ModelConfigFile), &mc); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return nil, errors.Wrapf(ErrState, "no pose model config found in %s", dir)
		}
		return nil, err
	}
	weights := filepath.Join(dir, WeightsDir)
	if _, err := os.Stat(weights); err != nil {
		return nil, errors.Wrapf(ErrState, "no weights found in %s", dir)
	}

	var gen *generator.Generator
	if opts.Source != nil || opts.Datapath != "" {
		if opts.Datapath != "" {
			gc.Datapath = opts.Datapath
		}
		var err error
		gen, err = generator.FromConfig(gc, opts.Source, opts.Augmenter)
		if err != nil {
			return nil, err
		}
		gc = gen.Config()
	}

	arch, err := NewArchitecture(gc, mc)
	if err != nil {
		return nil, err
	}
	m, err := newModel(gc, gen, arch, opts.Backend)
	if err != nil {
		return nil, err
	}
	err = tryGraph(func() error {
		handler, err := checkpoints.Build(m.ctx).Dir(weights).Keep(1).Immediate().Done()
		if err != nil {
			return err
		}
		m.checkpoint, m.checkpointDir = handler, weights
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load weights from %s", weights)
	}
	return m, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}
	return nil
}
