// Package checkpoints implements step-tagged persistence of model
// parameters.
//
// A Handler owns one run's checkpoint cadence: it tags every snapshot with
// the current step number (path = prefix + "-" + step), so no checkpoint is
// ever overwritten within a run. Save and Load are also usable directly as
// the plain persistence contracts.
//
// Example, wired into a training loop on the reporting worker:
//
//	handler, err := checkpoints.Build(config.OutputModelPath).Done()
//	...
//	train.EveryNSteps(loop, config.SaveCheckpointSteps, "checkpointing", 100,
//		func(loop *train.Loop) error { return handler.SaveStep(loop.Model, loop.Step) })
package checkpoints

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tokenset/pretrain/train"
)

// DirPermMode is the directory creation permission (before umask) used when
// the checkpoint prefix points into a directory that does not exist yet.
var DirPermMode = os.FileMode(0770)

// Config for a checkpoints Handler. Created with Build, finished with Done.
type Config struct {
	prefix string
	err    error
}

// Build starts the configuration of a Handler writing snapshots at the given
// path prefix.
func Build(prefix string) *Config {
	c := &Config{prefix: prefix}
	if prefix == "" {
		c.err = errors.New("checkpoint path prefix cannot be empty")
	}
	return c
}

// Done creates the Handler, making sure the target directory exists.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	dir := filepath.Dir(c.prefix)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "failed creating checkpoint directory %q", dir)
	}
	return &Handler{prefix: c.prefix, runID: uuid.NewString()}, nil
}

// Handler persists step-tagged snapshots of one run.
type Handler struct {
	prefix string
	runID  string
}

// PathForStep returns the snapshot path for a step: prefix + "-" + step.
func (h *Handler) PathForStep(step int) string {
	return fmt.Sprintf("%s-%d", h.prefix, step)
}

// SaveStep persists the model's current parameters for the given step.
func (h *Handler) SaveStep(model train.Model, step int) error {
	path := h.PathForStep(step)
	if err := Save(model, path); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		klog.V(1).Infof("run %s: saved checkpoint %q (%s)", h.runID, path, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// checkpointFile is the on-disk layout of one snapshot.
type checkpointFile struct {
	Params []savedParam
}

type savedParam struct {
	Name string
	Data []float32
}

// Save persists the model's parameters to path, overwriting any previous
// file at that exact path.
func Save(model train.Model, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed creating checkpoint file %q", path)
	}
	file := checkpointFile{}
	for _, p := range model.Parameters() {
		file.Params = append(file.Params, savedParam{Name: p.Name, Data: p.Data})
	}
	if err = gob.NewEncoder(f).Encode(file); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed encoding checkpoint %q", path)
	}
	return errors.Wrapf(f.Close(), "failed closing checkpoint %q", path)
}

// Load overwrites the model's parameters with those saved at path. Every
// saved parameter must exist in the model with the same length; parameters
// absent from the file keep their current values.
func Load(model train.Model, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed opening checkpoint file %q", path)
	}
	defer func() { _ = f.Close() }()
	var file checkpointFile
	if err = gob.NewDecoder(f).Decode(&file); err != nil {
		return errors.Wrapf(err, "failed decoding checkpoint %q", path)
	}
	byName := make(map[string]*train.Parameter)
	for _, p := range model.Parameters() {
		byName[p.Name] = p
	}
	for _, saved := range file.Params {
		p, found := byName[saved.Name]
		if !found {
			return errors.Errorf("checkpoint %q has parameter %q not present in the model", path, saved.Name)
		}
		if len(saved.Data) != len(p.Data) {
			return errors.Errorf("checkpoint %q parameter %q has %d values, model expects %d",
				path, saved.Name, len(saved.Data), len(p.Data))
		}
		copy(p.Data, saved.Data)
	}
	return nil
}
