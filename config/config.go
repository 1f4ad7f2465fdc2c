// Package config reads reconstruction job files. A job names its input and output files and
// holds the parameters of the reconstruction.
package config

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/sfm/logging"
	"go.viam.com/sfm/sfm"
)

// Inputs are the files a reconstruction reads.
type Inputs struct {
	Scene    string `json:"scene" yaml:"scene"`
	Features string `json:"features" yaml:"features"`
	Matches  string `json:"matches" yaml:"matches"`
}

// Outputs are the files a reconstruction writes. Empty paths are skipped.
type Outputs struct {
	Scene  string `json:"scene" yaml:"scene"`
	Report string `json:"report,omitempty" yaml:"report,omitempty"`
	PCD    string `json:"pcd,omitempty" yaml:"pcd,omitempty"`
	// Histogram is a PNG plot of the final residuals.
	Histogram string `json:"histogram,omitempty" yaml:"histogram,omitempty"`
}

// Job is a reconstruction job file.
type Job struct {
	ConfigFilePath string `json:"-" yaml:"-"`

	Inputs   Inputs     `json:"inputs" yaml:"inputs"`
	Outputs  Outputs    `json:"outputs" yaml:"outputs"`
	SfM      sfm.Config `json:"sfm" yaml:"sfm"`
	LogLevel string     `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// NewJob returns a job with the default reconstruction parameters.
func NewJob() *Job {
	return &Job{SfM: sfm.DefaultConfig(), LogLevel: "info"}
}

// Validate ensures all parts of the job are valid.
func (j *Job) Validate() error {
	var errs error
	if j.Inputs.Scene == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("inputs", "scene"))
	}
	if j.Inputs.Features == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("inputs", "features"))
	}
	if j.Inputs.Matches == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("inputs", "matches"))
	}
	if j.Outputs.Scene == "" {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError("outputs", "scene"))
	}
	if j.LogLevel != "" {
		if _, err := logging.ParseLevel(j.LogLevel); err != nil {
			errs = multierr.Append(errs, utils.NewConfigValidationError("log_level", err))
		}
	}
	return multierr.Append(errs, j.SfM.Validate("sfm"))
}

// ReadLocalConfig reads a job file, substituting environment variables first. The format is
// chosen by extension: .yaml and .yml are YAML, anything else JSON. Relative paths in the job are
// resolved against the directory of the file.
func ReadLocalConfig(filePath string, logger golog.Logger) (*Job, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read job file %q", filePath)
	}
	return FromReader(filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a job from the given reader and specifies where, if applicable, the file the
// reader originated from.
func FromReader(originalPath string, r io.Reader, logger golog.Logger) (*Job, error) {
	job := NewJob()
	job.ConfigFilePath = originalPath
	switch strings.ToLower(filepath.Ext(originalPath)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(r).Decode(job); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "failed to decode job from yaml")
		}
	default:
		if err := json.NewDecoder(r).Decode(job); err != nil {
			return nil, errors.Wrap(err, "failed to decode job from json")
		}
	}
	if originalPath != "" {
		job.resolvePaths(filepath.Dir(originalPath))
	}
	if err := job.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid job")
	}
	if logger != nil {
		logger.Debugw("job loaded", "path", originalPath, "scene", job.Inputs.Scene, "output", job.Outputs.Scene)
	}
	return job, nil
}

func (j *Job) resolvePaths(dir string) {
	for _, p := range []*string{
		&j.Inputs.Scene, &j.Inputs.Features, &j.Inputs.Matches,
		&j.Outputs.Scene, &j.Outputs.Report, &j.Outputs.PCD, &j.Outputs.Histogram,
		&j.SfM.IntermediateDir,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Save writes the job as JSON or YAML depending on the extension of path.
func Save(j *Job, w io.Writer, path string) error {
	var (
		b   []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err = yaml.Marshal(j)
	default:
		b, err = json.MarshalIndent(j, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "cannot encode job")
	}
	if _, err := w.Write(b); err != nil {
		return errors.Wrap(err, "cannot write job")
	}
	return nil
}
