package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigError reports an invalid trainer setting. It is raised at
// construction, before any side effect.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid trainer configuration: %s %s", e.Field, e.Reason)
}

// Config holds the knobs shared by every trainer.
type Config struct {
	// Batch is the number of training instances per update step.
	Batch int
	// NIters is the total number of training iterations.
	NIters int
	// IterSize is the number of instances consumed per iteration;
	// each iteration runs IterSize/Batch update steps.
	IterSize int
	// GradAcc applies the optimizer update once every GradAcc steps.
	GradAcc int
	// LR is the learning rate.
	LR float64
	// SoftmaxLoss selects the pairwise cross-entropy loss over hinge.
	SoftmaxLoss bool
	// FastForward resumes from the last checkpointed iteration when set.
	FastForward bool
	// ValidateFreq runs a validation pass every ValidateFreq iterations.
	ValidateFreq int
	// Metric is the validation metric that drives the best-snapshot
	// decision, e.g. "map".
	Metric string
}

// Validate fails fast on settings that would corrupt a run.
func (c *Config) Validate() error {
	if c.Batch < 1 {
		return &ConfigError{"batch", fmt.Sprintf("must be >= 1, got %d", c.Batch)}
	}
	if c.NIters < 1 {
		return &ConfigError{"niters", fmt.Sprintf("must be > 0, got %d", c.NIters)}
	}
	if c.IterSize < c.Batch {
		return &ConfigError{"itersize", fmt.Sprintf("must be >= batch (%d), got %d", c.Batch, c.IterSize)}
	}
	if c.GradAcc < 1 {
		return &ConfigError{"gradacc", fmt.Sprintf("must be >= 1, got %d", c.GradAcc)}
	}
	if c.LR <= 0 {
		return &ConfigError{"lr", fmt.Sprintf("must be > 0, got %g", c.LR)}
	}
	if c.ValidateFreq < 1 {
		return &ConfigError{"validatefreq", fmt.Sprintf("must be >= 1, got %d", c.ValidateFreq)}
	}
	if c.Metric == "" {
		return &ConfigError{"metric", "must be set"}
	}
	return nil
}

func (c *Config) stepsPerIter() int { return c.IterSize / c.Batch }

// RunPaths lays out a training run's checkpoint directory and its companion
// prediction directory.
type RunPaths struct {
	Run string
	Dev string
}

// NewRunPaths creates the layout rooted at runDir for checkpoints and devDir
// for predictions and metrics.
func NewRunPaths(runDir, devDir string) RunPaths {
	return RunPaths{Run: runDir, Dev: devDir}
}

func (p RunPaths) WeightsDir() string { return filepath.Join(p.Run, "weights") }

// WeightsFile names the model snapshot for one iteration; the optimizer
// state rides alongside it with an ".optimizer" suffix.
func (p RunPaths) WeightsFile(iter int) string {
	return filepath.Join(p.WeightsDir(), strconv.Itoa(iter)+".p")
}

func (p RunPaths) DevBestFile() string { return filepath.Join(p.Run, "dev.best") }

func (p RunPaths) LossFile() string { return filepath.Join(p.Run, "info", "loss.txt") }

func (p RunPaths) MetricsFile() string { return filepath.Join(p.Dev, "metrics.json") }

// RunFile names the TREC run file for one iteration's validation pass.
func (p RunPaths) RunFile(iter int) string {
	return filepath.Join(p.Dev, strconv.Itoa(iter)+".run")
}

func (p RunPaths) ensure() error {
	for _, dir := range []string{p.WeightsDir(), filepath.Join(p.Run, "info"), p.Dev} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run directory %s: %w", dir, err)
		}
	}
	return nil
}
