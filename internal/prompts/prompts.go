// Package prompts loads the prompt files read at startup and formats the
// user-turn messages built from them.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c2stem/copa/internal/config"
)

// Example is one few-shot pair used to prime the query summarizer.
type Example struct {
	Query   string `yaml:"query"`
	Model   string `yaml:"model"`
	Summary string `yaml:"summary"`
}

type fewShotFile struct {
	Examples []Example `yaml:"examples"`
}

// Set holds every prompt the dialogue core needs. Any field may be empty.
type Set struct {
	System      string
	TaskContext string
	Editorial   string
	FewShot     []Example
}

// Load reads all prompt files named by cfg. Missing or unreadable files are
// logged and substituted with empty content.
func Load(cfg config.PromptConfig, logger *slog.Logger) Set {
	if logger == nil {
		logger = slog.Default()
	}
	set := Set{
		System:      LoadText(cfg.SystemPath, logger),
		TaskContext: LoadText(cfg.TaskContextPath, logger),
		Editorial:   LoadText(cfg.EditorialPath, logger),
	}
	examples, err := LoadFewShot(cfg.FewShotPath)
	if err != nil {
		logger.Error("failed to load few-shot examples", "path", cfg.FewShotPath, "error", err)
	}
	set.FewShot = examples
	return set
}

// LoadText returns the file's content, or "" if it cannot be read.
func LoadText(path string, logger *slog.Logger) string {
	if path == "" {
		logger.Warn("prompt path not configured")
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("failed to load prompt file", "path", path, "error", err)
		return ""
	}
	logger.Info("loaded prompt file", "path", path, "bytes", len(data))
	return string(data)
}

// LoadFewShot decodes a YAML file of the form:
//
//	examples:
//	  - query: "..."
//	    model: "..."
//	    summary: "..."
//
// A missing path yields no examples and no error.
func LoadFewShot(path string) ([]Example, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read few-shot file: %w", err)
	}
	var f fewShotFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode few-shot file %s: %w", path, err)
	}
	return f.Examples, nil
}
