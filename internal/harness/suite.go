package harness

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// SuiteResult summarizes a batch of scenario runs.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// ScenarioFailure is one scenario that failed to load, run or pass.
type ScenarioFailure struct {
	Path     string   `json:"path"`
	Scenario string   `json:"scenario,omitempty"`
	Errors   []string `json:"errors"`
}

// OK reports whether every scenario passed.
func (r *SuiteResult) OK() bool { return r.Failed == 0 }

func (r *SuiteResult) fail(path, name string, errs ...string) {
	r.Failed++
	r.Failures = append(r.Failures, ScenarioFailure{Path: path, Scenario: name, Errors: errs})
}

// Discover returns the scenario files at path: the file itself, or every
// .yaml and .yml file below a directory, sorted. Fixtures referenced by
// scenarios belong outside the discovered tree.
func Discover(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("discover scenarios: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var paths []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := strings.ToLower(filepath.Ext(p)); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover scenarios: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("discover scenarios: no scenario files under %s", path)
	}
	slices.Sort(paths)
	return paths, nil
}

// RunSuite loads and runs each scenario in turn. A scenario that cannot be
// loaded or executed counts as failed; the suite carries on. onResult, when
// non-nil, sees every scenario that ran before it is counted, so errors it
// adds to the result fail the scenario.
func RunSuite(ctx context.Context, paths []string, onResult func(path string, s *Scenario, r *Result)) *SuiteResult {
	result := &SuiteResult{}

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		result.Total++

		scenario, err := LoadScenario(path)
		if err != nil {
			result.fail(path, "", fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(ctx, scenario)
		if err != nil {
			result.fail(path, scenario.Name, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if onResult != nil {
			onResult(path, scenario, runResult)
		}

		if !runResult.Pass {
			result.fail(path, scenario.Name, runResult.Errors...)
			continue
		}
		result.Passed++
	}

	return result
}
