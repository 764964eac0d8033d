package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ScenarioNotFoundError is returned when a requested scenario path doesn't exist.
type ScenarioNotFoundError struct {
	Path string
}

// Error implements the error interface.
func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q does not exist", e.Path)
}

// FindScenarios expands paths into scenario files. A directory contributes
// every .yaml and .yml file directly inside it; a file is taken as is.
// The result is sorted and free of duplicates.
func FindScenarios(paths ...string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			return nil, &ScenarioNotFoundError{Path: p}
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(filepath.Clean(p))
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := filepath.Ext(e.Name())
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				add(filepath.Join(p, e.Name()))
			}
		}
	}

	sort.Strings(files)
	return files, nil
}
