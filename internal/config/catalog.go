package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadCatalog reads a phase catalog from a YAML file. External analyzers emit
// catalogs in this format; entries replace same-named categories in the
// receiver's catalog.
//
// Expected shape:
//
//	software:
//	  - name: planning
//	    priority: 5
//	    complexity: high
//	    preferred_role: leader
func LoadCatalog(path string) (PhaseCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}

	var catalog PhaseCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}

	if err := ValidateCatalog(catalog); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}

	return catalog, nil
}

// ValidateCatalog checks structural invariants of a catalog: non-empty phase
// names, priorities in 1-5, known complexities, and dependency references that
// name earlier phases in the same category.
func ValidateCatalog(catalog PhaseCatalog) error {
	for category, phases := range catalog {
		seen := make(map[string]bool, len(phases))
		for i, phase := range phases {
			if phase.Name == "" {
				return fmt.Errorf("category %q: phase %d has no name", category, i)
			}
			if seen[phase.Name] {
				return fmt.Errorf("category %q: duplicate phase %q", category, phase.Name)
			}
			if phase.Priority < 1 || phase.Priority > 5 {
				return fmt.Errorf("category %q: phase %q priority %d out of range 1-5", category, phase.Name, phase.Priority)
			}
			switch phase.Complexity {
			case "low", "medium", "high":
			default:
				return fmt.Errorf("category %q: phase %q has unknown complexity %q", category, phase.Name, phase.Complexity)
			}
			for _, dep := range phase.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("category %q: phase %q depends on unknown or later phase %q", category, phase.Name, dep)
				}
			}
			seen[phase.Name] = true
		}
	}
	return nil
}
