package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"docqc/internal/config"
)

// Requirement defines an external dependency docqc relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// ConverterRequirements derives the binaries named by the converter command templates.
func ConverterRequirements(cfg *config.Config) []Requirement {
	if cfg == nil {
		return nil
	}
	templates := []struct {
		name string
		argv []string
		desc string
	}{
		{"Document converter", cfg.Converter.DocumentCommand, "Converts source documents to the canonical format"},
		{"Merge converter", cfg.Converter.MergeCommand, "Combines MCQ and solution documents"},
		{"Report converter", cfg.Converter.ReportCommand, "Converts review reports to the final format"},
	}
	seen := make(map[string]struct{}, len(templates))
	out := make([]Requirement, 0, len(templates))
	for _, tpl := range templates {
		if len(tpl.argv) == 0 {
			out = append(out, Requirement{Name: tpl.name, Description: tpl.desc})
			continue
		}
		binary := strings.TrimSpace(tpl.argv[0])
		if _, dup := seen[binary]; dup {
			continue
		}
		seen[binary] = struct{}{}
		out = append(out, Requirement{Name: tpl.name, Command: binary, Description: tpl.desc})
	}
	return out
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Available = false
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Available = false
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}
