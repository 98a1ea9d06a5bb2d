// internal/runner/scenario.go
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/suture/api/schemas"
)

// Scenario is an ordered list of steps run against one start URL.
type Scenario struct {
	Name  string                  `yaml:"name"`
	URL   string                  `yaml:"url"`
	Steps []schemas.ActionRequest `yaml:"steps"`
}

var knownActions = map[schemas.Action]bool{
	schemas.ActionClick:    true,
	schemas.ActionType:     true,
	schemas.ActionSelect:   true,
	schemas.ActionWait:     true,
	schemas.ActionNavigate: true,
}

// LoadScenario reads a YAML scenario file. The file name without extension is
// the default scenario name.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// ParseScenario decodes and validates a scenario document. Unknown keys are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("document is empty")
		}
		return nil, err
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks every step for a known action and the fields it needs.
func (s *Scenario) Validate() error {
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario has no steps")
	}
	for i, step := range s.Steps {
		n := i + 1
		if !knownActions[step.Action] {
			return fmt.Errorf("step %d: unknown action %q", n, step.Action)
		}
		switch step.Action {
		case schemas.ActionNavigate:
			if strings.TrimSpace(step.Value) == "" && strings.TrimSpace(step.Target) == "" {
				return fmt.Errorf("step %d: navigate needs a URL in value or target", n)
			}
		default:
			if strings.TrimSpace(step.Target) == "" {
				return fmt.Errorf("step %d: %s needs a target", n, step.Action)
			}
		}
		if (step.Action == schemas.ActionType || step.Action == schemas.ActionSelect) && step.Value == "" {
			return fmt.Errorf("step %d: %s needs a value", n, step.Action)
		}
	}
	return nil
}
