package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/scryrun/internal/errs"
)

// Parse decodes one or more YAML documents, each holding a single scenario.
// Unknown fields are rejected so typos surface at load time rather than as
// silently skipped steps.
func Parse(data []byte, source string) ([]Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []Scenario
	for doc := 0; ; doc++ {
		var sc Scenario
		err := dec.Decode(&sc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "%s: document %d", source, doc)
		}
		if sc.Name == "" && len(sc.Steps) == 0 {
			continue // empty document
		}
		sc.Source = source
		if err := sc.Validate(); err != nil {
			return nil, errs.Wrap(errs.InvalidScenario, err, "%s", source)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Marshal renders a scenario back to YAML.
func Marshal(sc *Scenario) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return nil, fmt.Errorf("encode scenario %q: %w", sc.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
