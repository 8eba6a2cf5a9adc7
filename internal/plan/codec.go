package plan

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Decode parses a YAML plan document, assigns task identities from position,
// fills default statuses and validates the dependency structure.
func Decode(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, &MalformedPlanError{Problems: []string{fmt.Sprintf("parse: %v", err)}}
	}
	normalize(&p)
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode renders the plan as YAML.
func Encode(p *Plan) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	return buf.Bytes(), nil
}

func normalize(p *Plan) {
	for mi, m := range p.Milestones {
		if m == nil {
			continue
		}
		if m.Index == 0 {
			m.Index = mi + 1
		}
		if m.Status == "" {
			m.Status = MilestonePending
		}
		for ti, t := range m.Tasks {
			if t == nil {
				continue
			}
			t.ID = TaskID{Milestone: m.Index, Index: ti + 1}
			if t.Status == "" {
				t.Status = TaskPending
			}
		}
	}
}
