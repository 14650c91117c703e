package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a template id cannot be resolved.
	// Remote transport failures are reported as ErrNotFound too; callers
	// must treat both identically.
	ErrNotFound = errors.New("workflow not found")
)

// Template is a workflow graph as submitted to the backend: node id to
// node body. A well-formed node is a JSON object carrying a "class_type"
// tag and an "inputs" object.
type Template map[string]interface{}

// NodeCount returns the number of recognizable nodes in the template.
func (t Template) NodeCount() int {
	n := 0
	for _, v := range t {
		if node, ok := v.(map[string]interface{}); ok {
			if _, ok := node["class_type"]; ok {
				n++
			}
		}
	}
	return n
}

// Segment is one step of a parameter path: either a map key or an array
// index. Mapping files write paths as mixed arrays of strings and numbers.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s *Segment) UnmarshalJSON(data []byte) error {
	var key string
	if err := json.Unmarshal(data, &key); err == nil {
		s.Key = key
		s.IsIndex = false
		return nil
	}
	var idx int
	if err := json.Unmarshal(data, &idx); err == nil {
		s.Index = idx
		s.IsIndex = true
		return nil
	}
	return fmt.Errorf("path segment must be a string or an integer, got %s", data)
}

func (s Segment) MarshalJSON() ([]byte, error) {
	if s.IsIndex {
		return json.Marshal(s.Index)
	}
	return json.Marshal(s.Key)
}

func (s Segment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return s.Key
}

// ParamPath locates one overridable value inside a template.
type ParamPath []Segment

// Mapping describes one template's externally tunable surface.
type Mapping struct {
	NodeCount     int                  `json:"node_count"`
	ParamMappings map[string]ParamPath `json:"param_mappings"`
}

// MappingsFile is the on-disk/remote shape of the mapping table.
type MappingsFile struct {
	WorkflowMappings map[string]Mapping `json:"workflow_mappings"`
}
