package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/huiying/aigc-proxy/internal/metrics"
)

// KeepDefaultPrefix marks override values that should leave the template
// value untouched ("默认" = use default, sent by the plugin UI).
const KeepDefaultPrefix = "默认"

// Merge applies a flat override set onto a deep copy of tpl. The template
// itself is never mutated. A failing path walk skips that one parameter and
// the rest are still applied; afterwards any top-level node without a
// class_type tag is dropped.
func Merge(tpl Template, mapping Mapping, overrides map[string]interface{}, logger *zap.Logger) Template {
	merged := deepCopy(map[string]interface{}(tpl))

	for key, value := range overrides {
		if s, ok := value.(string); ok && strings.HasPrefix(s, KeepDefaultPrefix) {
			continue
		}
		path, ok := mapping.ParamMappings[key]
		if !ok {
			continue
		}
		if err := setPath(merged, path, value); err != nil {
			metrics.MergeParamFailures.Inc()
			logger.Warn("Override parameter skipped",
				zap.String("param", key),
				zap.Error(err))
		}
	}

	return sanitize(merged)
}

// setPath walks the path inside root, creating missing intermediate maps,
// and overwrites the terminal value. Array segments never create elements;
// an out-of-range index or a non-container in the way is an error.
func setPath(root map[string]interface{}, path ParamPath, value interface{}) error {
	if len(path) == 0 {
		return fmt.Errorf("empty parameter path")
	}

	var cur interface{} = root
	for i, seg := range path[:len(path)-1] {
		next, err := step(cur, seg, path[:i+1])
		if err != nil {
			return err
		}
		cur = next
	}

	last := path[len(path)-1]
	switch c := cur.(type) {
	case map[string]interface{}:
		if last.IsIndex {
			return fmt.Errorf("path %v: index %d into an object", path, last.Index)
		}
		c[last.Key] = value
	case []interface{}:
		if !last.IsIndex {
			return fmt.Errorf("path %v: key %q into an array", path, last.Key)
		}
		if last.Index < 0 || last.Index >= len(c) {
			return fmt.Errorf("path %v: index %d out of range (len %d)", path, last.Index, len(c))
		}
		c[last.Index] = value
	default:
		return fmt.Errorf("path %v: cannot assign into %T", path, cur)
	}
	return nil
}

func step(cur interface{}, seg Segment, walked ParamPath) (interface{}, error) {
	switch c := cur.(type) {
	case map[string]interface{}:
		if seg.IsIndex {
			return nil, fmt.Errorf("path %v: index %d into an object", walked, seg.Index)
		}
		next, ok := c[seg.Key]
		if !ok || next == nil {
			created := make(map[string]interface{})
			c[seg.Key] = created
			return created, nil
		}
		return next, nil
	case []interface{}:
		if !seg.IsIndex {
			return nil, fmt.Errorf("path %v: key %q into an array", walked, seg.Key)
		}
		if seg.Index < 0 || seg.Index >= len(c) {
			return nil, fmt.Errorf("path %v: index %d out of range (len %d)", walked, seg.Index, len(c))
		}
		return c[seg.Index], nil
	default:
		return nil, fmt.Errorf("path %v: cannot navigate into %T", walked, cur)
	}
}

// sanitize drops top-level entries that are not nodes with a class_type
// tag, guarding against malformed templates and overrides that replaced a
// whole node.
func sanitize(graph map[string]interface{}) Template {
	valid := make(Template, len(graph))
	for id, v := range graph {
		node, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := node["class_type"]; !ok {
			continue
		}
		valid[id] = node
	}
	return valid
}

func deepCopy(v interface{}) map[string]interface{} {
	return copyValue(v).(map[string]interface{})
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case Template:
		return copyValue(map[string]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
