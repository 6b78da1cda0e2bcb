package docquery

import (
	"fmt"
	"strconv"
	"strings"
)

const pipelineRoot = "$.pipeline"

// ResolveVariables returns a copy of pipeline with every variable value
// written at its declared path, for example "$.pipeline[0].$match.age.$gte".
// paths maps variable names to paths; every declared variable must have a
// value and no undeclared value may be given.
func ResolveVariables(pipeline []map[string]any, paths map[string]string, values map[string]any) ([]map[string]any, error) {
	for name := range values {
		if _, ok := paths[name]; !ok {
			return nil, fmt.Errorf("%w: unknown variable %s", ErrInvalidFilter, name)
		}
	}

	stages := make([]any, len(pipeline))
	for i, s := range pipeline {
		stages[i] = Clone(s)
	}

	for name, path := range paths {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("%w: missing value for variable %s", ErrInvalidFilter, name)
		}
		if err := setVariable(stages, path, Clone(v)); err != nil {
			return nil, fmt.Errorf("variable %s: %w", name, err)
		}
	}

	out := make([]map[string]any, len(stages))
	for i, s := range stages {
		out[i] = s.(map[string]any)
	}
	return out, nil
}

// ValidatePath reports whether path is a well formed variable path.
func ValidatePath(path string) error {
	_, err := parseVariablePath(path)
	return err
}

type pathSegment struct {
	key   string
	index int
	isIdx bool
}

func parseVariablePath(path string) ([]pathSegment, error) {
	if !strings.HasPrefix(path, pipelineRoot) {
		return nil, fmt.Errorf("%w: path must start with %s", ErrInvalidFilter, pipelineRoot)
	}
	rest := path[len(pipelineRoot):]

	var segs []pathSegment
	for rest != "" {
		switch rest[0] {
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated index in %s", ErrInvalidFilter, path)
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: bad index in %s", ErrInvalidFilter, path)
			}
			segs = append(segs, pathSegment{index: idx, isIdx: true})
			rest = rest[end+1:]
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			if end == 0 {
				return nil, fmt.Errorf("%w: empty key in %s", ErrInvalidFilter, path)
			}
			segs = append(segs, pathSegment{key: rest[:end]})
			rest = rest[end:]
		default:
			return nil, fmt.Errorf("%w: malformed path %s", ErrInvalidFilter, path)
		}
	}
	if len(segs) < 2 || !segs[0].isIdx {
		return nil, fmt.Errorf("%w: path %s must address a stage field", ErrInvalidFilter, path)
	}
	return segs, nil
}

func setVariable(stages []any, path string, v any) error {
	segs, err := parseVariablePath(path)
	if err != nil {
		return err
	}

	var cur any = stages
	for i, seg := range segs {
		last := i == len(segs)-1
		if seg.isIdx {
			arr, ok := cur.([]any)
			if !ok || seg.index >= len(arr) {
				return fmt.Errorf("%w: index %d out of range", ErrInvalidFilter, seg.index)
			}
			if last {
				arr[seg.index] = v
				return nil
			}
			cur = arr[seg.index]
			continue
		}

		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s is not inside an object", ErrInvalidFilter, seg.key)
		}
		if last {
			m[seg.key] = v
			return nil
		}
		next, ok := m[seg.key]
		if !ok {
			if segs[i+1].isIdx {
				return fmt.Errorf("%w: %s is missing", ErrInvalidFilter, seg.key)
			}
			next = make(map[string]any)
			m[seg.key] = next
		}
		cur = next
	}
	return nil
}
