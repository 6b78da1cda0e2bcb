// Package docquery evaluates filters, aggregation pipelines and collection
// schemas over JSON documents decoded into map[string]any.
package docquery

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var ErrInvalidFilter = errors.New("invalid filter")

// Lookup returns the value at a dotted path such as "login.password.%share".
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath assigns v at a dotted path, creating intermediate objects.
func SetPath(doc map[string]any, path string, v any) error {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s is not an object", ErrInvalidFilter, seg)
		}
		cur = m
	}
	cur[segs[len(segs)-1]] = v
	return nil
}

// Match reports whether doc satisfies filter.
func Match(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or":
			subs, ok := cond.([]any)
			if !ok {
				return false, fmt.Errorf("%w: %s expects an array", ErrInvalidFilter, key)
			}
			matched := false
			for _, s := range subs {
				sub, ok := s.(map[string]any)
				if !ok {
					return false, fmt.Errorf("%w: %s expects objects", ErrInvalidFilter, key)
				}
				ok, err := Match(doc, sub)
				if err != nil {
					return false, err
				}
				if key == "$and" && !ok {
					return false, nil
				}
				matched = matched || ok
			}
			if key == "$or" && !matched && len(subs) > 0 {
				return false, nil
			}
			continue
		}

		val, exists := Lookup(doc, key)
		ok, err := matchCondition(val, exists, cond)
		if err != nil {
			return false, fmt.Errorf("%s: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchCondition(val any, exists bool, cond any) (bool, error) {
	ops, isOps := cond.(map[string]any)
	if isOps {
		for k := range ops {
			if !strings.HasPrefix(k, "$") {
				isOps = false
				break
			}
		}
	}
	if !isOps || len(ops) == 0 {
		return exists && Equal(val, cond), nil
	}

	for op, arg := range ops {
		var ok bool
		switch op {
		case "$eq":
			ok = exists && Equal(val, arg)
		case "$ne":
			ok = !exists || !Equal(val, arg)
		case "$gt", "$gte", "$lt", "$lte":
			if !exists {
				return false, nil
			}
			c, comparable := Compare(val, arg)
			if !comparable {
				return false, nil
			}
			switch op {
			case "$gt":
				ok = c > 0
			case "$gte":
				ok = c >= 0
			case "$lt":
				ok = c < 0
			case "$lte":
				ok = c <= 0
			}
		case "$in", "$nin":
			list, isList := arg.([]any)
			if !isList {
				return false, fmt.Errorf("%w: %s expects an array", ErrInvalidFilter, op)
			}
			found := false
			for _, candidate := range list {
				if exists && Equal(val, candidate) {
					found = true
					break
				}
			}
			ok = found == (op == "$in")
		case "$exists":
			want, isBool := arg.(bool)
			if !isBool {
				return false, fmt.Errorf("%w: $exists expects a boolean", ErrInvalidFilter)
			}
			ok = exists == want
		default:
			return false, fmt.Errorf("%w: unsupported operator %s", ErrInvalidFilter, op)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Equal compares JSON values, treating all numeric types alike.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// Compare orders two numbers or two strings. The second result is false for
// any other combination.
func Compare(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalize(val)
		}
		return out
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

// Clone deep copies a JSON value.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Clone(val)
		}
		return out
	}
	return v
}

// ApplySet applies a $set update to doc and reports whether doc changed.
// The _id field cannot be changed.
func ApplySet(doc map[string]any, set map[string]any) (bool, error) {
	changed := false
	for path, v := range set {
		if path == "_id" || strings.HasPrefix(path, "_id.") {
			return false, fmt.Errorf("%w: _id is immutable", ErrInvalidFilter)
		}
		old, exists := Lookup(doc, path)
		if exists && Equal(old, v) {
			continue
		}
		if err := SetPath(doc, path, Clone(v)); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}
