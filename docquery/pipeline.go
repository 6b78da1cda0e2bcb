package docquery

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

const shareKey = "%share"

// shareModulus is the prime additive shares are taken modulo.
const shareModulus = 1<<32 + 15

// RunPipeline applies an aggregation pipeline to docs. Supported stages are
// $match, $project, $sort, $skip, $limit, $count and $group with $sum and
// $count accumulators. Summing {"%share": n} values yields a share of the
// sum, which only the client holding the key can decrypt.
func RunPipeline(docs []map[string]any, pipeline []map[string]any) ([]map[string]any, error) {
	out := docs
	for i, stage := range pipeline {
		if len(stage) != 1 {
			return nil, fmt.Errorf("%w: stage %d must have exactly one operator", ErrInvalidFilter, i)
		}
		for op, arg := range stage {
			var err error
			switch op {
			case "$match":
				out, err = stageMatch(out, arg)
			case "$project":
				out, err = stageProject(out, arg)
			case "$sort":
				out, err = stageSort(out, arg)
			case "$skip", "$limit":
				out, err = stageSlice(out, op, arg)
			case "$count":
				name, ok := arg.(string)
				if !ok || name == "" {
					return nil, fmt.Errorf("%w: $count expects a field name", ErrInvalidFilter)
				}
				out = []map[string]any{{name: float64(len(out))}}
			case "$group":
				out, err = stageGroup(out, arg)
			default:
				err = fmt.Errorf("%w: unsupported stage %s", ErrInvalidFilter, op)
			}
			if err != nil {
				return nil, fmt.Errorf("stage %d: %w", i, err)
			}
		}
	}
	return out, nil
}

func stageMatch(docs []map[string]any, arg any) ([]map[string]any, error) {
	filter, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $match expects an object", ErrInvalidFilter)
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		ok, err := Match(d, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func stageProject(docs []map[string]any, arg any) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("%w: $project expects a non-empty object", ErrInvalidFilter)
	}

	include := false
	keepID := true
	for field, v := range spec {
		flag, isNum := toFloat(v)
		b, isBool := v.(bool)
		switch {
		case field == "_id" && ((isNum && flag == 0) || (isBool && !b)):
			keepID = false
		case (isNum && flag != 0) || (isBool && b):
			include = true
		case isNum || isBool:
		default:
			if s, isStr := v.(string); isStr && strings.HasPrefix(s, "$") {
				include = true
				continue
			}
			return nil, fmt.Errorf("%w: unsupported projection for %s", ErrInvalidFilter, field)
		}
	}

	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		var p map[string]any
		if include {
			p = make(map[string]any)
			if keepID {
				if id, ok := d["_id"]; ok {
					p["_id"] = id
				}
			}
			for field, v := range spec {
				if field == "_id" {
					continue
				}
				src := field
				if s, isStr := v.(string); isStr {
					src = strings.TrimPrefix(s, "$")
				} else if f, isNum := toFloat(v); (isNum && f == 0) || v == false {
					continue
				}
				if val, ok := Lookup(d, src); ok {
					if err := SetPath(p, field, Clone(val)); err != nil {
						return nil, err
					}
				}
			}
		} else {
			p = Clone(d).(map[string]any)
			for field := range spec {
				deletePath(p, field)
			}
		}
		if !keepID {
			delete(p, "_id")
		}
		out[i] = p
	}
	return out, nil
}

func deletePath(doc map[string]any, path string) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, segs[len(segs)-1])
}

func stageSort(docs []map[string]any, arg any) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok || len(spec) == 0 {
		return nil, fmt.Errorf("%w: $sort expects a non-empty object", ErrInvalidFilter)
	}

	// Map order is lost in JSON objects, keys are applied alphabetically.
	fields := make([]string, 0, len(spec))
	dirs := make(map[string]int, len(spec))
	for f, v := range spec {
		d, isNum := toFloat(v)
		if !isNum || (d != 1 && d != -1) {
			return nil, fmt.Errorf("%w: sort direction for %s must be 1 or -1", ErrInvalidFilter, f)
		}
		fields = append(fields, f)
		dirs[f] = int(d)
	}
	sort.Strings(fields)

	out := append([]map[string]any(nil), docs...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, f := range fields {
			a, _ := Lookup(out[i], f)
			b, _ := Lookup(out[j], f)
			c, ok := Compare(a, b)
			if !ok || c == 0 {
				continue
			}
			return c*dirs[f] < 0
		}
		return false
	})
	return out, nil
}

func stageSlice(docs []map[string]any, op string, arg any) ([]map[string]any, error) {
	f, ok := toFloat(arg)
	if !ok || f < 0 || math.Trunc(f) != f {
		return nil, fmt.Errorf("%w: %s expects a non-negative integer", ErrInvalidFilter, op)
	}
	n := int(f)
	if op == "$skip" {
		if n >= len(docs) {
			return []map[string]any{}, nil
		}
		return docs[n:], nil
	}
	if n < len(docs) {
		return docs[:n], nil
	}
	return docs, nil
}

type accumulator struct {
	plain    float64
	share    uint64
	isShare  bool
	hasValue bool
}

func stageGroup(docs []map[string]any, arg any) ([]map[string]any, error) {
	spec, ok := arg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: $group expects an object", ErrInvalidFilter)
	}
	idExpr, ok := spec["_id"]
	if !ok {
		return nil, fmt.Errorf("%w: $group requires _id", ErrInvalidFilter)
	}

	type group struct {
		id   any
		accs map[string]*accumulator
	}
	var order []string
	groups := make(map[string]*group)

	for _, d := range docs {
		var gid any
		if s, isStr := idExpr.(string); isStr && strings.HasPrefix(s, "$") {
			gid, _ = Lookup(d, strings.TrimPrefix(s, "$"))
		} else {
			gid = idExpr
		}
		gkey := fmt.Sprintf("%v", normalize(gid))
		g, ok := groups[gkey]
		if !ok {
			g = &group{id: gid, accs: make(map[string]*accumulator)}
			groups[gkey] = g
			order = append(order, gkey)
		}

		for field, expr := range spec {
			if field == "_id" {
				continue
			}
			acc, ok := g.accs[field]
			if !ok {
				acc = &accumulator{}
				g.accs[field] = acc
			}
			if err := accumulate(acc, d, expr); err != nil {
				return nil, fmt.Errorf("%s: %w", field, err)
			}
		}
	}

	out := make([]map[string]any, 0, len(order))
	for _, gkey := range order {
		g := groups[gkey]
		res := map[string]any{"_id": g.id}
		for field, acc := range g.accs {
			if acc.isShare {
				res[field] = map[string]any{shareKey: float64(acc.share)}
			} else {
				res[field] = acc.plain
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func accumulate(acc *accumulator, doc map[string]any, expr any) error {
	spec, ok := expr.(map[string]any)
	if !ok || len(spec) != 1 {
		return fmt.Errorf("%w: accumulator must have one operator", ErrInvalidFilter)
	}
	for op, arg := range spec {
		switch op {
		case "$count":
			acc.plain++
			return nil
		case "$sum":
		default:
			return fmt.Errorf("%w: unsupported accumulator %s", ErrInvalidFilter, op)
		}

		var v any = arg
		if s, isStr := arg.(string); isStr && strings.HasPrefix(s, "$") {
			var found bool
			v, found = Lookup(doc, strings.TrimPrefix(s, "$"))
			if !found {
				return nil
			}
		}

		if m, isMap := v.(map[string]any); isMap {
			inner, hasShare := m[shareKey]
			if !hasShare || len(m) != 1 {
				return fmt.Errorf("%w: cannot sum object", ErrInvalidFilter)
			}
			f, isNum := toFloat(inner)
			if !isNum || f < 0 || math.Trunc(f) != f {
				return fmt.Errorf("%w: share is not summable", ErrInvalidFilter)
			}
			if acc.hasValue && !acc.isShare {
				return fmt.Errorf("%w: cannot mix shares and plain values", ErrInvalidFilter)
			}
			acc.isShare = true
			acc.hasValue = true
			acc.share = (acc.share + uint64(f)%shareModulus) % shareModulus
			return nil
		}

		f, isNum := toFloat(v)
		if !isNum {
			return nil
		}
		if acc.isShare {
			return fmt.Errorf("%w: cannot mix shares and plain values", ErrInvalidFilter)
		}
		acc.hasValue = true
		acc.plain += f
	}
	return nil
}
