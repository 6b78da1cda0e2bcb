package blindfold

import (
	"fmt"
)

const (
	// AllotKey marks a plaintext value that must be shared across nodes.
	AllotKey = "%allot"
	// ShareKey holds a node's share of a value.
	ShareKey = "%share"
)

// Allot encrypts every {"%allot": value} in doc and returns one document per
// node in which the marker is replaced by {"%share": share}. All other values
// are copied to every node unchanged.
func (k *Key) Allot(doc map[string]any) ([]map[string]any, error) {
	parts, err := k.allotValue(doc)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, k.nodes)
	for i, p := range parts {
		out[i] = p.(map[string]any)
	}
	return out, nil
}

func (k *Key) allotValue(v any) ([]any, error) {
	out := make([]any, k.nodes)

	switch x := v.(type) {
	case map[string]any:
		if inner, ok := x[AllotKey]; ok {
			if len(x) != 1 {
				return nil, fmt.Errorf("%w: %s must be the only key of its object", ErrUnsupportedValue, AllotKey)
			}
			shares, err := k.Encrypt(inner)
			if err != nil {
				return nil, err
			}
			for i := range out {
				out[i] = map[string]any{ShareKey: shares[i]}
			}
			return out, nil
		}

		for i := range out {
			out[i] = make(map[string]any, len(x))
		}
		for key, val := range x {
			parts, err := k.allotValue(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			for i := range out {
				out[i].(map[string]any)[key] = parts[i]
			}
		}
	case []any:
		for i := range out {
			out[i] = make([]any, len(x))
		}
		for idx, val := range x {
			parts, err := k.allotValue(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", idx, err)
			}
			for i := range out {
				out[i].([]any)[idx] = parts[i]
			}
		}
	default:
		for i := range out {
			out[i] = v
		}
	}
	return out, nil
}

// Unify is the inverse of Allot. docs is indexed by node and nil entries
// mark nodes that returned nothing. Every {"%share": ...} object is
// decrypted; plain values are taken from the first present document. Match
// shares are returned as their digest.
func (k *Key) Unify(docs []map[string]any) (map[string]any, error) {
	if len(docs) != k.nodes {
		return nil, fmt.Errorf("%w: got %d documents for %d nodes", ErrInvalidShare, len(docs), k.nodes)
	}

	vals := make([]any, len(docs))
	present := 0
	for i, d := range docs {
		if d != nil {
			vals[i] = d
			present++
		}
	}
	if present < k.RequiredShares() {
		return nil, fmt.Errorf("%w: have %d documents, need %d", ErrInsufficientShares, present, k.RequiredShares())
	}

	out, err := k.unifyValue(vals)
	if err != nil {
		return nil, err
	}
	doc, _ := out.(map[string]any)
	return doc, nil
}

func (k *Key) unifyValue(vals []any) (any, error) {
	var ref any
	for _, v := range vals {
		if v != nil {
			ref = v
			break
		}
	}

	switch x := ref.(type) {
	case map[string]any:
		if share, ok := x[ShareKey]; ok && len(x) == 1 {
			if k.op == OpMatch {
				return share, nil
			}
			shares := make([]any, len(vals))
			for i, v := range vals {
				if m, ok := v.(map[string]any); ok {
					shares[i] = m[ShareKey]
				}
			}
			return k.Decrypt(shares)
		}

		out := make(map[string]any, len(x))
		for key := range x {
			sub := make([]any, len(vals))
			for i, v := range vals {
				if m, ok := v.(map[string]any); ok {
					sub[i] = m[key]
				}
			}
			u, err := k.unifyValue(sub)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out[key] = u
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for idx := range x {
			sub := make([]any, len(vals))
			for i, v := range vals {
				if arr, ok := v.([]any); ok && idx < len(arr) {
					sub[i] = arr[idx]
				}
			}
			u, err := k.unifyValue(sub)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", idx, err)
			}
			out[idx] = u
		}
		return out, nil
	}
	return ref, nil
}

// IsShare reports whether v is a {"%share": ...} object.
func IsShare(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	_, ok = m[ShareKey]
	return ok
}
