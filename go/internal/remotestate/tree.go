package remotestate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CleanPath validates p and returns it without a trailing slash.
func CleanPath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		p = "/"
	}
	for _, seg := range Segments(p) {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return p, nil
}

// Segments splits a clean path into its segments. The root has none.
func Segments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Within reports whether p equals prefix or lies beneath it.
func Within(p, prefix string) bool {
	if prefix == "/" || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}

// Assemble builds the JSON object rooted at prefix from descendant leaves.
// Leaves deeper than one level become nested objects.
func Assemble(prefix string, leaves map[string]json.RawMessage) (json.RawMessage, error) {
	root := map[string]any{}
	base := len(Segments(prefix))

	paths := make([]string, 0, len(leaves))
	for p := range leaves {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		segs := Segments(p)
		if len(segs) <= base {
			continue
		}
		node := root
		rel := segs[base:]
		for _, seg := range rel[:len(rel)-1] {
			child, ok := node[seg].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[seg] = child
			}
			node = child
		}
		node[rel[len(rel)-1]] = leaves[p]
	}
	return json.Marshal(root)
}

// MergeFields applies a partial update to an existing JSON object. A nil
// value deletes the field. Existing values that are not objects are replaced.
func MergeFields(existing json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil || doc == nil {
			doc = map[string]json.RawMessage{}
		}
	}

	for k, v := range fields {
		if v == nil {
			delete(doc, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrInvalidValue, k, err)
		}
		doc[k] = raw
	}
	return json.Marshal(doc)
}

// MarshalValue encodes a value for storage; json.RawMessage is validated and
// passed through.
func MarshalValue(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrInvalidValue
		}
		return raw, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return raw, nil
}
