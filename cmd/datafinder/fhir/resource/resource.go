// Package resource wraps decoded FHIR resources of arbitrary shape.
package resource

import (
	"encoding/json"
	"fmt"
)

// Resource is a FHIR resource decoded into generic JSON values. Accessors
// tolerate missing or mistyped fields and return zero values instead.
type Resource map[string]any

// Decode parses a single FHIR resource.
func Decode(data []byte) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}
	return r, nil
}

func (r Resource) Type() string { return r.String("resourceType") }

func (r Resource) ID() string { return r.String("id") }

// Reference returns the relative reference "Type/id".
func (r Resource) Reference() string {
	if r.Type() == "" || r.ID() == "" {
		return ""
	}
	return r.Type() + "/" + r.ID()
}

func (r Resource) Get(key string) any {
	if r == nil {
		return nil
	}
	return r[key]
}

// String returns the value under key if it is a JSON string.
func (r Resource) String(key string) string {
	s, _ := r.Get(key).(string)
	return s
}

// Object returns the value under key if it is a JSON object.
func (r Resource) Object(key string) Resource {
	return AsObject(r.Get(key))
}

// Objects returns the JSON objects under key. A single object is returned
// as a one element slice.
func (r Resource) Objects(key string) []Resource {
	switch v := r.Get(key).(type) {
	case []any:
		out := make([]Resource, 0, len(v))
		for _, item := range v {
			if obj := AsObject(item); obj != nil {
				out = append(out, obj)
			}
		}
		return out
	case map[string]any:
		return []Resource{v}
	}
	return nil
}

// Path walks nested objects, taking the first element of any array on the way.
func (r Resource) Path(keys ...string) any {
	var cur any = map[string]any(r)
	for _, key := range keys {
		if arr, ok := cur.([]any); ok {
			if len(arr) == 0 {
				return nil
			}
			cur = arr[0]
		}
		obj := AsObject(cur)
		if obj == nil {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

// PathString is Path for string leaves.
func (r Resource) PathString(keys ...string) string {
	s, _ := r.Path(keys...).(string)
	return s
}

// FirstCode returns code.coding[0].code, the key used for per test capping.
func (r Resource) FirstCode() string {
	return r.PathString("code", "coding", "code")
}

// SubjectReference returns subject.reference.
func (r Resource) SubjectReference() string {
	return r.PathString("subject", "reference")
}

// Marshal encodes the resource back to JSON.
func (r Resource) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(r))
}

// DecodeInto re-encodes the resource into a typed value such as a generated FHIR
// model struct.
func (r Resource) DecodeInto(v any) error {
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// AsObject converts a generic JSON value into a Resource if it is an object.
func AsObject(v any) Resource {
	switch obj := v.(type) {
	case map[string]any:
		return obj
	case Resource:
		return obj
	}
	return nil
}

// AsList normalizes a generic JSON value into a slice.
func AsList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	default:
		return []any{v}
	}
}
