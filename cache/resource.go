package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Resource is a single API object. Every resource carries an id and a url;
// all other members are kept as raw JSON so unknown fields survive a round
// trip untouched.
type Resource struct {
	ID     json.Number
	URL    string
	Fields map[string]json.RawMessage

	rawID json.RawMessage // id as received, so "7" and 7 re-encode unchanged
}

var errMissingURL = errors.New("resource has no url")

// IDInt returns the id as an integer, for APIs with numeric ids.
func (r Resource) IDInt() (int64, error) {
	return strconv.ParseInt(r.ID.String(), 10, 64)
}

// Field decodes a single member into out.
func (r Resource) Field(name string, out any) error {
	raw, ok := r.Fields[name]
	if !ok {
		return fmt.Errorf("field %q not present", name)
	}
	return json.Unmarshal(raw, out)
}

// String returns a string member, or "" when absent or not a string.
func (r Resource) String(name string) string {
	var s string
	if err := r.Field(name, &s); err != nil {
		return ""
	}
	return s
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	out := Resource{ID: r.ID, URL: r.URL}
	if r.rawID != nil {
		out.rawID = append(json.RawMessage(nil), r.rawID...)
	}
	if r.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(r.Fields))
		for k, v := range r.Fields {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Fields[k] = cp
		}
	}
	return out
}

func (r Resource) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	id := json.RawMessage("null")
	switch {
	case r.rawID != nil && r.ID == idFromRaw(r.rawID):
		id = r.rawID
	case r.ID != "":
		if _, err := strconv.ParseFloat(r.ID.String(), 64); err == nil {
			id = json.RawMessage(r.ID.String())
		} else {
			b, err := json.Marshal(r.ID.String())
			if err != nil {
				return nil, err
			}
			id = b
		}
	}
	m["id"] = id
	u, err := json.Marshal(r.URL)
	if err != nil {
		return nil, err
	}
	m["url"] = u
	return json.Marshal(m)
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Resource{}
	if m == nil {
		return nil
	}
	if raw, ok := m["url"]; ok {
		if err := json.Unmarshal(raw, &r.URL); err != nil {
			return fmt.Errorf("decode url: %w", err)
		}
		delete(m, "url")
	}
	if raw, ok := m["id"]; ok {
		id, err := decodeID(raw)
		if err != nil {
			return err
		}
		r.ID = id
		r.rawID = append(json.RawMessage(nil), raw...)
		delete(m, "id")
	}
	if len(m) > 0 {
		r.Fields = m
	}
	return nil
}

func decodeID(raw json.RawMessage) (json.Number, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode id: %w", err)
		}
		return json.Number(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("decode id: %w", err)
	}
	return n, nil
}

func idFromRaw(raw json.RawMessage) json.Number {
	id, _ := decodeID(raw)
	return id
}

// ErrEmptyBody is returned by DecodePayload for a body with no JSON value.
var ErrEmptyBody = errors.New("empty response body")

// DecodePayload parses a response body that holds either one resource or
// an array of them. A JSON null yields (nil, false, nil); an empty body is
// ErrEmptyBody.
func DecodePayload(body []byte) (items []Resource, isArray bool, err error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false, ErrEmptyBody
	}
	if bytes.Equal(body, []byte("null")) {
		return nil, false, nil
	}
	if body[0] == '[' {
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, true, err
		}
		return items, true, nil
	}
	var r Resource
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, false, err
	}
	return []Resource{r}, false, nil
}
