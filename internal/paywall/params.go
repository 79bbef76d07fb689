package paywall

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type Param struct {
	Key   string
	Value any
}

// Params is an insertion-ordered set of event parameters.
type Params []Param

func (p Params) Get(key string) (any, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Set replaces an existing key in place or appends it.
func (p Params) Set(key string, value any) Params {
	for i, kv := range p {
		if kv.Key == key {
			out := p.Clone()
			out[i].Value = value
			return out
		}
	}
	return append(p.Clone(), Param{Key: key, Value: value})
}

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return append(Params(nil), p...)
}

func (p Params) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", kv.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("params must be a JSON object")
	}
	out := Params{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("params key must be a string")
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		out = out.Set(key, v)
	}
	*p = out
	return nil
}
