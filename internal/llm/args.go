package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Arg is a single named tool argument.
type Arg struct {
	Key   string
	Value any
}

// Args is an ordered key/value mapping of tool arguments. It marshals
// as a JSON object and preserves key order in both directions.
type Args []Arg

// ArgsFromMap builds Args from a map. Key order follows the map's
// iteration order, so callers that care about order should build Args
// directly.
func ArgsFromMap(m map[string]any) Args {
	args := make(Args, 0, len(m))
	for k, v := range m {
		args = append(args, Arg{Key: k, Value: v})
	}
	return args
}

// ParseArgs decodes a JSON object into Args, preserving key order.
// An empty input yields empty Args.
func ParseArgs(raw []byte) (Args, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Args{}, nil
	}
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return a, nil
}

// NewToolCall builds a call from raw provider arguments. Arguments that
// do not parse leave the call in place with Invalid set, so the id
// still pairs with a result and the model can retry.
func NewToolCall(id, name string, raw []byte) ToolCall {
	call := ToolCall{ID: id, Name: name, Args: Args{}}
	args, err := ParseArgs(raw)
	if err != nil {
		call.Invalid = err.Error()
		return call
	}
	call.Args = args
	return call
}

// Get returns the value for key.
func (a Args) Get(key string) (any, bool) {
	for _, arg := range a {
		if arg.Key == key {
			return arg.Value, true
		}
	}
	return nil, false
}

// String returns the value for key if it is a string.
func (a Args) String(key string) string {
	v, _ := a.Get(key)
	s, _ := v.(string)
	return s
}

// Map returns the arguments as a plain map.
func (a Args) Map() map[string]any {
	m := make(map[string]any, len(a))
	for _, arg := range a {
		m[arg.Key] = arg.Value
	}
	return m
}

// MarshalJSON implements json.Marshaler.
func (a Args) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, arg := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(arg.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", arg.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Args) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("tool arguments must be a JSON object")
	}
	out := Args{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in tool arguments", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("arg %q: %w", key, err)
		}
		out = append(out, Arg{Key: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}
