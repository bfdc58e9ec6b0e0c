// Package jsoncodec is the JSON codec used for mux heads, mux directories,
// persisted header columns and JSON payloads. It follows encoding/json
// semantics, including sorted map keys.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// MarshalString marshals v and returns the result as a string.
func MarshalString(v any) (string, error) {
	return defaultConfig.MarshalToString(v)
}

// UnmarshalString decodes a JSON string into v.
func UnmarshalString(data string, v any) error {
	return defaultConfig.UnmarshalFromString(data, v)
}

func Encode(w io.Writer, v any) error {
	enc := defaultConfig.NewEncoder(w)
	return enc.Encode(v)
}

func Decode(r io.Reader, v any) error {
	dec := defaultConfig.NewDecoder(r)
	return dec.Decode(v)
}
