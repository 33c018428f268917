// Package jsoncodec centralises JSON encoding for fleetwatch. All payload
// decoding and API responses go through sonic with standard-library-compatible
// semantics.
package jsoncodec

import (
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

// MarshalString marshals v and returns the result as a string. Used for the
// verbatim JSON payload columns in both sinks.
func MarshalString(v any) (string, error) {
	b, err := defaultConfig.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
