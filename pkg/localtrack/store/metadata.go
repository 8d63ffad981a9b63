/*
Copyright 2023 The Localtrack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Metadata is the opaque caller-supplied blob attached to jobs and media.
// It is stored JSON-serialised and base64-encoded; an absent blob decodes
// to the empty mapping.
type Metadata map[string]any

// EncodeMetadata serialises m to base64(JSON). Nil encodes as the empty
// mapping so encode/decode round-trips cleanly.
func EncodeMetadata(m Metadata) (string, error) {
	if m == nil {
		m = Metadata{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeMetadata reverses EncodeMetadata. The empty string decodes to the
// empty mapping.
func DecodeMetadata(s string) (Metadata, error) {
	if s == "" {
		return Metadata{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	m := Metadata{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}

// MergeMetadata decodes blob, overlays kv on it, and re-encodes.
func MergeMetadata(blob string, kv Metadata) (string, error) {
	m, err := DecodeMetadata(blob)
	if err != nil {
		return "", err
	}
	for k, v := range kv {
		m[k] = v
	}
	return EncodeMetadata(m)
}
