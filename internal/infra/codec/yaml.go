package codec

import "gopkg.in/yaml.v3"

// YAML encodes payloads with gopkg.in/yaml.v3. Nested mappings decode to
// map[string]any so they stay encodable by the other codecs.
type YAML struct{}

func (YAML) ContentType() string { return "application/yaml" }

func (YAML) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

func (YAML) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }
