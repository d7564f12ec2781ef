package qbp

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"
)

const (
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeJSON    = "application/json"
	ContentTypeYAML    = "application/yaml"
)

// ContentType serializes values for the wire
type ContentType interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var contentTypes = map[string]ContentType{
	ContentTypeMsgpack: msgpackType{},
	ContentTypeJSON:    jsonType{},
	ContentTypeYAML:    yamlType{},
}

// negotiable content types, best first. yaml is only used inside blobs.
var defaultContentTypes = []string{ContentTypeMsgpack, ContentTypeJSON}

func LookupContentType(name string) (ContentType, error) {
	ct, ok := contentTypes[name]
	if !ok {
		return nil, fmt.Errorf("%w: content type %q", ErrUnsupported, name)
	}
	return ct, nil
}

// LookupWireContentType is LookupContentType restricted to the types a
// connection may negotiate
func LookupWireContentType(name string) (ContentType, error) {
	if !slices.Contains(defaultContentTypes, name) {
		return nil, fmt.Errorf("%w: content type %q on the wire", ErrUnsupported, name)
	}
	return LookupContentType(name)
}

// msgpack reads the json struct tags so wire types carry a single tag set
type msgpackType struct{}

func (msgpackType) Name() string { return ContentTypeMsgpack }

func (msgpackType) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (msgpackType) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

type jsonType struct{}

func (jsonType) Name() string { return ContentTypeJSON }

func (jsonType) Marshal(v any) ([]byte, error) {
	return jsonMarshal(v)
}

func (jsonType) Unmarshal(data []byte, v any) error {
	return jsonUnmarshal(data, v)
}

type yamlType struct{}

func (yamlType) Name() string { return ContentTypeYAML }

func (yamlType) Marshal(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlType) Unmarshal(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}
