package qbp

import "fmt"

// Blob carries a payload in a content type other than the negotiated one
type Blob struct {
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

func NewBlob(contentType string, v any) (Blob, error) {
	ct, err := LookupContentType(contentType)
	if err != nil {
		return Blob{}, err
	}
	data, err := ct.Marshal(v)
	if err != nil {
		return Blob{}, fmt.Errorf("marshal blob: %w", err)
	}
	return Blob{ContentType: contentType, Content: data}, nil
}

func (b Blob) Decode(v any) error {
	ct, err := LookupContentType(b.ContentType)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBlobType, b.ContentType)
	}
	return ct.Unmarshal(b.Content, v)
}

func (b Blob) String() string {
	return fmt.Sprintf("Blob(%s, %d bytes)", b.ContentType, len(b.Content))
}
