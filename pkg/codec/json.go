package codec

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// JSON encodes a document as a single JSON object.
type JSON struct{}

func (JSON) Encode(w io.Writer, doc *models.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("json: encode document %q: %w", doc.ID, err)
	}
	_, err = w.Write(data)
	return err
}

func (JSON) Decode(r io.Reader) (*models.Document, error) {
	doc := new(models.Document)
	if err := json.NewDecoder(r).Decode(doc); err != nil {
		return nil, fmt.Errorf("json: decode document: %w", err)
	}
	if doc.Attributes == nil {
		doc.Attributes = make(map[string]string)
	}
	return doc, nil
}
