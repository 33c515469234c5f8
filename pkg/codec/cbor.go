package codec

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// CBOR encodes a document in binary form. It is meant for local cache content
// only: the wire protocol counts characters, so bodies sent to the server
// must use a text codec.
type CBOR struct{}

var cborEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func (CBOR) Encode(w io.Writer, doc *models.Document) error {
	if err := cborEncMode.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("cbor: encode document %q: %w", doc.ID, err)
	}
	return nil
}

func (CBOR) Decode(r io.Reader) (*models.Document, error) {
	doc := new(models.Document)
	if err := cbor.NewDecoder(r).Decode(doc); err != nil {
		return nil, fmt.Errorf("cbor: decode document: %w", err)
	}
	if doc.Attributes == nil {
		doc.Attributes = make(map[string]string)
	}
	return doc, nil
}
