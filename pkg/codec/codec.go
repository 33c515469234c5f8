// Package codec defines how documents and document lists are turned into and
// from character streams, and provides the implementations used by the
// client, the cache and the fake server.
package codec

import (
	"io"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// DocumentCodec serializes document bodies. Encode must not write a trailing
// blank line; the protocol client adds the request terminator itself.
type DocumentCodec interface {
	Encode(w io.Writer, doc *models.Document) error
	Decode(r io.Reader) (*models.Document, error)
}

// ListCodec serializes document lists for LIST responses and conflict
// payloads. DecodeList reads until end of stream.
type ListCodec interface {
	EncodeList(w io.Writer, dl *models.DocumentList) error
	DecodeList(r io.Reader) (*models.DocumentList, error)
}

// Default codecs used when none is configured.
var (
	DefaultDocumentCodec DocumentCodec = JSON{}
	DefaultListCodec     ListCodec     = CSVList{}
)
