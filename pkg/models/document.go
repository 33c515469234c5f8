package models

import (
	"strconv"
	"strings"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
)

// Document is a client-side copy of a server document. Content is opaque to
// this module; only the codec interprets it.
type Document struct {
	ID         string            `json:"id" cbor:"1,keyasint"`
	Attributes map[string]string `json:"attributes,omitempty" cbor:"2,keyasint,omitempty"`
	Content    string            `json:"content" cbor:"3,keyasint"`
}

func NewDocument(id, content string) *Document {
	return &Document{
		ID:         id,
		Attributes: make(map[string]string),
		Content:    content,
	}
}

// Attribute returns the named attribute, or def when it is unset or empty.
func (d *Document) Attribute(key, def string) string {
	if v, ok := d.Attributes[key]; ok && v != "" {
		return v
	}
	return def
}

func (d *Document) SetAttribute(key, value string) {
	if d.Attributes == nil {
		d.Attributes = make(map[string]string)
	}
	d.Attributes[key] = value
}

func (d *Document) Name() string {
	return d.Attribute(constants.DocumentNameAttribute, "")
}

func (d *Document) Title() string {
	return d.Attribute(constants.DocumentTitleAttribute, "")
}

// Version returns the docVersion attribute, or 0 when unset or malformed.
func (d *Document) Version() int {
	v, err := strconv.Atoi(d.Attribute(constants.DocumentVersionAttribute, "0"))
	if err != nil {
		return 0
	}
	return v
}

// ExternalIdentifier is the user-visible identifier checked for uniqueness
// on upload and update.
func (d *Document) ExternalIdentifier() string {
	return d.Attribute(constants.ExternalIdentifierAttribute, "")
}

// Size is the unit count announced ahead of the body on UPLOAD and UPDATE.
func (d *Document) Size() int {
	return len(strings.Fields(d.Content))
}

func (d *Document) Clone() *Document {
	c := &Document{ID: d.ID, Content: d.Content, Attributes: make(map[string]string, len(d.Attributes))}
	for k, v := range d.Attributes {
		c.Attributes[k] = v
	}
	return c
}

// VersionedID renders the id line of FETCH and CHECKOUT requests. Version 0
// is the most recent one, negative versions count back from it.
func VersionedID(id string, version int) string {
	if version == 0 {
		return id
	}
	return id + "." + strconv.Itoa(version)
}

// ParseVersionedID splits an id line written by VersionedID. A suffix that is
// not a number is taken to be part of the id.
func ParseVersionedID(s string) (string, int) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return s, 0
	}
	v, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return s, 0
	}
	return s[:i], v
}
