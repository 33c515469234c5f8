package models

import (
	"sort"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
)

// DocumentList is a list of document records as served by LIST, and as
// attached to a duplicate external identifier conflict.
type DocumentList struct {
	Fields    []string
	Documents []*Record
	// Summaries maps a field name to a value histogram. Servers send these to
	// offer filter suggestions even when the list itself is withheld.
	Summaries map[string]map[string]int
	// Total is the document count announced by the server, -1 if none was.
	Total int
}

func NewDocumentList(fields ...string) *DocumentList {
	return &DocumentList{
		Fields:    fields,
		Summaries: make(map[string]map[string]int),
		Total:     -1,
	}
}

func (dl *DocumentList) Add(r *Record) {
	dl.Documents = append(dl.Documents, r)
}

func (dl *DocumentList) Len() int {
	return len(dl.Documents)
}

// Find returns the record with the given document id, or nil.
func (dl *DocumentList) Find(id string) *Record {
	for _, r := range dl.Documents {
		if r.Value(constants.DocumentIDAttribute) == id {
			return r
		}
	}
	return nil
}

// IDs returns the document ids in list order.
func (dl *DocumentList) IDs() []string {
	ids := make([]string, 0, len(dl.Documents))
	for _, r := range dl.Documents {
		if id := r.Value(constants.DocumentIDAttribute); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// HasField reports whether name is one of the list columns.
func (dl *DocumentList) HasField(name string) bool {
	for _, f := range dl.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// WithField returns a copy of the list with name prepended to the columns.
// Records are shared with the receiver.
func (dl *DocumentList) WithField(name string) *DocumentList {
	out := NewDocumentList(append([]string{name}, dl.Fields...)...)
	out.Documents = dl.Documents
	out.Summaries = dl.Summaries
	out.Total = dl.Total
	return out
}

// Summarize rebuilds Summaries from the records, skipping the given fields.
func (dl *DocumentList) Summarize(skip ...string) {
	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		skipped[s] = true
	}
	dl.Summaries = make(map[string]map[string]int)
	for _, r := range dl.Documents {
		for _, f := range dl.Fields {
			if skipped[f] {
				continue
			}
			v, ok := r.Get(f)
			if !ok || v == "" {
				continue
			}
			if dl.Summaries[f] == nil {
				dl.Summaries[f] = make(map[string]int)
			}
			dl.Summaries[f][v]++
		}
	}
}

// SummaryValues returns the distinct values of a field summary, sorted.
func (dl *DocumentList) SummaryValues(field string) []string {
	s := dl.Summaries[field]
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
