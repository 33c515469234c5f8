package cache

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
)

// Local flag columns. A set flag holds its own column name, an unset flag is
// empty.
const (
	pinColumn   = "EC"
	dirtyColumn = "D"
)

// listColumns are the metadata fields exposed by GetDocumentList, and the
// columns of a fresh metadata file.
var listColumns = []string{
	constants.DocumentIDAttribute,
	constants.DocumentNameAttribute,
	constants.DocumentTitleAttribute,
	constants.CheckinUserAttribute,
	constants.CheckinTimeAttribute,
	constants.UpdateUserAttribute,
	constants.UpdateTimeAttribute,
	constants.DocumentVersionAttribute,
}

// schema is the ordered column set of the metadata file. It only grows.
type schema struct {
	columns []string
	known   mapset.Set[string]
}

func newSchema(columns ...string) *schema {
	s := &schema{known: mapset.NewThreadUnsafeSet[string]()}
	s.extend(columns)
	return s
}

// extend appends the keys not yet known, in the given order, and reports
// whether any was added.
func (s *schema) extend(keys []string) bool {
	grew := false
	for _, k := range keys {
		if k == "" || !s.known.Add(k) {
			continue
		}
		s.columns = append(s.columns, k)
		grew = true
	}
	return grew
}

func (s *schema) has(key string) bool {
	return s.known.Contains(key)
}

func (s *schema) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}
