package models

// Record is an ordered set of string fields. Keys keep the order in which they
// were first set, which is the column order used when a record is written out.
type Record struct {
	keys   []string
	values map[string]string
}

func NewRecord() *Record {
	return &Record{values: make(map[string]string)}
}

// RecordOf builds a record from parallel key and value slices. Empty values
// are skipped, matching how list rows omit unset fields.
func RecordOf(keys, values []string) *Record {
	r := NewRecord()
	for i, k := range keys {
		if i < len(values) && values[i] != "" {
			r.Set(k, values[i])
		}
	}
	return r
}

func (r *Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Value returns the field value or "" when unset.
func (r *Record) Value(key string) string {
	return r.values[key]
}

func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

func (r *Record) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

func (r *Record) Remove(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Keys returns a copy of the field names in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Record) Len() int {
	return len(r.keys)
}

func (r *Record) Clone() *Record {
	c := &Record{
		keys:   make([]string, len(r.keys)),
		values: make(map[string]string, len(r.values)),
	}
	copy(c.keys, r.keys)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Values projects the record onto the given columns.
func (r *Record) Values(columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = r.values[c]
	}
	return out
}
