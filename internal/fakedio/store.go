package fakedio

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

// listFields are the columns of LIST responses.
var listFields = []string{
	constants.DocumentIDAttribute,
	constants.DocumentNameAttribute,
	constants.DocumentTitleAttribute,
	constants.CheckinUserAttribute,
	constants.CheckinTimeAttribute,
	constants.UpdateUserAttribute,
	constants.UpdateTimeAttribute,
	constants.DocumentVersionAttribute,
	constants.CheckoutUserAttribute,
	constants.ExternalIdentifierAttribute,
}

type entry struct {
	id           string
	versions     []*models.Document
	checkoutUser string
	updateLog    []string
	deleted      bool
}

func (e *entry) latest() *models.Document {
	return e.versions[len(e.versions)-1]
}

// version resolves 0 to the latest version and negative values relative to it.
func (e *entry) version(v int) (*models.Document, bool) {
	n := len(e.versions)
	switch {
	case v == 0:
		return e.latest(), true
	case v < 0:
		v = n + v
	}
	if v < 1 || v > n {
		return nil, false
	}
	return e.versions[v-1], true
}

func (e *entry) storeVersion(doc *models.Document, name, user string) int {
	stored := doc.Clone()
	stored.ID = e.id
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	version := len(e.versions) + 1

	stored.SetAttribute(constants.DocumentIDAttribute, e.id)
	if name != "" {
		stored.SetAttribute(constants.DocumentNameAttribute, name)
	}
	if len(e.versions) > 0 {
		first := e.versions[0]
		stored.SetAttribute(constants.CheckinUserAttribute, first.Attribute(constants.CheckinUserAttribute, user))
		stored.SetAttribute(constants.CheckinTimeAttribute, first.Attribute(constants.CheckinTimeAttribute, now))
	} else {
		stored.SetAttribute(constants.CheckinUserAttribute, stored.Attribute(constants.CheckinUserAttribute, user))
		stored.SetAttribute(constants.CheckinTimeAttribute, stored.Attribute(constants.CheckinTimeAttribute, now))
	}
	stored.SetAttribute(constants.UpdateUserAttribute, user)
	stored.SetAttribute(constants.UpdateTimeAttribute, now)
	stored.SetAttribute(constants.DocumentVersionAttribute, strconv.Itoa(version))

	e.versions = append(e.versions, stored)
	e.deleted = false
	return version
}

type store struct {
	sessions map[string]string
	docs     map[string]*entry
	order    []string
}

func newStore() *store {
	return &store{
		sessions: make(map[string]string),
		docs:     make(map[string]*entry),
	}
}

func (st *store) entry(id string) *entry {
	e, ok := st.docs[id]
	if !ok {
		e = &entry{id: id}
		st.docs[id] = e
		st.order = append(st.order, id)
	}
	return e
}

func (st *store) live(id string) (*entry, bool) {
	e, ok := st.docs[id]
	if !ok || e.deleted || len(e.versions) == 0 {
		return nil, false
	}
	return e, true
}

type responseWriter struct {
	bytes.Buffer
}

func (w *responseWriter) line(s string) {
	w.WriteString(s)
	w.WriteByte('\n')
}

func errorResponse(format string, args ...any) []byte {
	return []byte(fmt.Sprintf(format, args...) + "\n")
}

// respond computes the store's answer to req. The caller holds s.mu.
func (s *Server) respond(req Request) []byte {
	st := s.store
	if req.Op == constants.OpList && req.Session == "" {
		return s.list(req.Args[0])
	}

	user, ok := st.sessions[req.Session]
	if !ok {
		return errorResponse("Invalid session (%s)", req.Session)
	}

	switch req.Op {
	case constants.OpList:
		return s.list(req.Args[0])
	case constants.OpFetch:
		return s.document(req, user, false)
	case constants.OpCheckout:
		return s.document(req, user, true)
	case constants.OpUpload, constants.OpUpdate:
		return s.storeDocument(req, user)
	case constants.OpDelete:
		return s.deleteDocument(req.Args[0], user)
	case constants.OpRelease:
		if e, ok := st.docs[req.Args[0]]; ok {
			if e.checkoutUser != "" && e.checkoutUser != user {
				return errorResponse("Document checked out by other user, release not possible")
			}
			e.checkoutUser = ""
		}
		return []byte(constants.OpRelease + "\n")
	case constants.OpLog:
		var w responseWriter
		w.line(constants.OpLog)
		if e, ok := st.docs[req.Args[0]]; ok {
			for _, l := range e.updateLog {
				w.line(l)
			}
		}
		return w.Bytes()
	}
	return errorResponse("Unknown action '%s'", req.Op)
}

func (s *Server) list(filterLine string) []byte {
	filter := parseFilter(filterLine)
	dl := models.NewDocumentList(listFields...)
	for _, id := range s.store.order {
		e, ok := s.store.live(id)
		if !ok {
			continue
		}
		doc := e.latest()
		rec := models.NewRecord()
		for _, f := range listFields {
			v := doc.Attribute(f, "")
			if f == constants.CheckoutUserAttribute {
				v = e.checkoutUser
			}
			rec.Set(f, v)
		}
		if matches(rec, filter) {
			dl.Add(rec)
		}
	}
	dl.Total = dl.Len()
	dl.Summarize(constants.DocumentIDAttribute, constants.DocumentNameAttribute, constants.DocumentTitleAttribute,
		constants.CheckinTimeAttribute, constants.UpdateTimeAttribute, constants.DocumentVersionAttribute,
		constants.ExternalIdentifierAttribute)

	var w responseWriter
	w.line(constants.OpList)
	if err := s.listCodec.EncodeList(&w, dl); err != nil {
		return errorResponse("Could not list documents: %v", err)
	}
	return w.Bytes()
}

func parseFilter(line string) map[string][]string {
	filter := make(map[string][]string)
	for _, pair := range strings.Split(line, "&") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if v, err := url.QueryUnescape(value); err == nil {
			filter[name] = append(filter[name], v)
		}
	}
	return filter
}

func matches(rec *models.Record, filter map[string][]string) bool {
	for name, alternatives := range filter {
		found := false
		for _, alt := range alternatives {
			if rec.Value(name) == alt {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Server) document(req Request, user string, checkout bool) []byte {
	id, version := models.ParseVersionedID(req.Args[0])
	e, ok := s.store.live(id)
	if !ok {
		return errorResponse("Document %s does not exist", id)
	}
	if checkout {
		if e.checkoutUser != "" && e.checkoutUser != user {
			return errorResponse("Document %s is checked out by %s", id, e.checkoutUser)
		}
	}
	doc, ok := e.version(version)
	if !ok {
		return errorResponse("Invalid version %d for document %s", version, id)
	}

	var body bytes.Buffer
	if err := s.docCodec.Encode(&body, doc); err != nil {
		return errorResponse("Could not send document: %v", err)
	}
	if checkout {
		e.checkoutUser = user
	}

	var w responseWriter
	w.line(req.Op)
	w.line(strconv.Itoa(utf8.RuneCount(body.Bytes())))
	w.line(body.String())
	return w.Bytes()
}

func (s *Server) storeDocument(req Request, user string) []byte {
	size, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return errorResponse("Invalid document size %q", req.Args[0])
	}
	name, mode := req.Args[1], constants.IDMode(req.Args[2])

	doc, err := s.docCodec.Decode(strings.NewReader(req.Args[3]))
	if err != nil {
		return errorResponse("Could not read document: %v", err)
	}
	if got := doc.Size(); got < size {
		return errorResponse("Document transfer incomplete, received only %d of %d tokens.", got, size)
	}

	if doc.ID == "" {
		doc.ID = ulid.Make().String()
	}
	if e, ok := s.store.live(doc.ID); ok {
		if req.Op == constants.OpUpload {
			return errorResponse("Document %s already exists", doc.ID)
		}
		if e.checkoutUser != "" && e.checkoutUser != user {
			return errorResponse("Document %s is checked out by %s", doc.ID, e.checkoutUser)
		}
	}

	if ext := doc.ExternalIdentifier(); ext != "" && mode != constants.IDModeIgnore {
		if conflicts := s.conflicts(doc.ID, ext); conflicts.Len() > 0 {
			var w responseWriter
			w.line(constants.DuplicateExternalIdentifier)
			w.line(fmt.Sprintf("External identifier %s already in use", ext))
			w.line(conflicts.IDs()[0])
			if err := s.listCodec.EncodeList(&w, conflicts); err != nil {
				return errorResponse("Could not list conflicting documents: %v", err)
			}
			return w.Bytes()
		}
	}

	e := s.store.entry(doc.ID)
	version := e.storeVersion(doc, name, user)
	e.checkoutUser = user
	stored := fmt.Sprintf("Document '%s' stored as version %d", name, version)
	e.updateLog = []string{stored, constants.UpdateComplete}

	var w responseWriter
	w.line(req.Op)
	w.line(stored)
	return w.Bytes()
}

func (s *Server) conflicts(id, ext string) *models.DocumentList {
	dl := models.NewDocumentList(constants.DocumentIDAttribute, constants.DocumentNameAttribute, constants.ExternalIdentifierAttribute)
	for _, other := range s.store.order {
		e, ok := s.store.live(other)
		if !ok || other == id {
			continue
		}
		doc := e.latest()
		if doc.ExternalIdentifier() == ext {
			dl.Add(models.RecordOf(dl.Fields, []string{other, doc.Name(), ext}))
		}
	}
	return dl
}

func (s *Server) deleteDocument(id, user string) []byte {
	e, ok := s.store.live(id)
	if !ok {
		return errorResponse("Document %s does not exist", id)
	}
	if e.checkoutUser != "" && e.checkoutUser != user {
		return errorResponse("Document %s is checked out by %s", id, e.checkoutUser)
	}
	e.deleted = true
	e.checkoutUser = ""
	deleted := fmt.Sprintf("Document '%s' deleted", e.latest().Name())
	e.updateLog = []string{deleted, constants.DeletionComplete}

	var w responseWriter
	w.line(constants.OpDelete)
	w.line(deleted)
	return w.Bytes()
}
