package dio_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dio "github.com/gsautter/goldengate-server-docs-sub000"
	"github.com/gsautter/goldengate-server-docs-sub000/internal/fakedio"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/cache"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/client"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/connection/tcp"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/constants"
	"github.com/gsautter/goldengate-server-docs-sub000/pkg/models"
)

type CoordinatorTestSuite struct {
	suite.Suite

	server  *fakedio.Server
	session *connection.Session
	client  *client.Client
	scope   cache.Scope
	root    string
	co      *dio.Coordinator
}

func TestCoordinator(t *testing.T) {
	suite.Run(t, new(CoordinatorTestSuite))
}

func (s *CoordinatorTestSuite) SetupTest() {
	s.server = fakedio.NewServer()
	s.Require().NoError(s.server.Start())
	s.server.AddSession("S1", "alice")
	s.server.AddSession("S2", "bob")

	doc := models.NewDocument("D1", "original text of the paper")
	doc.SetAttribute(constants.DocumentNameAttribute, "paper.xml")
	s.server.PutDocument(doc, "carol")

	cfg := connection.NewConfig(s.server.TCPURL())
	cfg.Session.SetSessionID("S1")
	s.session = cfg.Session
	s.client = client.New(tcp.New(cfg))
	s.scope = cache.Scope{Host: s.server.TCPURL().Host, User: "alice"}
	s.root = s.T().TempDir()

	s.co = dio.New(s.client, dio.WithCacheRoot(s.root), dio.WithReadTimeout(time.Second))
	s.Require().NoError(s.co.StartSession(s.ctx(), s.scope))
	s.Require().NotNil(s.co.Cache())
}

func (s *CoordinatorTestSuite) TearDownTest() {
	s.Require().NoError(s.server.Stop())
}

func (s *CoordinatorTestSuite) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *CoordinatorTestSuite) goOffline() {
	s.session.SetSessionID("")
}

func (s *CoordinatorTestSuite) goOnline() {
	s.session.SetSessionID("S1")
}

func (s *CoordinatorTestSuite) TestOpenChecksOutAndCaches() {
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.Equal("original text of the paper", doc.Content)
	s.Equal("alice", s.server.CheckoutUser("D1"))

	c := s.co.Cache()
	s.True(c.Contains("D1"))
	s.True(c.IsOpen("D1"))
	s.False(c.IsDirty("D1"), "a fresh checkout matches the server")
}

func (s *CoordinatorTestSuite) TestOpenPrefersCache() {
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.goOffline()
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.Equal("original text of the paper", doc.Content)
	s.Equal(1, s.server.Count(constants.OpCheckout))
}

func (s *CoordinatorTestSuite) TestOpenOfflineNotCached() {
	s.goOffline()
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.ErrorIs(err, constants.ErrServerUnreachable)
}

func (s *CoordinatorTestSuite) TestOpenWithoutSessionOrCache() {
	s.goOffline()
	co := dio.New(s.client)
	_, err := co.Open(s.ctx(), "D1", 0, "")
	s.ErrorIs(err, constants.ErrNotAuthenticated)
}

func (s *CoordinatorTestSuite) TestOpenLockedByOther() {
	s.server.SetCheckoutUser("D1", "bob")
	_, err := s.co.Open(s.ctx(), "D1", 0, "")

	var remote *client.RemoteError
	s.Require().ErrorAs(err, &remote)
	s.Equal("Document D1 is checked out by bob", remote.Message)
	s.False(s.co.Cache().Contains("D1"))
}

func (s *CoordinatorTestSuite) TestOpenTimeoutReleasesLock() {
	s.server.AddStubResponse(fakedio.FailingStubResponse(constants.OpCheckout, fakedio.FailureConfig{Type: fakedio.FailureHang}))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := s.co.Open(ctx, "D1", 0, "")
	s.ErrorIs(err, constants.ErrTimeout)

	s.Eventually(func() bool {
		return s.server.Count(constants.OpRelease) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Empty(s.server.CheckoutUser("D1"))
	s.False(s.co.Cache().Contains("D1"))
}

func (s *CoordinatorTestSuite) TestSaveUpdate() {
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	doc.Content = "revised text of the paper"
	res, err := s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)
	s.Require().NoError(err)
	s.Equal("D1", res.ID)
	s.False(res.Uploaded)
	s.True(res.Cached)
	s.Equal([]string{"Document 'paper.xml' stored as version 2"}, res.Log)

	stored, ok := s.server.Document("D1")
	s.Require().True(ok)
	s.Equal("revised text of the paper", stored.Content)
	s.False(s.co.Cache().IsDirty("D1"))
}

func (s *CoordinatorTestSuite) TestSaveNewDocument() {
	doc := models.NewDocument("", "a brand new paper")
	res, err := s.co.Save(s.ctx(), doc, "new.xml", constants.IDModeCheck)
	s.Require().NoError(err)
	s.True(res.Uploaded)
	s.NotEmpty(res.ID)
	s.Equal(res.ID, doc.ID)
	s.Equal(1, s.server.Count(constants.OpUpload))

	stored, ok := s.server.Document(res.ID)
	s.Require().True(ok)
	s.Equal("a brand new paper", stored.Content)
	s.True(s.co.Cache().IsOpen(res.ID))
}

func (s *CoordinatorTestSuite) TestSaveOfflineKeepsEditsAndFlushesOnLogin() {
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.goOffline()
	doc.Content = "written on the train"
	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)

	var saveErr *dio.SaveError
	s.Require().ErrorAs(err, &saveErr)
	s.True(saveErr.Cached)
	s.ErrorIs(err, constants.ErrNotAuthenticated)
	s.True(s.co.Cache().IsDirty("D1"))

	s.goOnline()
	s.Require().NoError(s.co.StartSession(s.ctx(), s.scope))
	stored, _ := s.server.Document("D1")
	s.Equal("written on the train", stored.Content)
	s.False(s.co.Cache().IsDirty("D1"))
}

func (s *CoordinatorTestSuite) TestSaveServerDown() {
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.server.AddStubResponse(fakedio.FailingStubResponse(constants.OpUpdate, fakedio.FailureConfig{Type: fakedio.FailureDropConnection}))
	doc.Content = "edits during an outage"
	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)

	var saveErr *dio.SaveError
	s.Require().ErrorAs(err, &saveErr)
	s.True(saveErr.Cached)
	s.ErrorIs(err, constants.ErrServerUnreachable)

	cached, err := s.co.Cache().LoadDocument("D1", true)
	s.Require().NoError(err)
	s.Equal("edits during an outage", cached.Content)
}

func (s *CoordinatorTestSuite) TestSaveWithoutSessionOrCache() {
	s.goOffline()
	co := dio.New(s.client)
	_, err := co.Save(s.ctx(), models.NewDocument("D1", "x"), "paper.xml", constants.IDModeCheck)

	var saveErr *dio.SaveError
	s.Require().ErrorAs(err, &saveErr)
	s.False(saveErr.Cached)
	s.ErrorIs(err, constants.ErrNotAuthenticated)
}

func (s *CoordinatorTestSuite) TestSaveConflict() {
	other := models.NewDocument("D2", "another paper")
	other.SetAttribute(constants.DocumentNameAttribute, "other.xml")
	other.SetAttribute(constants.ExternalIdentifierAttribute, "doi:10.1000/1")
	s.server.PutDocument(other, "carol")

	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	doc.SetAttribute(constants.ExternalIdentifierAttribute, "doi:10.1000/1")

	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)
	var conflict *client.ConflictError
	s.Require().ErrorAs(err, &conflict)
	s.Equal("D2", conflict.ConflictingID)
	s.Equal([]string{"D2"}, conflict.ConflictingIDs())
	s.True(s.co.Cache().IsDirty("D1"))

	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeIgnore)
	s.Require().NoError(err)
	s.False(s.co.Cache().IsDirty("D1"))
}

func (s *CoordinatorTestSuite) TestCloseReleases() {
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.Require().NoError(s.co.Close(s.ctx(), "D1"))
	s.Empty(s.server.CheckoutUser("D1"))
	s.False(s.co.Cache().Contains("D1"))
}

func (s *CoordinatorTestSuite) TestCloseDirtyRetainsLock() {
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.goOffline()
	doc.Content = "unsent edits"
	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)
	s.Require().Error(err)
	s.goOnline()

	s.Require().NoError(s.co.Close(s.ctx(), "D1"))
	s.Zero(s.server.Count(constants.OpRelease))
	s.Equal("alice", s.server.CheckoutUser("D1"))
	s.True(s.co.Cache().Contains("D1"))
	s.False(s.co.Cache().IsOpen("D1"))
}

func (s *CoordinatorTestSuite) TestExplicitCheckoutLifecycle() {
	s.Require().NoError(s.co.CheckoutToCache(s.ctx(), "D1", ""))
	c := s.co.Cache()
	s.True(c.IsExplicitCheckout("D1"))
	s.Equal("alice", s.server.CheckoutUser("D1"))

	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.Require().NoError(s.co.Close(s.ctx(), "D1"))
	s.True(c.Contains("D1"), "pinned documents survive close")

	report, err := s.co.Cleanup(s.ctx())
	s.Require().NoError(err)
	s.Empty(report.Processed)
	s.Equal("alice", s.server.CheckoutUser("D1"))

	dl, err := s.co.List(s.ctx(), nil)
	s.Require().NoError(err)
	s.Equal(constants.CacheStatusAttribute, dl.Fields[0])
	s.Equal(constants.CacheStatusLocalized, dl.Find("D1").Value(constants.CacheStatusAttribute))

	s.Require().NoError(s.co.ReleaseFromCache(s.ctx(), "D1", false))
	s.False(c.Contains("D1"))
	s.Empty(s.server.CheckoutUser("D1"))
}

func (s *CoordinatorTestSuite) TestReleaseFromCacheUploadsPendingEdits() {
	s.Require().NoError(s.co.CheckoutToCache(s.ctx(), "D1", "paper.xml"))
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.goOffline()
	doc.Content = "pinned and edited"
	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)
	s.Require().Error(err)

	s.ErrorIs(s.co.ReleaseFromCache(s.ctx(), "D1", false), constants.ErrNotAuthenticated)
	s.True(s.co.Cache().Contains("D1"))

	s.goOnline()
	s.Require().NoError(s.co.ReleaseFromCache(s.ctx(), "D1", false))
	stored, _ := s.server.Document("D1")
	s.Equal("pinned and edited", stored.Content)
	s.False(s.co.Cache().Contains("D1"))
}

func (s *CoordinatorTestSuite) TestReleaseFromCacheForced() {
	s.Require().NoError(s.co.CheckoutToCache(s.ctx(), "D1", "paper.xml"))
	doc, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.server.AddStubResponse(fakedio.SimpleStubResponse(constants.OpUpdate, "Server is read only\n"))
	doc.Content = "doomed edits"
	_, err = s.co.Save(s.ctx(), doc, "paper.xml", constants.IDModeCheck)
	s.Require().Error(err)

	s.Error(s.co.ReleaseFromCache(s.ctx(), "D1", false))
	s.Require().NoError(s.co.ReleaseFromCache(s.ctx(), "D1", true))
	s.False(s.co.Cache().Contains("D1"))
	stored, _ := s.server.Document("D1")
	s.Equal("original text of the paper", stored.Content)
}

func (s *CoordinatorTestSuite) TestReleaseFromCacheNotCached() {
	s.ErrorIs(s.co.ReleaseFromCache(s.ctx(), "D1", false), constants.ErrNotCached)
}

func (s *CoordinatorTestSuite) TestOpenCleansUpUnusedEntries() {
	other := models.NewDocument("D2", "another paper")
	other.SetAttribute(constants.DocumentNameAttribute, "other.xml")
	s.server.PutDocument(other, "carol")

	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.co.Cache().MarkClosed("D1")

	_, err = s.co.Open(s.ctx(), "D2", 0, "")
	s.Require().NoError(err)
	s.False(s.co.Cache().Contains("D1"))
	s.Empty(s.server.CheckoutUser("D1"))
	s.True(s.co.Cache().Contains("D2"))
}

func (s *CoordinatorTestSuite) TestListOffline() {
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.goOffline()
	dl, err := s.co.List(s.ctx(), nil)
	s.Require().NoError(err)
	s.Equal([]string{"D1"}, dl.IDs())
	s.Equal(constants.CacheStatusCached, dl.Find("D1").Value(constants.CacheStatusAttribute))
}

func (s *CoordinatorTestSuite) TestListOnline() {
	dl, err := s.co.List(s.ctx(), map[string]string{constants.DocumentNameAttribute: "paper.xml"})
	s.Require().NoError(err)
	s.Equal([]string{"D1"}, dl.IDs())
	s.Empty(dl.Find("D1").Value(constants.CacheStatusAttribute))
}

func (s *CoordinatorTestSuite) TestDelete() {
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	lines, err := s.co.Delete(s.ctx(), "D1")
	s.Require().NoError(err)
	s.Equal([]string{"Document 'paper.xml' deleted"}, lines)
	s.False(s.co.Cache().Contains("D1"))
	_, ok := s.server.Document("D1")
	s.False(ok)

	var seen [][]string
	s.Require().NoError(s.co.FollowUpdateLog(s.ctx(), "D1", func(lines []string) {
		seen = append(seen, lines)
	}))
	s.Require().Len(seen, 1)
	s.Equal(constants.DeletionComplete, seen[0][len(seen[0])-1])
}

func (s *CoordinatorTestSuite) TestScopeSwitch() {
	old := s.co.Cache()
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)

	s.session.SetSessionID("S2")
	bob := cache.Scope{Host: s.scope.Host, User: "bob"}
	s.Require().NoError(s.co.StartSession(s.ctx(), bob))

	c := s.co.Cache()
	s.Require().NotNil(c)
	s.True(c.BelongsTo(bob))
	s.NotEqual(old.Dir(), c.Dir())
	s.False(c.Contains("D1"))
	s.DirExists(old.Dir())
}

func (s *CoordinatorTestSuite) TestEndSession() {
	_, err := s.co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.co.Cache().MarkClosed("D1")

	s.Require().NoError(s.co.EndSession(s.ctx()))
	s.Nil(s.co.Cache())
	s.Empty(s.server.CheckoutUser("D1"))
}

func (s *CoordinatorTestSuite) TestStartSessionWithoutSession() {
	s.goOffline()
	co := dio.New(s.client, dio.WithCacheRoot(s.T().TempDir()))
	s.ErrorIs(co.StartSession(s.ctx(), s.scope), constants.ErrNotAuthenticated)
	s.Nil(co.Cache())
}

func (s *CoordinatorTestSuite) TestUnwritableCacheRunsRemoteOnly() {
	blocker := s.T().TempDir() + "/file"
	s.Require().NoError(os.WriteFile(blocker, []byte("x"), 0o644))

	co := dio.New(s.client, dio.WithCacheRoot(blocker))
	s.Require().NoError(co.StartSession(s.ctx(), s.scope))
	s.Nil(co.Cache())

	doc, err := co.Open(s.ctx(), "D1", 0, "")
	s.Require().NoError(err)
	s.Equal("original text of the paper", doc.Content)
	s.Require().NoError(co.Close(s.ctx(), "D1"))
	s.Empty(s.server.CheckoutUser("D1"))
}

func TestSaveErrorMessages(t *testing.T) {
	cached := &dio.SaveError{Err: constants.ErrServerUnreachable, Cached: true}
	lost := &dio.SaveError{Err: constants.ErrServerUnreachable}
	if !errors.Is(cached, constants.ErrServerUnreachable) {
		t.Fatal("SaveError must unwrap to its cause")
	}
	if cached.Error() == lost.Error() {
		t.Fatal("messages must tell cached and lost edits apart")
	}
}
