package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-io/dquot/pkg/dquot"
	"github.com/terminus-io/dquot/pkg/notify"
	"github.com/terminus-io/dquot/pkg/quotafmt/boltfmt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeWarnings struct {
	mu      sync.Mutex
	records []notify.Record
	cleared []dquot.Key
}

func (w *fakeWarnings) List() []notify.Record { return w.records }

func (w *fakeWarnings) Clear(key dquot.Key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleared = append(w.cleared, key)
}

type testServer struct {
	t        *testing.T
	handler  http.Handler
	warnings *fakeWarnings
	path     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quota.user")
	require.NoError(t, boltfmt.Init(path, dquot.UserQuota, dquot.FileInfo{
		BlockGrace: dquot.DefaultBlockGrace,
		InodeGrace: dquot.DefaultInodeGrace,
	}))

	cache := dquot.NewCache()
	_, err := cache.Mount("data", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Unmount(context.Background(), "data") })

	w := &fakeWarnings{}
	return &testServer{t: t, handler: NewServer(cache, w).Handler(), warnings: w, path: path}
}

func (s *testServer) do(method, url string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) on() {
	rec := s.do(http.MethodPost, "/v1/fs/data/user/on", map[string]string{"format": "bolt", "path": s.path})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestQuotaOnOff(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/v1/fs/data/user/on", map[string]string{"format": "vfsv0", "path": s.path})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPost, "/v1/fs/data/user/on", map[string]string{"format": "bolt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.on()
	rec = s.do(http.MethodPost, "/v1/fs/data/user/on", map[string]string{"format": "bolt", "path": s.path})
	assert.Equal(t, http.StatusConflict, rec.Code)

	info := decode[infoView](t, s.do(http.MethodGet, "/v1/fs/data/user/info", nil))
	assert.True(t, info.Enabled)
	assert.Equal(t, "bolt", info.Format)
	assert.Equal(t, "168h0m0s", info.BlockGrace)

	list := decode[map[string]map[string]infoView](t, s.do(http.MethodGet, "/v1/fs", nil))
	assert.True(t, list["data"]["user"].Enabled)
	assert.False(t, list["data"]["group"].Enabled)

	rec = s.do(http.MethodPost, "/v1/fs/data/user/off", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(http.MethodGet, "/v1/fs/data/user/records/1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRecords(t *testing.T) {
	s := newTestServer(t)
	s.on()

	rec := s.do(http.MethodPut, "/v1/fs/data/user/records/1000", map[string]string{
		"bhardlimit": "10Mi",
		"bsoftlimit": "1Mi",
		"curspace":   "2Mi",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[recordView](t, rec)
	assert.Equal(t, uint64(10<<20), got.BHardLimit)
	assert.Equal(t, uint64(2<<20), got.CurSpace)
	assert.NotZero(t, got.BTime)
	assert.NotContains(t, got.Flags, "fake")
	assert.Equal(t, []dquot.Key{{FS: "data", Type: dquot.UserQuota, ID: 1000}}, s.warnings.cleared)

	// Usage-only updates keep the limits.
	rec = s.do(http.MethodPut, "/v1/fs/data/user/records/1000", map[string]string{"curspace": "512Ki"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decode[recordView](t, rec)
	assert.Equal(t, uint64(10<<20), got.BHardLimit)
	assert.Zero(t, got.BTime)
	assert.Len(t, s.warnings.cleared, 1)

	got = decode[recordView](t, s.do(http.MethodGet, "/v1/fs/data/user/records/1000", nil))
	assert.Equal(t, uint64(512<<10), got.CurSpace)
	assert.Equal(t, dquot.UserQuota, got.Type)

	all := decode[[]recordView](t, s.do(http.MethodGet, "/v1/fs/data/user/records", nil))
	require.Len(t, all, 1)
	assert.Equal(t, uint32(1000), all[0].ID)

	rec = s.do(http.MethodPut, "/v1/fs/data/user/records/1000", map[string]string{"bhardlimit": "-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodPut, "/v1/fs/data/user/records/1000", map[string]string{"bhardlimit": "lots"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.do(http.MethodGet, "/v1/fs/data/user/records/x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInfoAndSync(t *testing.T) {
	s := newTestServer(t)
	s.on()

	rec := s.do(http.MethodPut, "/v1/fs/data/user/info", map[string]any{"block_grace": "1h", "root_squash": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[infoView](t, rec)
	assert.Equal(t, "1h0m0s", info.BlockGrace)
	assert.Equal(t, "168h0m0s", info.InodeGrace)
	assert.True(t, info.RootSquash)
	assert.True(t, info.Dirty)

	rec = s.do(http.MethodPut, "/v1/fs/data/user/info", map[string]any{"inode_grace": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/fs/data/user/sync", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	info = decode[infoView](t, s.do(http.MethodGet, "/v1/fs/data/user/info", nil))
	assert.False(t, info.Dirty)
}

func TestErrors(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/v1/fs/nope/user/info", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/v1/fs/data/project/info", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodGet, "/v1/fs/data/group/info", nil).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPut, "/v1/fs/data/group/info", map[string]any{}).Code)
}

func TestStatsAndWarnings(t *testing.T) {
	s := newTestServer(t)
	s.on()
	s.warnings.records = []notify.Record{{
		Key:   dquot.Key{FS: "data", Type: dquot.UserQuota, ID: 7},
		Kind:  "block-hard",
		At:    time.Unix(10, 0).UTC(),
		Count: 1,
	}}
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/v1/fs/data/user/records/7", nil).Code)

	stats := decode[dquot.Stats](t, s.do(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, uint64(1), stats.Lookups)
	assert.Equal(t, uint64(1), stats.Allocated)

	warnings := decode[[]notify.Record](t, s.do(http.MethodGet, "/v1/warnings", nil))
	require.Len(t, warnings, 1)
	assert.Equal(t, uint32(7), warnings[0].Key.ID)
	assert.Equal(t, dquot.UserQuota, warnings[0].Key.Type)
}

func TestParseQuantity(t *testing.T) {
	v, err := ParseQuantity("1Gi")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), v)
	v, err = ParseQuantity("1.5k")
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), v)
	_, err = ParseQuantity("-5")
	assert.Error(t, err)
}
