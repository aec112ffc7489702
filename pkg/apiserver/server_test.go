package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/config"
	"github.com/crucible-sh/crucible/pkg/files"
	"github.com/crucible-sh/crucible/pkg/kv"
	"github.com/crucible-sh/crucible/pkg/objstore"
	"github.com/crucible-sh/crucible/pkg/session"
	"github.com/crucible-sh/crucible/pkg/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExecutor struct {
	resp  *types.ExecResponse
	err   error
	delay time.Duration
	got   *types.ExecRequest
}

func (f *fakeExecutor) Execute(ctx context.Context, req *types.ExecRequest, principal string) (*types.ExecResponse, error) {
	f.got = req
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.resp != nil {
		return f.resp, nil
	}
	return &types.ExecResponse{SessionID: "sess", Stdout: "ok\n"}, nil
}

type serverRig struct {
	srv      *Server
	exec     *fakeExecutor
	sessions *session.Registry
	states   *state.Store
	catalog  *files.Catalog
}

func newServerRig(t *testing.T, mutate func(*config.Config)) *serverRig {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("REDIS_PASSWORD_REQUIRED", "false")
	store, err := kv.New("redis")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	sessions := session.NewRegistry(store, cfg.SessionTTL)
	states := state.New(store, objstore.NewMemory(), state.Options{
		TTL:      cfg.StateTTL,
		MaxBytes: cfg.StateMaxSizeMiB << 20,
	})
	catalog := files.New(store, objstore.NewMemory(), files.Limits{
		MaxFileBytes:  cfg.MaxFileSizeMiB << 20,
		MaxTotalBytes: cfg.MaxTotalFileSizeMiB << 20,
		MaxCount:      cfg.MaxFilesPerSession,
		MaxNameLen:    cfg.MaxFilenameLength,
	}, cfg.SessionTTL)

	exec := &fakeExecutor{}
	srv, err := NewServer(cfg, exec, sessions, states, catalog, store)
	require.NoError(t, err)
	return &serverRig{srv: srv, exec: exec, sessions: sessions, states: states, catalog: catalog}
}

func (r *serverRig) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.srv.Handler().ServeHTTP(w, req)
	return w
}

func (r *serverRig) doJSON(t *testing.T, method, path string, in any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(in)
	require.NoError(t, err)
	return r.do(t, method, path, body, map[string]string{"Content-Type": "application/json"})
}

func TestHealthEndpoints(t *testing.T) {
	rig := newServerRig(t, nil)

	w := rig.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = rig.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExecHappyPath(t *testing.T) {
	rig := newServerRig(t, nil)
	rig.exec.resp = &types.ExecResponse{SessionID: "abc", Stdout: "5\n", ExitCode: 0}

	w := rig.doJSON(t, http.MethodPost, "/v1/exec", types.ExecRequest{Lang: "py", Code: "print(2+3)"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp types.ExecResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "5\n", resp.Stdout)
	assert.Equal(t, "abc", resp.SessionID)
	assert.Equal(t, "py", rig.exec.got.Lang)
}

func TestExecErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", api.NewInvalidRequest("unsupported language %q", "cobol"), http.StatusBadRequest, "INVALID_REQUEST"},
		{"not found", api.ErrSessionNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"pool timeout", api.ErrPoolTimeout, http.StatusTooManyRequests, "POOL_TIMEOUT"},
		{"state too large", api.ErrStateTooLarge, http.StatusRequestEntityTooLarge, "STATE_TOO_LARGE"},
		{"agent failure", api.NewRemoteAgentError("sandbox call failed", nil), http.StatusInternalServerError, "REMOTE_AGENT_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newServerRig(t, nil)
			rig.exec.err = tc.err

			w := rig.doJSON(t, http.MethodPost, "/v1/exec", types.ExecRequest{Lang: "py", Code: "x"})
			assert.Equal(t, tc.wantStatus, w.Code)

			var envelope struct {
				Error   string `json:"error"`
				Message string `json:"message"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
			assert.Equal(t, tc.wantCode, envelope.Error)
			assert.NotEmpty(t, envelope.Message)
		})
	}
}

func TestExecMalformedBody(t *testing.T) {
	rig := newServerRig(t, nil)
	w := rig.do(t, http.MethodPost, "/v1/exec", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecPrefaceByte(t *testing.T) {
	orig := prefaceAfter
	prefaceAfter = 20 * time.Millisecond
	t.Cleanup(func() { prefaceAfter = orig })

	rig := newServerRig(t, func(c *config.Config) { c.ExecPrefaceByte = true })
	rig.exec.resp = &types.ExecResponse{SessionID: "abc", Stdout: "late\n"}
	rig.exec.delay = 100 * time.Millisecond

	w := rig.doJSON(t, http.MethodPost, "/v1/exec", types.ExecRequest{Lang: "py", Code: "slow()"})
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.Bytes()
	require.NotEmpty(t, body)
	assert.Equal(t, byte(' '), body[0])

	// The whitespace preface must not break JSON decoding.
	var resp types.ExecResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "late\n", resp.Stdout)
}

func TestExecPrefaceSkippedWhenFast(t *testing.T) {
	orig := prefaceAfter
	prefaceAfter = 200 * time.Millisecond
	t.Cleanup(func() { prefaceAfter = orig })

	rig := newServerRig(t, func(c *config.Config) { c.ExecPrefaceByte = true })
	rig.exec.resp = &types.ExecResponse{SessionID: "abc", Stdout: "fast\n"}

	w := rig.doJSON(t, http.MethodPost, "/v1/exec", types.ExecRequest{Lang: "py", Code: "1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, byte('{'), w.Body.Bytes()[0])
}

func uploadRequest(t *testing.T, sessionID, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sessionID != "" {
		require.NoError(t, mw.WriteField("session_id", sessionID))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestFileLifecycle(t *testing.T) {
	rig := newServerRig(t, nil)

	// Upload without a session id mints one.
	buf, contentType := uploadRequest(t, "", "data.csv", []byte("a,b\n"))
	w := rig.do(t, http.MethodPost, "/v1/upload", buf.Bytes(), map[string]string{"Content-Type": contentType})
	require.Equal(t, http.StatusOK, w.Code)

	var up types.UploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.NotEmpty(t, up.SessionID)
	assert.NotEmpty(t, up.FileID)
	assert.Equal(t, "data.csv", up.Name)

	// List shows it and closes the connection.
	w = rig.do(t, http.MethodGet, "/v1/files/"+up.SessionID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))
	var list types.FileListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Files, 1)

	// Download returns the bytes.
	w = rig.do(t, http.MethodGet, "/v1/download/"+up.SessionID+"/"+up.FileID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte("a,b\n"), w.Body.Bytes())
	assert.Contains(t, w.Header().Get("Content-Disposition"), "data.csv")

	// Delete, then the download 404s.
	w = rig.do(t, http.MethodDelete, "/v1/files/"+up.SessionID+"/"+up.FileID, nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = rig.do(t, http.MethodGet, "/v1/download/"+up.SessionID+"/"+up.FileID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadUnknownSession(t *testing.T) {
	rig := newServerRig(t, nil)
	buf, contentType := uploadRequest(t, "AAAAAAAAAAAAAAAAAAAAAAAA", "x.txt", []byte("x"))
	w := rig.do(t, http.MethodPost, "/v1/upload", buf.Bytes(), map[string]string{"Content-Type": contentType})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStateEndpoints(t *testing.T) {
	rig := newServerRig(t, nil)
	ctx := context.Background()
	sess, err := rig.sessions.Create(ctx, "tenant-a", "py")
	require.NoError(t, err)

	t.Run("get missing is 404", func(t *testing.T) {
		w := rig.do(t, http.MethodGet, "/v1/state/"+sess.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	blob := []byte("\x80\x04pickled")
	hash := state.HashOf(blob)

	t.Run("put then get with etag", func(t *testing.T) {
		w := rig.do(t, http.MethodPost, "/v1/state/"+sess.ID, blob, map[string]string{"X-State-Hash": hash})
		require.Equal(t, http.StatusOK, w.Code)

		w = rig.do(t, http.MethodGet, "/v1/state/"+sess.ID, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, blob, w.Body.Bytes())
		etag := w.Header().Get("ETag")
		assert.Equal(t, `"`+hash+`"`, etag)

		w = rig.do(t, http.MethodGet, "/v1/state/"+sess.ID, nil, map[string]string{"If-None-Match": etag})
		assert.Equal(t, http.StatusNotModified, w.Code)
		assert.Empty(t, w.Body.Bytes())
	})

	t.Run("put rejects hash mismatch", func(t *testing.T) {
		w := rig.do(t, http.MethodPost, "/v1/state/"+sess.ID, blob, map[string]string{"X-State-Hash": "deadbeef"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("info", func(t *testing.T) {
		w := rig.do(t, http.MethodGet, "/v1/state/"+sess.ID+"/info", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var info types.StateInfo
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
		assert.True(t, info.Exists)
		assert.Equal(t, hash, info.Hash)
		assert.Equal(t, types.TierHot, info.Tier)
	})

	t.Run("delete then 404", func(t *testing.T) {
		w := rig.do(t, http.MethodDelete, "/v1/state/"+sess.ID, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		w = rig.do(t, http.MethodGet, "/v1/state/"+sess.ID, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestStatePutOversize(t *testing.T) {
	// A zero MiB cap makes any payload beyond one byte oversize, keeping
	// the test payload small.
	rig := newServerRig(t, func(c *config.Config) { c.StateMaxSizeMiB = 0 })
	sess, err := rig.sessions.Create(context.Background(), "tenant-a", "py")
	require.NoError(t, err)

	w := rig.do(t, http.MethodPost, "/v1/state/"+sess.ID, []byte("too big"), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSessionLifecycle(t *testing.T) {
	rig := newServerRig(t, nil)

	w := rig.doJSON(t, http.MethodPost, "/v1/sessions", gin.H{"lang_hint": "py"})
	require.Equal(t, http.StatusCreated, w.Code)
	var sess types.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "py", sess.LangHint)

	w = rig.do(t, http.MethodGet, "/v1/sessions/"+sess.ID, nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Attach a file and state, then delete cascades to both.
	ctx := context.Background()
	up, err := rig.catalog.Upload(ctx, sess.ID, "f.txt", "", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, rig.states.Save(ctx, sess.ID, []byte("blob")))

	w = rig.do(t, http.MethodDelete, "/v1/sessions/"+sess.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = rig.do(t, http.MethodGet, "/v1/sessions/"+sess.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, _, err = rig.catalog.Download(ctx, sess.ID, up.FileID)
	assert.ErrorIs(t, err, api.ErrFileNotFound)
	blob, err := rig.states.Load(ctx, sess.ID)
	assert.NoError(t, err)
	assert.Nil(t, blob)
}

func TestRateLimitMiddleware(t *testing.T) {
	rig := newServerRig(t, func(c *config.Config) { c.RateLimitPerMinute = 2 })

	for i := 0; i < 2; i++ {
		w := rig.doJSON(t, http.MethodPost, "/v1/sessions", gin.H{})
		assert.Equal(t, http.StatusCreated, w.Code)
	}
	w := rig.doJSON(t, http.MethodPost, "/v1/sessions", gin.H{})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMetricsExposed(t *testing.T) {
	rig := newServerRig(t, nil)
	w := rig.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
