/*
Copyright The Crucible Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/crucible-sh/crucible/pkg/api"
	"github.com/crucible-sh/crucible/pkg/common/types"
	"github.com/crucible-sh/crucible/pkg/state"
)

// prefaceAfter is how long an execution runs before the preface byte is
// flushed to keep upstream idle timeouts from severing the connection.
var prefaceAfter = 5 * time.Second

// respondError maps a pipeline error onto the wire error envelope.
func respondError(c *gin.Context, err error) {
	kind := api.KindOf(err)
	if kind == api.KindInternal || kind == api.KindRemoteAgentError {
		klog.Errorf("apiserver: %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(kind.HTTPStatus(), gin.H{
		"error":   string(kind),
		"message": api.ClientMessage(err),
	})
}

// principalOf identifies the caller. Authentication happens upstream;
// the gateway forwards the verified identity in a header.
func principalOf(c *gin.Context) string {
	if p := c.GetHeader("X-Principal"); p != "" {
		return p
	}
	return "anonymous"
}

func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleHealthReady(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": "kv store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// handleExec runs one code snippet. With ExecPrefaceByte enabled, a
// single whitespace byte is flushed once the call outlives prefaceAfter;
// whitespace is valid JSON preamble, so response parsing is unaffected.
func (s *Server) handleExec(c *gin.Context) {
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, api.NewInvalidRequest("malformed request body: %v", err))
		return
	}
	principal := principalOf(c)

	if !s.config.ExecPrefaceByte {
		resp, err := s.executor.Execute(c.Request.Context(), &req, principal)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	done := make(chan struct{})
	var resp *types.ExecResponse
	var execErr error
	go func() {
		defer close(done)
		resp, execErr = s.executor.Execute(c.Request.Context(), &req, principal)
	}()

	prefaced := false
	select {
	case <-done:
	case <-time.After(prefaceAfter):
		c.Writer.Header().Set("Content-Type", "application/json")
		c.Writer.WriteHeader(http.StatusOK)
		_, _ = c.Writer.Write([]byte(" "))
		c.Writer.Flush()
		prefaced = true
		<-done
	}

	if !prefaced {
		if execErr != nil {
			respondError(c, execErr)
			return
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	// The 200 status is already committed; late failures still produce a
	// parseable JSON body carrying the error envelope.
	enc := json.NewEncoder(c.Writer)
	if execErr != nil {
		kind := api.KindOf(execErr)
		_ = enc.Encode(gin.H{"error": string(kind), "message": api.ClientMessage(execErr)})
		return
	}
	_ = enc.Encode(resp)
}

// handleUpload attaches a multipart file to a session, creating the
// session when the form omits session_id.
func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, api.NewInvalidRequest("missing multipart field 'file'"))
		return
	}
	if fileHeader.Size > s.config.MaxFileSizeMiB<<20 {
		respondError(c, api.NewInvalidRequest("file exceeds %d MiB limit", s.config.MaxFileSizeMiB))
		return
	}

	ctx := c.Request.Context()
	sessionID := c.PostForm("session_id")
	if sessionID == "" {
		sess, err := s.sessions.Create(ctx, principalOf(c), "")
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID = sess.ID
	} else if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, api.NewInvalidRequest("unreadable multipart payload"))
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, api.NewInternalError("read upload failed", err))
		return
	}

	rec, err := s.catalog.Upload(ctx, sessionID, fileHeader.Filename, fileHeader.Header.Get("Content-Type"), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.UploadResponse{
		SessionID: sessionID,
		FileID:    rec.FileID,
		Name:      rec.Name,
		Size:      rec.Size,
	})
}

func (s *Server) handleListFiles(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}
	list, err := s.catalog.List(ctx, sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	// Listing responses must not linger on kept-alive connections that
	// upstream proxies recycle across tenants.
	c.Header("Connection", "close")
	c.JSON(http.StatusOK, types.FileListResponse{SessionID: sessionID, Files: list})
}

func (s *Server) handleDownload(c *gin.Context) {
	rec, data, err := s.catalog.Download(c.Request.Context(), c.Param("session_id"), c.Param("file_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	contentType := rec.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Disposition", `attachment; filename="`+rec.Name+`"`)
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	if err := s.catalog.Delete(c.Request.Context(), c.Param("session_id"), c.Param("file_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStateGet(c *gin.Context) {
	if s.states == nil {
		respondError(c, api.ErrStateNotFound)
		return
	}
	blob, err := s.states.Load(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if blob == nil {
		respondError(c, api.ErrStateNotFound)
		return
	}

	etag := `"` + state.HashOf(blob) + `"`
	c.Header("ETag", etag)
	if match := c.GetHeader("If-None-Match"); match != "" && strings.Contains(match, etag) {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", blob)
}

// handleStatePut restores a client-cached state blob. The optional
// X-State-Hash header is verified against the payload.
func (s *Server) handleStatePut(c *gin.Context) {
	if s.states == nil {
		respondError(c, api.NewInvalidRequest("persistent state is disabled"))
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("session_id")
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}

	limit := s.config.StateMaxSizeMiB << 20
	blob, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit+1))
	if err != nil {
		respondError(c, api.ErrStateTooLarge)
		return
	}
	if err := s.states.ClientUpload(ctx, sessionID, blob, c.GetHeader("X-State-Hash")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"size":       len(blob),
		"hash":       state.HashOf(blob),
	})
}

func (s *Server) handleStateDelete(c *gin.Context) {
	if s.states == nil {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.states.Delete(c.Request.Context(), c.Param("session_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStateInfo(c *gin.Context) {
	if s.states == nil {
		c.JSON(http.StatusOK, types.StateInfo{Exists: false})
		return
	}
	info, err := s.states.Info(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req struct {
		LangHint string `json:"lang_hint"`
	}
	// The body is optional; an empty POST creates a bare session.
	_ = c.ShouldBindJSON(&req)

	sess, err := s.sessions.Create(c.Request.Context(), principalOf(c), req.LangHint)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(c *gin.Context) {
	sess, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleSessionDelete cascades to the session's files and state.
// Idempotent: deleting an unknown session succeeds.
func (s *Server) handleSessionDelete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if err := s.catalog.DeleteSession(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	if s.states != nil {
		if err := s.states.Delete(ctx, id); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
