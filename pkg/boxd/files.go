package boxd

import (
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/crucible-sh/crucible/pkg/common/types"
)

// sanitizePath resolves a client path inside the workdir and rejects
// anything that escapes it.
func (s *Server) sanitizePath(p string) (string, error) {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	full := filepath.Join(s.config.Workdir, filepath.Clean(p))
	rel, err := filepath.Rel(s.config.Workdir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workdir", p)
	}
	return full, nil
}

// UploadFileHandler writes one multipart file into the workdir. An
// optional "path" field places it under a subdirectory.
func (s *Server) UploadFileHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("missing file field: %v", err)})
		return
	}

	name := fileHeader.Filename
	if p := c.PostForm("path"); p != "" {
		name = p
	}
	safePath, err := s.sanitizePath(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("create directory: %v", err)})
		return
	}
	if err := c.SaveUploadedFile(fileHeader, safePath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("save file: %v", err)})
		return
	}

	stat, err := os.Stat(safePath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("stat file: %v", err)})
		return
	}
	rel, _ := filepath.Rel(s.config.Workdir, safePath)
	c.JSON(http.StatusOK, types.AgentFileInfo{Path: rel, Size: stat.Size()})
}

// ListFilesHandler walks the workdir and returns every regular file.
func (s *Server) ListFilesHandler(c *gin.Context) {
	files, err := s.listWorkdir()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("list workdir: %v", err)})
		return
	}
	c.JSON(http.StatusOK, types.AgentFileListResponse{Files: files})
}

func (s *Server) listWorkdir() ([]types.AgentFileInfo, error) {
	files := []types.AgentFileInfo{}
	err := filepath.WalkDir(s.config.Workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.config.Workdir {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.config.Workdir, path)
		if err != nil {
			return err
		}
		files = append(files, types.AgentFileInfo{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// DownloadFileHandler streams one workdir file back to the core.
func (s *Server) DownloadFileHandler(c *gin.Context) {
	safePath, err := s.sanitizePath(c.Param("path"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stat, err := os.Stat(safePath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("stat file: %v", err)})
		return
	}
	if stat.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory"})
		return
	}
	c.File(safePath)
}
