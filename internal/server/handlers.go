package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goatkit/extensionhost/internal/artifact"
	"github.com/goatkit/extensionhost/internal/catalog"
	"github.com/goatkit/extensionhost/internal/catalog/packaging"
	"github.com/goatkit/extensionhost/internal/extension"
	"github.com/goatkit/extensionhost/internal/script"
)

// maxUpload caps uploaded artifacts and packages.
const maxUpload = 64 << 20

// errorStatus maps manager errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, extension.ErrExtensionNotFound),
		errors.Is(err, catalog.ErrPackageNotFound):
		return http.StatusNotFound
	case errors.Is(err, extension.ErrNotInitialized),
		errors.Is(err, extension.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, extension.ErrServiceConnection),
		errors.Is(err, extension.ErrServiceResponse):
		return http.StatusBadGateway
	case errors.Is(err, extension.ErrContentFetch):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

// handleList returns every registered extension.
// GET /api/v1/extensions
func (s *Server) handleList(c *gin.Context) {
	snaps, err := s.mgr.Snapshots(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if snaps == nil {
		snaps = []extension.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"extensions": snaps, "count": len(snaps)})
}

// GET /api/v1/extensions/:id
func (s *Server) handleGet(c *gin.Context) {
	e, err := s.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e.Snapshot())
}

// GET /api/v1/extensions/:id/logo
func (s *Server) handleLogo(c *gin.Context) {
	e, err := s.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	logo := e.Logo()
	if len(logo) == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, http.DetectContentType(logo), logo)
}

// POST /api/v1/extensions/:id/enable
func (s *Server) handleEnable(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.Enable(c.Request.Context(), id); err != nil {
		// The extension stays enabled; report why it did not load.
		if !errors.Is(err, extension.ErrExtensionNotFound) {
			s.logf(id, "warn", "enabled but not loaded: "+err.Error())
		}
		fail(c, err)
		return
	}
	s.logf(id, "info", "enabled")
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// POST /api/v1/extensions/:id/disable
func (s *Server) handleDisable(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.Disable(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.logf(id, "info", "disabled")
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

type invokeRequest struct {
	// Command is "load" (default) or "update".
	Command string `json:"command"`
	// Payload is passed to script extensions. When empty the current
	// artifact is sent as a PNG data URI.
	Payload string `json:"payload"`
}

// POST /api/v1/extensions/:id/invoke
func (s *Server) handleInvoke(c *gin.Context) {
	var req invokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
	}

	payload := req.Payload
	if payload == "" && s.store != nil {
		if a, ok := s.store.CurrentArtifact(); ok {
			encoded, err := artifact.EncodeString(a)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			payload = artifact.AddDataURIHeader(encoded)
		}
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	switch strings.ToLower(req.Command) {
	case "", "load":
		err = s.mgr.InvokeLoad(ctx, id, payload)
	case "update":
		err = s.mgr.InvokeUpdate(ctx, id, payload)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command " + strconv.Quote(req.Command)})
		return
	}
	if err != nil {
		s.logf(id, "error", "invoke failed: "+err.Error())
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "invoked"})
}

// handleRemove uninstalls the package backing the extension.
// DELETE /api/v1/extensions/:id
func (s *Server) handleRemove(c *gin.Context) {
	id := c.Param("id")
	if err := s.mgr.RemoveBacking(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.logf(id, "info", "package removal requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "removing"})
}

// POST /api/v1/discover
func (s *Server) handleDiscover(c *gin.Context) {
	if err := s.mgr.DiscoverAll(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	s.handleList(c)
}

// handleLogs returns captured script output.
// GET /api/v1/logs?extension=id&level=warn&limit=100
func (s *Server) handleLogs(c *gin.Context) {
	if s.logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []script.LogEntry{}, "count": 0, "total": 0})
		return
	}

	limit := 100
	if n, err := strconv.Atoi(c.DefaultQuery("limit", "100")); err == nil && n > 0 {
		limit = n
	}

	var entries []script.LogEntry
	switch id, level := c.Query("extension"), c.Query("level"); {
	case id != "":
		entries = s.logs.ForExtension(id, 0)
		if level != "" {
			entries = filterLevel(entries, level)
		}
	case level != "":
		entries = s.logs.AtLeast(level)
	default:
		entries = s.logs.Recent(limit)
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	if entries == nil {
		entries = []script.LogEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"count": len(entries),
		"total": s.logs.Count(),
	})
}

func filterLevel(entries []script.LogEntry, level string) []script.LogEntry {
	out := make([]script.LogEntry, 0, len(entries))
	for _, e := range entries {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// DELETE /api/v1/logs
func (s *Server) handleClearLogs(c *gin.Context) {
	if s.logs != nil {
		s.logs.Clear()
	}
	c.JSON(http.StatusOK, gin.H{"message": "logs cleared"})
}

// GET /api/v1/artifact
func (s *Server) handleGetArtifact(c *gin.Context) {
	if s.store == nil {
		c.Status(http.StatusNoContent)
		return
	}
	a, ok := s.store.CurrentArtifact()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	data, err := artifact.EncodePNG(a)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

// handlePutArtifact replaces the current artifact with an uploaded PNG.
// PUT /api/v1/artifact
func (s *Server) handlePutArtifact(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "artifact store not configured"})
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := artifact.DecodePNG(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid image: " + err.Error()})
		return
	}
	s.store.SetCurrentArtifact(a)
	c.JSON(http.StatusOK, gin.H{"width": a.Width, "height": a.Height})
}

// handleUpload installs an uploaded package archive.
// POST /api/v1/packages (multipart field "package")
func (s *Server) handleUpload(c *gin.Context) {
	if s.installer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "package installation not configured"})
		return
	}
	file, header, err := c.Request.FormFile("package")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only .zip packages are allowed"})
		return
	}

	tmp, err := os.CreateTemp("", "extensionhost-upload-*.zip")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create temp file"})
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, io.LimitReader(file, maxUpload)); err != nil {
		tmp.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save package"})
		return
	}
	tmp.Close()

	pkg, err := s.installer.InstallArchive(c.Request.Context(), tmp.Name())
	if err != nil {
		s.logf("system", "error", "package upload failed: "+err.Error())
		status := http.StatusBadRequest
		if !errors.Is(err, catalog.ErrInvalidManifest) && !errors.Is(err, packaging.ErrMissingManifest) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": "invalid package: " + err.Error()})
		return
	}
	s.logf("system", "info", "installed package "+pkg.FullName()+" from "+filepath.Base(header.Filename))
	c.JSON(http.StatusOK, gin.H{
		"package": pkg.FullName(),
		"family":  pkg.FamilyName(),
		"version": pkg.Version(),
		"status":  pkg.Status().String(),
	})
}

func (s *Server) logf(id, level, msg string) {
	if s.logs != nil {
		s.logs.Log(id, level, msg)
	}
}
