// Package controller exposes the execution engine's HTTP surface.
package controller

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"codedock/internal/exec/model"
	"codedock/internal/exec/profile"
	"codedock/internal/exec/session"
	"codedock/internal/exec/transport"
	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/response"
)

const (
	maxFileBytes  = 1 << 20
	maxTotalBytes = 8 << 20
)

// ExecController handles execution session endpoints.
type ExecController struct {
	manager  *session.Manager
	profiles profile.Repository
	streamer *transport.Streamer
}

// NewExecController creates a new ExecController.
func NewExecController(manager *session.Manager, profiles profile.Repository, streamer *transport.Streamer) *ExecController {
	return &ExecController{manager: manager, profiles: profiles, streamer: streamer}
}

// Start begins an execution session. It acknowledges immediately; output
// streams asynchronously over the session's stream endpoint.
func (h *ExecController) Start(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	files, entry, err := h.resolveFiles(req)
	if err != nil {
		response.Error(c, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := h.manager.Start(c.Request.Context(), model.StartRequest{
		SessionID:       sessionID,
		Language:        req.Language,
		Files:           files,
		EntryFile:       entry,
		Dependencies:    req.Dependencies,
		CustomLibraries: req.CustomLibraries,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	status := sess.Status()
	response.Accepted(c, StartSessionResponse{
		SessionID: status.SessionID,
		Language:  status.Language,
		State:     string(status.State),
	})
}

// Stream upgrades to a websocket and pushes the session's output events.
func (h *ExecController) Stream(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "Invalid session id")
		return
	}
	if err := h.streamer.Stream(c.Writer, c.Request, sessionID); err != nil {
		response.Error(c, err)
		return
	}
	// The websocket owns the connection from here; nothing to write.
}

// SendInput relays one line to the session's stdin.
func (h *ExecController) SendInput(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "Invalid session id")
		return
	}
	var req SendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.manager.SendInput(c.Request.Context(), sessionID, req.Input); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// Stop force-stops a session. Stopping an unknown or already-stopped
// session still reports success.
func (h *ExecController) Stop(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "Invalid session id")
		return
	}
	if err := h.manager.Stop(c.Request.Context(), sessionID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// GetStatus returns the session snapshot.
func (h *ExecController) GetStatus(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		response.BadRequest(c, "Invalid session id")
		return
	}
	status, err := h.manager.Status(sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Languages lists the supported language profiles.
func (h *ExecController) Languages(c *gin.Context) {
	profiles := h.profiles.List()
	items := make([]LanguageInfo, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, LanguageInfo{
			Language:      p.Language,
			Image:         p.Image,
			EntryFile:     p.EntryFile,
			Compiled:      p.Compiled(),
			ManifestNames: p.ManifestNames,
		})
	}
	response.Success(c, LanguagesResponse{Languages: items})
}

// resolveFiles normalizes the two request shapes (single code string, or a
// file list with an optional main file) into the internal form.
func (h *ExecController) resolveFiles(req StartSessionRequest) ([]model.ProjectFile, string, error) {
	if req.Code == "" && len(req.Files) == 0 {
		return nil, "", appErr.ValidationError("code", "either code or files is required")
	}
	if req.Code != "" && len(req.Files) > 0 {
		return nil, "", appErr.ValidationError("code", "code and files are mutually exclusive")
	}

	if req.Code != "" {
		if len(req.Code) > maxFileBytes {
			return nil, "", appErr.New(appErr.SourceTooLarge).
				WithMessage("code exceeds the per-file limit")
		}
		prof, err := h.profiles.Get(req.Language)
		if err != nil {
			return nil, "", err
		}
		file := model.ProjectFile{Path: prof.EntryFile, Content: []byte(req.Code), Role: model.RoleEntry}
		return []model.ProjectFile{file}, prof.EntryFile, nil
	}

	total := 0
	files := make([]model.ProjectFile, 0, len(req.Files))
	for _, f := range req.Files {
		if len(f.Content) > maxFileBytes {
			return nil, "", appErr.New(appErr.SourceTooLarge).
				WithMessage("file exceeds the per-file limit: " + f.Path)
		}
		total += len(f.Content)
		if total > maxTotalBytes {
			return nil, "", appErr.New(appErr.SourceTooLarge).
				WithMessage("workspace exceeds the total size limit")
		}
		role := model.RoleSupport
		if f.Path == req.MainFile {
			role = model.RoleEntry
		}
		files = append(files, model.ProjectFile{Path: f.Path, Content: []byte(f.Content), Role: role})
	}
	return files, req.MainFile, nil
}

// StartSessionRequest defines the start-execution payload.
type StartSessionRequest struct {
	SessionID       string             `json:"session_id"`
	Language        string             `json:"language" binding:"required"`
	Code            string             `json:"code"`
	Files           []WorkspaceFile    `json:"files"`
	MainFile        string             `json:"main_file"`
	Dependencies    map[string]string  `json:"dependencies"`
	CustomLibraries []model.LibraryRef `json:"custom_libraries"`
}

// WorkspaceFile is one submitted file.
type WorkspaceFile struct {
	Path    string `json:"path" binding:"required"`
	Content string `json:"content"`
}

// StartSessionResponse acknowledges a started session.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Language  string `json:"language"`
	State     string `json:"state"`
}

// SendInputRequest carries one stdin line.
type SendInputRequest struct {
	Input string `json:"input"`
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	Language      string   `json:"language"`
	Image         string   `json:"image"`
	EntryFile     string   `json:"entry_file"`
	Compiled      bool     `json:"compiled"`
	ManifestNames []string `json:"manifest_names,omitempty"`
}

// LanguagesResponse lists supported languages.
type LanguagesResponse struct {
	Languages []LanguageInfo `json:"languages"`
}
