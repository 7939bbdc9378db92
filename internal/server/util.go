package server

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/portpilot/internal/manager"
)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// serverNameOK reports whether a server name can become part of a log file
// name (<name>.stdout.log) without escaping the log directory.
func serverNameOK(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// workspacePathOK accepts an empty path or an absolute one that is already
// clean apart from trailing separators.
func workspacePathOK(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	trimmed := strings.TrimRight(p, string(filepath.Separator))
	return clean == p || clean == trimmed
}

func validateRequest(req mng.Request) string {
	if req.Name != "" && !serverNameOK(req.Name) {
		return "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"
	}
	if req.Command == "" && req.Framework == "" {
		return "command or framework required"
	}
	if !workspacePathOK(req.Dir) {
		return "invalid dir: must be absolute path without traversal"
	}
	if !workspacePathOK(req.Workspace) {
		return "invalid workspace: must be absolute path without traversal"
	}
	if req.DesiredPort < 0 || req.DesiredPort > 65535 {
		return "invalid port"
	}
	return ""
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
