package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp string         `json:"timestamp"`
	Operation string         `json:"operation"` // "apply", "destroy", "refresh", "state.rm", "state.mv", "taint", "import"
	User      string         `json:"user"`
	Workspace string         `json:"workspace"`
	Changes   []AuditChange  `json:"changes,omitempty"`
	Summary   map[string]int `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditChange records a single resource change.
type AuditChange struct {
	Address string `json:"address"`
	Action  string `json:"action"`
}

func auditLogPath(dir string) string {
	return filepath.Join(dir, "audit.log")
}

// writeAuditLog appends an entry to the audit log in dir. Failures are
// logged, never returned: the operation being audited already happened.
func writeAuditLog(ctx context.Context, dir string, entry AuditEntry) {
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if entry.User == "" {
		entry.User = currentUser()
	}
	if entry.Workspace == "" {
		entry.Workspace = currentWorkspace(dir)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		clog.FromContext(ctx).Warn("failed to encode audit entry", "error", err)
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		clog.FromContext(ctx).Warn("failed to write audit log", "error", err)
		return
	}
	f, err := os.OpenFile(auditLogPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		clog.FromContext(ctx).Warn("failed to write audit log", "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		clog.FromContext(ctx).Warn("failed to write audit log", "error", err)
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}
