package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// StopFileName is the emergency-stop sentinel inside a session's scratch
// directory. Operators write any non-empty content into it to halt the
// session; the drivers check it before each dispatch and between worker
// turns.
const StopFileName = "EMERGENCY_STOP"

// StopFilePath returns the sentinel location for a session.
func (p *Provider) StopFilePath(sessionID string) string {
	return filepath.Join(p.cfg.Root, sessionID, StopFileName)
}

// CheckStop reads the session's stop sentinel. It returns the trimmed
// content as the stop reason and true when the sentinel exists with
// non-empty content. A missing or empty sentinel is not a stop.
func (p *Provider) CheckStop(sessionID string) (string, bool) {
	data, err := os.ReadFile(p.StopFilePath(sessionID))
	if err != nil {
		return "", false
	}
	reason := strings.TrimSpace(string(data))
	return reason, reason != ""
}
