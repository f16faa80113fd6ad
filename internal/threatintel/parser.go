package threatintel

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/zerofleet/backend/internal/core"
)

// rawRecord is the decoy's JSON-lines interaction schema.
type rawRecord struct {
	EventID   string `json:"eventid"`
	SrcIP     string `json:"src_ip"`
	Input     string `json:"input"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// destructiveKeywords mark a captured command as high severity.
var destructiveKeywords = []string{"rm", "delete", "format", "dd", "mkfs", "shutdown", "reboot"}

// parseLog extracts threat records from raw decoy log output. One record per
// line; lines that are not valid JSON or carry no event type are skipped —
// a single corrupt record must not abort the batch.
func parseLog(logContent string) []Threat {
	var threats []Threat
	for _, line := range strings.Split(logContent, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}

		var rec rawRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Debug("skipping malformed decoy record", "error", err)
			continue
		}
		if rec.EventID == "" {
			continue
		}

		ts := time.Now()
		if rec.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
				ts = parsed
			}
		}

		threats = append(threats, Threat{
			SourceIP:  rec.SrcIP,
			EventType: rec.EventID,
			Command:   rec.Input,
			Message:   rec.Message,
			Timestamp: ts,
		})
	}
	return threats
}

// classify assigns severity. Successful logins and file transfers on a decoy
// are unambiguous compromise; captured commands are graded by destructiveness.
func classify(t Threat) core.Severity {
	switch {
	case strings.Contains(t.EventType, "login.success"),
		strings.Contains(t.EventType, "file_download"),
		strings.Contains(t.EventType, "file_upload"):
		return core.SeverityHigh
	case strings.Contains(t.EventType, "command.input"):
		if isDestructive(t.Command) {
			return core.SeverityHigh
		}
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func isDestructive(command string) bool {
	for _, field := range strings.Fields(strings.ToLower(command)) {
		for _, kw := range destructiveKeywords {
			if field == kw {
				return true
			}
		}
	}
	return false
}
