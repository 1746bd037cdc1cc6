package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// maxRecordBytes bounds one JSONL line when reading a transcript back.
const maxRecordBytes = 16 << 20

// Summary describes the last session recorded in a JSONL transcript.
type Summary struct {
	Session        string    `json:"session"`
	Command        string    `json:"command,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt"`
	Outcome        string    `json:"outcome,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	Answers        int       `json:"answers"`
	ProviderErrors int       `json:"providerErrors"`
	Records        int       `json:"records"`
	// Skipped counts lines that were not valid records.
	Skipped int `json:"skipped,omitempty"`
}

// Ended reports whether the session wrote its final record.
func (s Summary) Ended() bool {
	return s.Outcome != ""
}

// Summarize reads a JSONL transcript and summarizes its last session.
// Transcripts append across runs; earlier sessions are ignored.
func Summarize(r io.Reader) (Summary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)

	var summary Summary
	skipped := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil || record.Type == "" {
			skipped++
			continue
		}
		if record.Type == "session_started" {
			summary = Summary{
				Session:   record.Session,
				Command:   record.Text,
				Provider:  record.Scope,
				StartedAt: time.UnixMilli(record.TS).UTC(),
			}
		}
		summary.Records++
		switch record.Type {
		case "answer":
			summary.Answers++
		case "provider_error":
			summary.ProviderErrors++
		case "session_ended":
			summary.EndedAt = time.UnixMilli(record.TS).UTC()
			summary.Outcome = record.Scope
			summary.Reason = record.Reason
			summary.Error = record.Text
		}
		if summary.Session == "" {
			summary.Session = record.Session
		}
	}
	summary.Skipped = skipped
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("read transcript: %w", err)
	}
	return summary, nil
}
