package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

const transcriptDir = ".sessions"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Turn is one line of a transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Transcript is a JSON-lines conversation log.
type Transcript struct {
	Path string
}

func transcriptPath(workDir, sessionID string) string {
	return filepath.Join(workDir, transcriptDir, unsafeChars.ReplaceAllString(sessionID, "_")+".jsonl")
}

// Load returns every turn recorded so far. A missing file is an empty
// transcript; unreadable lines are skipped.
func (t Transcript) Load() ([]Turn, error) {
	f, err := os.Open(t.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var turns []Turn
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var turn Turn
		if json.Unmarshal(sc.Bytes(), &turn) == nil && turn.Role != "" {
			turns = append(turns, turn)
		}
	}
	return turns, sc.Err()
}

// Append adds turns to the end of the transcript.
func (t Transcript) Append(turns ...Turn) error {
	if err := os.MkdirAll(filepath.Dir(t.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, turn := range turns {
		if err := enc.Encode(turn); err != nil {
			f.Close()
			return fmt.Errorf("append transcript: %w", err)
		}
	}
	return f.Close()
}
