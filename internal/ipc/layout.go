package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Mailbox layout below the IPC root:
//
//	<root>/<folder>/messages/*.json   outgoing message requests
//	<root>/<folder>/tasks/*.json      task management requests
//	<root>/<folder>/current_tasks.json, available_groups.json   snapshots
//	<root>/errors/<folder>-<file>     quarantined files
const (
	MessagesDir        = "messages"
	TasksDir           = "tasks"
	ErrorsDir          = "errors"
	TasksSnapshotFile  = "current_tasks.json"
	GroupsSnapshotFile = "available_groups.json"
)

// GroupDir returns the mailbox directory of folder.
func GroupDir(root, folder string) string {
	return filepath.Join(root, folder)
}

// EnsureMailbox creates the inboxes of folder.
func EnsureMailbox(root, folder string) error {
	for _, sub := range []string{MessagesDir, TasksDir} {
		if err := os.MkdirAll(filepath.Join(root, folder, sub), 0o755); err != nil {
			return fmt.Errorf("create mailbox %s/%s: %w", folder, sub, err)
		}
	}
	return nil
}

// Write stores v as a new uniquely named JSON file in dir and returns its
// path. The file appears atomically.
func Write(dir string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := WriteFile(path, v); err != nil {
		return "", err
	}
	return path, nil
}

// WriteFile replaces path with the JSON encoding of v via a temp file and
// rename, so readers never see a partial document.
func WriteFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
