package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"androdump/process"

	"github.com/google/uuid"
)

const manifestFile = "manifest.json"

// Artifact is one file a run produced, or one target it failed on.
type Artifact struct {
	File       string          `json:"file,omitempty"`
	Kind       string          `json:"kind"`
	Name       string          `json:"name,omitempty"`
	Address    uint64          `json:"address"`
	Size       int             `json:"size"`
	Partial    bool            `json:"partial"`
	Repaired   bool            `json:"repaired,omitempty"`
	Unreadable []process.Range `json:"unreadable,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Manifest describes a run: who was dumped, how, and what came out.
type Manifest struct {
	SessionID string            `json:"session_id"`
	PID       process.ProcessID `json:"pid"`
	Mode      string            `json:"mode"`
	Snapshot  string            `json:"snapshot,omitempty"`
	Created   time.Time         `json:"created"`
	Artifacts []Artifact        `json:"artifacts"`
}

func NewManifest(mode string, pid process.ProcessID) *Manifest {
	return &Manifest{
		SessionID: uuid.NewString(),
		PID:       pid,
		Mode:      mode,
		Created:   time.Now().UTC(),
		Artifacts: []Artifact{},
	}
}

func (m *Manifest) Add(a Artifact) {
	m.Artifacts = append(m.Artifacts, a)
}

// Write stores the manifest as manifest.json in dir.
func (m *Manifest) Write(dir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads manifest.json from dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}
