package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"streamgate/internal/stream"
)

// MetaFilename is the per-session metadata file written into each
// output directory. It is what makes the in-memory registry rebuildable
// after a daemon restart: boot reconciliation reads these files to
// re-adopt sessions whose directories survived.
const MetaFilename = "session.json"

// Meta is the on-disk session descriptor.
type Meta struct {
	ID            stream.SessionID `json:"id"`
	SourceURL     string           `json:"sourceURL"`
	Platform      stream.Platform  `json:"platform"`
	StreamKey     string           `json:"streamKey,omitempty"`
	Title         string           `json:"title,omitempty"`
	RecordingPath string           `json:"recordingPath,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`

	// PID and StartedAt identify the capture process of the run that
	// wrote this file. After a daemon crash the process may still be
	// alive; boot reconciliation kills its group before re-adopting the
	// directory, so two captures never write the same output.
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// WriteMeta persists the session descriptor into its output directory.
func WriteMeta(outputDir string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(outputDir, MetaFilename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(outputDir, MetaFilename))
}

// ReadMeta loads the session descriptor from an output directory.
func ReadMeta(outputDir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(outputDir, MetaFilename))
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}
