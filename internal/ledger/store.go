package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"patchgate/internal/fsutil"
)

// formatVersion is written to every saved ledger. Version 0 is the bare JSON
// array layout.
const formatVersion = 1

type document struct {
	Version     int      `json:"version"`
	Escalations []Record `json:"escalations"`

	// corrupt marks a document loaded in place of unparseable content.
	corrupt bool
}

type fileStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// load never fails: a missing file is an empty ledger and unreadable content
// degrades to an empty ledger with a warning.
func (s *fileStore) load() document {
	empty := document{Version: formatVersion}
	corrupt := document{Version: formatVersion, corrupt: true}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return empty
		}
		s.logger.Warn("ledger unreadable, using empty ledger", slog.String("path", s.path), slog.String("error", err.Error()))
		return corrupt
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return empty
	}

	if data[0] == '[' {
		var records []Record
		if err := json.Unmarshal(data, &records); err != nil {
			s.logger.Warn("ledger corrupt, using empty ledger", slog.String("path", s.path), slog.String("error", err.Error()))
			return corrupt
		}
		return document{Version: 0, Escalations: records}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("ledger corrupt, using empty ledger", slog.String("path", s.path), slog.String("error", err.Error()))
		return corrupt
	}
	if doc.Version > formatVersion {
		s.logger.Warn("ledger written by a newer version", slog.String("path", s.path), slog.Int("version", doc.Version))
	}
	return doc
}

func (s *fileStore) save(doc document) error {
	if doc.Version > formatVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	doc.Version = formatVersion
	if doc.Escalations == nil {
		doc.Escalations = []Record{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	if doc.corrupt {
		if err := s.quarantine(); err != nil {
			return err
		}
	}
	if err := fsutil.WriteFileAtomic(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}

// quarantine moves unparseable ledger content aside so a rewrite keeps it.
func (s *fileStore) quarantine() error {
	aside := s.path + ".corrupt-" + s.now().UTC().Format("20060102T150405.000000000Z")
	if err := os.Rename(s.path, aside); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("move corrupt ledger aside: %w", err)
	}
	s.logger.Warn("corrupt ledger moved aside", slog.String("path", s.path), slog.String("kept", aside))
	return nil
}
