// Package indexstore persists the disk cache's index document.
//
// The index is a single JSON object mapping user cache keys to payload
// metadata. Saves are atomic: the document is written to a sibling temp
// file, fsynced, then renamed over the canonical name, so a crash at any
// point leaves either the old index or the new one, never a torn write.
package indexstore

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tiercache/tiercache/internal/clock"
)

const (
	// IndexFilename is the canonical index document name inside a cache
	// directory.
	IndexFilename = "index.json"

	tmpSuffix = ".tmp"
)

// Entry is the metadata persisted for one cached payload.
type Entry struct {
	// Filename is the content-addressed payload filename inside the
	// cache directory.
	Filename string `json:"filename"`
	// Size is the payload length in bytes.
	Size uint64 `json:"size"`
	// Created is the write time in seconds since the Unix epoch.
	Created int64 `json:"created"`
}

// Load reads the index document from dir. A missing, unreadable, or
// malformed document is never an error: it is logged and an empty index
// is returned, so a damaged index costs cached entries but never
// startup. Created timestamps in the future are clamped to the current
// time to keep eviction ordering well-defined.
func Load(dir string, clk clock.Clock, logger *slog.Logger) map[string]Entry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	path := filepath.Join(dir, IndexFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("cache index unreadable, starting empty", "path", path, "error", err)
		}
		return map[string]Entry{}
	}

	index := map[string]Entry{}
	if err := json.Unmarshal(data, &index); err != nil {
		logger.Warn("cache index malformed, starting empty", "path", path, "error", err)
		return map[string]Entry{}
	}

	now := clk.Now().Unix()
	for key, entry := range index {
		if entry.Created > now {
			entry.Created = now
			index[key] = entry
		}
	}
	return index
}

// Save writes the index document to dir atomically.
func Save(dir string, index map[string]Entry) error {
	data, err := json.Marshal(index)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, IndexFilename)
	tmp := path + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	// Persist the rename itself. Not all filesystems support syncing a
	// directory; failure here does not undo a completed rename.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
