package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tiercache/tiercache/internal/indexstore"
)

// runVerify checks a cache directory offline: every index row must
// have a payload file of the recorded size, and payload files without
// an index row are reported as orphans. The daemon should not be
// writing to the directory while this runs.
func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	dir := fs.String("dir", "cache", "Cache directory to verify")
	fs.Parse(args)

	raw, err := os.ReadFile(filepath.Join(*dir, indexstore.IndexFilename))
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var index map[string]indexstore.Entry
	if err := json.Unmarshal(raw, &index); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	indexed := make(map[string]bool, len(index))
	var problems int
	var totalBytes uint64
	for key, entry := range index {
		indexed[entry.Filename] = true
		totalBytes += entry.Size
		info, err := os.Stat(filepath.Join(*dir, entry.Filename))
		if err != nil {
			fmt.Printf("MISSING  %s (key %q)\n", entry.Filename, key)
			problems++
			continue
		}
		if uint64(info.Size()) != entry.Size {
			fmt.Printf("SIZE     %s (key %q): index says %d, file is %d\n",
				entry.Filename, key, entry.Size, info.Size())
			problems++
		}
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		return err
	}
	var orphans int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexstore.IndexFilename || indexed[name] {
			continue
		}
		fmt.Printf("ORPHAN   %s\n", name)
		orphans++
	}

	fmt.Printf("%d entries, %d bytes indexed, %d problems, %d orphans\n",
		len(index), totalBytes, problems, orphans)
	if problems > 0 {
		return fmt.Errorf("%d inconsistencies found", problems)
	}
	return nil
}
