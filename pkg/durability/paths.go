package durability

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Durability directory layout under the configured root:
//
//	<root>/snapshots/snapshot-<tx>.snap
//	<root>/wal/wal-<max tx>.log
//	<root>/wal/current.wal
const (
	SnapshotDirName = "snapshots"
	WalDirName      = "wal"

	currentWALName = "current.wal"
)

// SnapshotDir returns the snapshot directory under root.
func SnapshotDir(root string) string { return filepath.Join(root, SnapshotDirName) }

// WalDir returns the WAL directory under root.
func WalDir(root string) string { return filepath.Join(root, WalDirName) }

// EnsureLayout creates the snapshot and WAL directories.
func EnsureLayout(root string) error {
	if err := os.MkdirAll(SnapshotDir(root), 0755); err != nil {
		return fmt.Errorf("durability: failed to create snapshot dir: %w", err)
	}
	if err := os.MkdirAll(WalDir(root), 0755); err != nil {
		return fmt.Errorf("durability: failed to create wal dir: %w", err)
	}
	return nil
}

// SnapshotFilename builds a snapshot filename for the given snapshotter
// transaction id. Zero padding makes lexicographic order chronological.
func SnapshotFilename(tx uint64) string {
	return fmt.Sprintf("snapshot-%020d.snap", tx)
}

// WALFilename builds a finalized WAL segment filename carrying the maximum
// transaction id the segment contains.
func WALFilename(maxTx uint64) string {
	return fmt.Sprintf("wal-%020d.log", maxTx)
}

// TxFromWALFilename extracts the max tx id from a finalized WAL filename.
func TxFromWALFilename(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "wal-") || !strings.HasSuffix(base, ".log") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, "wal-"), ".log")
	tx, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return tx, true
}

// TxFromSnapshotFilename extracts the snapshotter tx id from a snapshot
// filename.
func TxFromSnapshotFilename(name string) (uint64, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, "snapshot-") || !strings.HasSuffix(base, ".snap") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(base, "snapshot-"), ".snap")
	tx, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return tx, true
}

// ListSnapshots returns snapshot file paths, newest first. A missing
// directory yields an empty list.
func ListSnapshots(root string) ([]string, error) {
	entries, err := os.ReadDir(SnapshotDir(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durability: failed to list snapshots: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := TxFromSnapshotFilename(e.Name()); !ok {
			continue
		}
		files = append(files, filepath.Join(SnapshotDir(root), e.Name()))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files, nil
}

// ListWALFiles returns WAL segment paths in chronological order. The
// in-progress segment, if present, sorts last since it holds the newest
// transactions.
func ListWALFiles(root string) ([]string, error) {
	entries, err := os.ReadDir(WalDir(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("durability: failed to list wal files: %w", err)
	}

	var finalized []string
	var current string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if e.Name() == currentWALName {
			current = filepath.Join(WalDir(root), e.Name())
			continue
		}
		if _, ok := TxFromWALFilename(e.Name()); !ok {
			continue
		}
		finalized = append(finalized, filepath.Join(WalDir(root), e.Name()))
	}
	sort.Strings(finalized)
	if current != "" {
		finalized = append(finalized, current)
	}
	return finalized, nil
}
