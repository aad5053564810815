package spool

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"errand/internal/domain"
)

// Artifact names inside a transaction directory. These are part of the
// on-disk contract: a restarted agent must be able to re-read transactions
// spooled by a prior run.
const (
	metadataFilename = "metadata"
	pidFilename      = "pid"
	stdoutFilename   = "stdout"
	stderrFilename   = "stderr"
	exitcodeFilename = "exitcode"
)

// Store persists per-transaction action results under a spool directory.
//
// The store keeps no state between calls: every operation re-reads the
// filesystem. That costs I/O on each query and buys restart safety: the
// directory tree is the only source of truth. Writes to a single artifact
// are atomic (temp file + rename), so a concurrent reader observes either
// the previous complete document or the new one, never a partial write.
// The store assumes one logical writer per transaction; that invariant is
// the caller's.
type Store struct {
	dir    *Dir
	logger *slog.Logger
}

// NewStore creates a results store rooted at the given spool directory.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{dir: NewDir(root), logger: logger}
}

// Find reports whether a transaction is known to the spool. Never errors.
func (s *Store) Find(transactionID string) bool {
	return s.dir.Exists(transactionID)
}

// InitializeMetadata creates the transaction directory and writes the
// initial metadata document. Re-initializing an existing transaction
// overwrites its metadata: a spawn retried after broker redelivery must not
// wedge on a leftover directory.
func (s *Store) InitializeMetadata(transactionID string, md Metadata) error {
	data, err := EncodeMetadata(md)
	if err != nil {
		return err
	}
	dir, err := s.dir.Ensure(transactionID)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, metadataFilename, data)
}

// UpdateMetadata overwrites the metadata document of an existing
// transaction. Last write wins; the store does not merge documents or
// police status transitions.
func (s *Store) UpdateMetadata(transactionID string, md Metadata) error {
	data, err := EncodeMetadata(md)
	if err != nil {
		return err
	}
	dir, err := s.transactionDir(transactionID, "spool.update")
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, metadataFilename, data)
}

// ActionMetadata reads and decodes the transaction's metadata document.
func (s *Store) ActionMetadata(transactionID string) (Metadata, error) {
	p, err := s.dir.Path(transactionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(p, metadataFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, newError(KindNotFound, "spool.metadata",
			fmt.Sprintf("no metadata for transaction %q", transactionID), err)
	}
	if err != nil {
		return nil, newError(KindStorage, "spool.metadata", "read metadata", err)
	}
	return DecodeMetadata(data)
}

// HasPID reports whether the process identity artifact exists. Absence is a
// valid state: the action never spawned detached, or was already cleaned up.
func (s *Store) HasPID(transactionID string) bool {
	p, err := s.dir.Path(transactionID)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(p, pidFilename))
	return err == nil && info.Mode().IsRegular()
}

// PID returns the OS process identity of the detached action.
func (s *Store) PID(transactionID string) (int, error) {
	p, err := s.dir.Path(transactionID)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(p, pidFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, newError(KindNotFound, "spool.pid",
			fmt.Sprintf("no pid for transaction %q", transactionID), err)
	}
	if err != nil {
		return 0, newError(KindStorage, "spool.pid", "read pid", err)
	}
	text := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(text)
	if err != nil {
		return 0, newError(KindInvalidPID, "spool.pid",
			fmt.Sprintf("pid artifact %q is not an integer", text), err)
	}
	return pid, nil
}

// Output returns the transaction's captured output record. Missing stdout
// or stderr captures default to empty strings; capture loss is tolerated.
// A missing or malformed exit code is an error, because the exit code is the
// only signal of success or failure.
func (s *Store) Output(transactionID string) (domain.ActionOutput, error) {
	var out domain.ActionOutput
	p, err := s.dir.Path(transactionID)
	if err != nil {
		return out, err
	}
	raw, err := os.ReadFile(filepath.Join(p, exitcodeFilename))
	if err != nil {
		return out, newError(KindInvalidExitcode, "spool.output",
			fmt.Sprintf("no readable exitcode for transaction %q", transactionID), err)
	}
	text := strings.TrimSpace(string(raw))
	code, err := strconv.Atoi(text)
	if err != nil {
		return out, newError(KindInvalidExitcode, "spool.output",
			fmt.Sprintf("exitcode artifact %q is not an integer", text), err)
	}
	out.ExitCode = code
	out.Stdout = readOptional(filepath.Join(p, stdoutFilename))
	out.Stderr = readOptional(filepath.Join(p, stderrFilename))
	return out, nil
}

// WritePID records the process identity of a freshly spawned detached
// action.
func (s *Store) WritePID(transactionID string, pid int) error {
	dir, err := s.transactionDir(transactionID, "spool.writepid")
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, pidFilename, []byte(strconv.Itoa(pid)+"\n"))
}

// WriteOutput persists the output record of a completed action. The exit
// code is written last: once a reader can see the exitcode artifact, both
// captures are already complete.
func (s *Store) WriteOutput(transactionID string, stdout, stderr []byte, exitCode int) error {
	dir, err := s.transactionDir(transactionID, "spool.writeoutput")
	if err != nil {
		return err
	}
	if len(stdout) > 0 {
		if err := writeFileAtomic(dir, stdoutFilename, stdout); err != nil {
			return err
		}
	}
	if len(stderr) > 0 {
		if err := writeFileAtomic(dir, stderrFilename, stderr); err != nil {
			return err
		}
	}
	return writeFileAtomic(dir, exitcodeFilename, []byte(strconv.Itoa(exitCode)+"\n"))
}

func (s *Store) transactionDir(transactionID, op string) (string, error) {
	p, err := s.dir.Path(transactionID)
	if err != nil {
		return "", err
	}
	if !s.dir.Exists(transactionID) {
		return "", newError(KindNotFound, op,
			fmt.Sprintf("transaction %q not found", transactionID), nil)
	}
	return p, nil
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// writeFileAtomic writes data to dir/name through a temp file in the same
// directory and an atomic rename, so a reader never observes a partial
// artifact and a crash mid-write leaves the previous version intact.
func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return newError(KindStorage, "spool.write", "create temp artifact", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return newError(KindStorage, "spool.write", "write temp artifact", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return newError(KindStorage, "spool.write", "sync temp artifact", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return newError(KindStorage, "spool.write", "close temp artifact", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return newError(KindStorage, "spool.write", "rename artifact into place", err)
	}
	return nil
}
