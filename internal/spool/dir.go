package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir maps transaction identifiers to directories under the spool root.
// Each transaction owns exactly one subdirectory named after its identifier;
// distinct subtrees are independent, so no locking is needed across
// transactions.
type Dir struct {
	root string
}

// NewDir creates a Dir over the given spool root. The root is not created
// until the first Ensure call.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Root returns the spool root path.
func (d *Dir) Root() string { return d.root }

// Path returns the directory path for a transaction without touching the
// filesystem. Identifiers that would escape the spool are rejected.
func (d *Dir) Path(transactionID string) (string, error) {
	if err := validateID(transactionID); err != nil {
		return "", err
	}
	return filepath.Join(d.root, transactionID), nil
}

// Exists reports whether the transaction's directory is present. No side
// effects.
func (d *Dir) Exists(transactionID string) bool {
	p, err := d.Path(transactionID)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Ensure creates the spool root and the transaction directory if absent,
// including any missing ancestors. Idempotent: an existing directory is left
// untouched.
func (d *Dir) Ensure(transactionID string) (string, error) {
	p, err := d.Path(transactionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p, 0o750); err != nil {
		return "", newError(KindStorage, "spool.ensure",
			fmt.Sprintf("create directory for transaction %q", transactionID), err)
	}
	return p, nil
}

func validateID(id string) error {
	if id == "" {
		return newError(KindStorage, "spool.path", "empty transaction id", nil)
	}
	if id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return newError(KindStorage, "spool.path",
			fmt.Sprintf("transaction id %q escapes the spool", id), nil)
	}
	return nil
}
