package modules

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/domain"
)

const shellModule = `module: shell
actions:
  - name: echo
    command: ["/bin/sh", "-c", "echo hello"]
  - name: graph
    command: ["/bin/sh", "-c", "cat"]
    params_schema:
      type: object
      properties:
        depth:
          type: integer
          minimum: 1
      required: [depth]
`

func writeModuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func loadTestRegistry(t *testing.T, files map[string]string) (*Registry, error) {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		writeModuleFile(t, dir, name, content)
	}
	r := NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r, r.Load(dir)
}

func TestRegistryLoadAndResolve(t *testing.T) {
	r, err := loadTestRegistry(t, map[string]string{"shell.yaml": shellModule})
	require.NoError(t, err)
	assert.Equal(t, []string{"shell"}, r.Modules())

	act, err := r.Resolve("shell", "echo")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hello"}, act.Command)

	_, err = r.Resolve("nope", "echo")
	assert.True(t, errors.Is(err, domain.ErrModuleNotFound))

	_, err = r.Resolve("shell", "nope")
	assert.True(t, errors.Is(err, domain.ErrActionNotFound))
}

func TestRegistryDuplicateModule(t *testing.T) {
	_, err := loadTestRegistry(t, map[string]string{
		"a.yaml": shellModule,
		"b.yaml": shellModule,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate module")
}

func TestRegistryRejectsEmptyCommand(t *testing.T) {
	_, err := loadTestRegistry(t, map[string]string{
		"bad.yaml": "module: bad\nactions:\n  - name: x\n    command: []\n",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")
}

func TestActionValidateParams(t *testing.T) {
	r, err := loadTestRegistry(t, map[string]string{"shell.yaml": shellModule})
	require.NoError(t, err)

	act, err := r.Resolve("shell", "graph")
	require.NoError(t, err)

	assert.NoError(t, act.ValidateParams(json.RawMessage(`{"depth": 3}`)))

	err = act.ValidateParams(json.RawMessage(`{"depth": "deep"}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	err = act.ValidateParams(json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput), "missing required key")

	err = act.ValidateParams(json.RawMessage(`not json`))
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))

	// No schema: anything goes, including no params at all.
	echo, err := r.Resolve("shell", "echo")
	require.NoError(t, err)
	assert.NoError(t, echo.ValidateParams(nil))
}
