package processor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"errand/internal/adapter/connector"
	"errand/internal/domain"
	"errand/internal/spool"
	"errand/internal/usecase/eventbus"
	"errand/internal/usecase/executor"
	"errand/internal/usecase/modules"
)

const testModules = `module: shell
actions:
  - name: greet
    command: ["/bin/sh", "-c", "echo hello"]
  - name: mirror
    command: ["/bin/sh", "-c", "cat"]
  - name: grumble
    command: ["/bin/sh", "-c", "echo bad >&2; exit 2"]
  - name: checked
    command: ["/bin/sh", "-c", "true"]
    params_schema:
      type: object
      properties:
        depth:
          type: integer
      required: [depth]
`

type fakeSender struct {
	mu   sync.Mutex
	envs []connector.Envelope
}

func (f *fakeSender) Send(_ context.Context, env connector.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeSender) all() []connector.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]connector.Envelope, len(f.envs))
	copy(cp, f.envs)
	return cp
}

// waitForType polls until an envelope of the given type shows up.
func (f *fakeSender) waitForType(t *testing.T, typ connector.MessageType) connector.Envelope {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range f.all() {
			if env.Type == typ {
				return env
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %q envelope sent; got %+v", typ, f.all())
	return connector.Envelope{}
}

type fixture struct {
	proc   *Processor
	sender *fakeSender
	store  *spool.Store
	bus    *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shell.yaml"), []byte(testModules), 0o600))
	registry := modules.NewRegistry(logger)
	require.NoError(t, registry.Load(dir))

	store := spool.NewStore(filepath.Join(t.TempDir(), "spool"), logger)
	bus := eventbus.New(logger)
	ex := executor.New(executor.Config{}, store, bus, logger)
	sender := &fakeSender{}

	proc := New(registry, ex, store, sender, bus, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ex.Wait(ctx)
		proc.Close()
		bus.Close()
	})
	return &fixture{proc: proc, sender: sender, store: store, bus: bus}
}

func actionEnvelope(t *testing.T, req domain.ActionRequest) connector.Envelope {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return connector.Envelope{
		ID: "env-1", Type: connector.MessageActionRequest,
		Sender: "controller", Data: data,
	}
}

func decodeResponse(t *testing.T, env connector.Envelope) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &data))
	return data
}

func TestBlockingActionRequest(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Module: "shell", Action: "greet",
		TransactionID: "txn-1", RequestID: "r-1",
		Type: domain.RequestTypeBlocking,
	}))

	env := f.sender.waitForType(t, connector.MessageResponse)
	assert.Equal(t, "controller", env.Target)
	data := decodeResponse(t, env)
	assert.Equal(t, "txn-1", data["transaction_id"])
	assert.Equal(t, float64(0), data["exitcode"])
	assert.Equal(t, "hello\n", data["stdout"])
}

func TestActionRequestUnknownModule(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Module: "ghost", Action: "walk", TransactionID: "txn-2",
	}))

	env := f.sender.waitForType(t, connector.MessageError)
	data := decodeResponse(t, env)
	assert.Equal(t, "env-1", data["in_reply_to"])
	assert.Contains(t, data["description"], "module not found")
}

func TestActionRequestMissingTransactionID(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Module: "shell", Action: "greet",
	}))

	env := f.sender.waitForType(t, connector.MessageError)
	data := decodeResponse(t, env)
	assert.Contains(t, data["description"], "transaction_id")
}

func TestActionRequestSchemaRejection(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Module: "shell", Action: "checked",
		Params:        json.RawMessage(`{"depth":"far"}`),
		TransactionID: "txn-3",
	}))

	env := f.sender.waitForType(t, connector.MessageError)
	data := decodeResponse(t, env)
	assert.Contains(t, data["description"], "schema")
}

func TestNonBlockingActionLifecycle(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Requester: "controller",
		Module:    "shell", Action: "mirror",
		Params:        json.RawMessage(`{"spam":"eggs"}`),
		TransactionID: "txn-nb", RequestID: "r-9",
		Type:          domain.RequestTypeNonBlocking,
		NotifyOutcome: true,
	}))

	prov := f.sender.waitForType(t, connector.MessageProvisional)
	data := decodeResponse(t, prov)
	assert.Equal(t, "txn-nb", data["transaction_id"])
	assert.Equal(t, domain.ActionStatusRunning, data["status"])

	// The spooled record exists as soon as the provisional goes out.
	assert.True(t, f.store.Find("txn-nb"))

	// Completion notification carries the spooled outcome.
	note := f.sender.waitForType(t, connector.MessageNonBlockingResponse)
	assert.Equal(t, "controller", note.Target)
	data = decodeResponse(t, note)
	assert.Equal(t, domain.ActionStatusSuccess, data["status"])
	assert.Equal(t, float64(0), data["exitcode"])
	assert.Equal(t, `{"spam":"eggs"}`, data["stdout"])

	md, err := f.store.ActionMetadata("txn-nb")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStatusSuccess, md.Status())
}

func TestNonBlockingFailureNotification(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleActionRequest(context.Background(), actionEnvelope(t, domain.ActionRequest{
		Requester: "controller",
		Module:    "shell", Action: "grumble",
		TransactionID: "txn-ohno",
		Type:          domain.RequestTypeNonBlocking,
		NotifyOutcome: true,
	}))

	note := f.sender.waitForType(t, connector.MessageNonBlockingResponse)
	data := decodeResponse(t, note)
	assert.Equal(t, domain.ActionStatusFailure, data["status"])
	assert.Equal(t, float64(2), data["exitcode"])
	assert.Equal(t, "bad\n", data["stderr"])
}

func statusEnvelope(transactionID string) connector.Envelope {
	return connector.Envelope{
		ID: "status-1", Type: connector.MessageStatusRequest,
		Sender: "controller",
		Data:   json.RawMessage(`{"transaction_id":"` + transactionID + `"}`),
	}
}

func TestStatusRequestUnknownTransaction(t *testing.T) {
	f := newFixture(t)

	f.proc.HandleStatusRequest(context.Background(), statusEnvelope("never-seen"))

	env := f.sender.waitForType(t, connector.MessageResponse)
	data := decodeResponse(t, env)
	assert.Equal(t, domain.ActionStatusUnknown, data["status"])
}

func runningMetadata(transactionID string) spool.Metadata {
	return spool.Metadata{
		"requester":      "controller",
		"module":         "shell",
		"action":         "mirror",
		"request_params": "",
		"transaction_id": transactionID,
		"request_id":     "r-1",
		"notify_outcome": false,
		"start":          time.Now().UTC().Format(time.RFC3339),
		"status":         domain.ActionStatusRunning,
	}
}

func TestStatusRequestRunningTransaction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.InitializeMetadata("txn-live", runningMetadata("txn-live")))

	f.proc.HandleStatusRequest(context.Background(), statusEnvelope("txn-live"))

	env := f.sender.waitForType(t, connector.MessageResponse)
	data := decodeResponse(t, env)
	assert.Equal(t, domain.ActionStatusRunning, data["status"])
	// No output yet is a normal transient state, not an error.
	_, hasExit := data["exitcode"]
	assert.False(t, hasExit)
}

func TestStatusRequestTerminalTransaction(t *testing.T) {
	f := newFixture(t)

	md := runningMetadata("txn-done")
	require.NoError(t, f.store.InitializeMetadata("txn-done", md))
	require.NoError(t, f.store.WritePID("txn-done", 4321))
	require.NoError(t, f.store.WriteOutput("txn-done", []byte("done\n"), nil, 0))
	md["status"] = domain.ActionStatusSuccess
	require.NoError(t, f.store.UpdateMetadata("txn-done", md))

	f.proc.HandleStatusRequest(context.Background(), statusEnvelope("txn-done"))

	env := f.sender.waitForType(t, connector.MessageResponse)
	data := decodeResponse(t, env)
	assert.Equal(t, domain.ActionStatusSuccess, data["status"])
	assert.Equal(t, float64(0), data["exitcode"])
	assert.Equal(t, "done\n", data["stdout"])
	assert.Equal(t, float64(4321), data["pid"])
}

func TestStatusRequestMalformedTerminalTransaction(t *testing.T) {
	f := newFixture(t)

	md := runningMetadata("txn-mangled")
	md["status"] = domain.ActionStatusSuccess
	require.NoError(t, f.store.InitializeMetadata("txn-mangled", md))
	// Terminal status but no exitcode artifact at all.

	f.proc.HandleStatusRequest(context.Background(), statusEnvelope("txn-mangled"))

	env := f.sender.waitForType(t, connector.MessageError)
	data := decodeResponse(t, env)
	assert.Equal(t, "txn-mangled", data["transaction_id"])
	assert.Contains(t, data["description"], "exitcode")
}
