// Package executor spawns action processes and drives the write side of the
// results spool. Blocking actions return their output directly; detached
// actions leave their outcome in the spool, where it stays queryable across
// agent restarts.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"errand/internal/domain"
	"errand/internal/spool"
)

// Config holds executor tunables.
type Config struct {
	MaxDetached     int           // max concurrently running detached actions (default: 10)
	OutputBufferMax int           // max bytes buffered per stream (default: 1MB)
	BlockingTimeout time.Duration // ceiling on a blocking action's runtime (default: 5m)
}

// Executor runs module actions.
type Executor struct {
	cfg    Config
	store  *spool.Store
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd // transaction_id -> detached process
	wg      sync.WaitGroup
}

// New creates an executor backed by the given results store.
func New(cfg Config, store *spool.Store, bus domain.EventBus, logger *slog.Logger) *Executor {
	if cfg.MaxDetached <= 0 {
		cfg.MaxDetached = 10
	}
	if cfg.OutputBufferMax <= 0 {
		cfg.OutputBufferMax = 1024 * 1024
	}
	if cfg.BlockingTimeout <= 0 {
		cfg.BlockingTimeout = 5 * time.Minute
	}
	return &Executor{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger,
		running: make(map[string]*exec.Cmd),
	}
}

// RunBlocking runs the action synchronously and returns its captured output.
// A non-zero exit code is a result, not an error; only a failure to spawn or
// a context cancellation comes back as an error.
func (e *Executor) RunBlocking(ctx context.Context, command []string, req domain.ActionRequest) (domain.ActionOutput, error) {
	if len(command) == 0 {
		return domain.ActionOutput{}, domain.NewDomainError("Executor.RunBlocking",
			domain.ErrInvalidInput, "empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.BlockingTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	stdout := newCaptureBuffer(e.cfg.OutputBufferMax)
	stderr := newCaptureBuffer(e.cfg.OutputBufferMax)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Params) > 0 {
		cmd.Stdin = bytes.NewReader(req.Params)
	}

	e.emit(ctx, domain.EventActionStarted, req.TransactionID, nil)
	err := cmd.Run()

	out := domain.ActionOutput{
		Stdout: string(stdout.Bytes()),
		Stderr: string(stderr.Bytes()),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return out, domain.NewDomainError("Executor.RunBlocking", err,
			strings.Join(command, " "))
	}

	e.logger.Info("blocking action finished",
		"transaction_id", req.TransactionID,
		"module", req.Module, "action", req.Action,
		"exitcode", out.ExitCode)
	return out, nil
}

// RunDetached initializes the transaction in the spool, spawns the process
// detached from the request context, records its PID, and monitors it in
// the background. The outcome is only ever observable through the store.
func (e *Executor) RunDetached(command []string, req domain.ActionRequest, md spool.Metadata) error {
	if len(command) == 0 {
		return domain.NewDomainError("Executor.RunDetached",
			domain.ErrInvalidInput, "empty command")
	}

	e.mu.Lock()
	if len(e.running) >= e.cfg.MaxDetached {
		n := len(e.running)
		e.mu.Unlock()
		return domain.NewDomainError("Executor.RunDetached", domain.ErrLimitReached,
			fmt.Sprintf("%d detached actions already running", n))
	}
	if _, busy := e.running[req.TransactionID]; busy {
		e.mu.Unlock()
		return domain.NewDomainError("Executor.RunDetached", domain.ErrInvalidInput,
			fmt.Sprintf("transaction %q is already running", req.TransactionID))
	}
	e.running[req.TransactionID] = nil // reserve the slot
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.running, req.TransactionID)
		e.mu.Unlock()
	}

	// Persist the running record before the process exists. If the spool
	// cannot take it the attempt is aborted; an action nobody can ever
	// query must not run.
	if err := e.store.InitializeMetadata(req.TransactionID, md); err != nil {
		release()
		return err
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdout := newCaptureBuffer(e.cfg.OutputBufferMax)
	stderr := newCaptureBuffer(e.cfg.OutputBufferMax)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(req.Params) > 0 {
		cmd.Stdin = bytes.NewReader(req.Params)
	}

	if err := cmd.Start(); err != nil {
		release()
		e.markUndetermined(req.TransactionID, md)
		return domain.NewDomainError("Executor.RunDetached", err,
			strings.Join(command, " "))
	}
	e.mu.Lock()
	e.running[req.TransactionID] = cmd
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.store.WritePID(req.TransactionID, cmd.Process.Pid); err != nil {
		// The action is already running; losing the pid artifact degrades
		// later pid queries but is not fatal for the transaction.
		e.logger.Warn("failed to spool pid",
			"transaction_id", req.TransactionID, "error", err)
	}

	e.emit(context.Background(), domain.EventActionStarted, req.TransactionID, nil)
	e.logger.Info("detached action started",
		"transaction_id", req.TransactionID,
		"module", req.Module, "action", req.Action,
		"pid", cmd.Process.Pid)

	go e.monitor(cmd, req, md, stdout, stderr)
	return nil
}

// monitor waits for a detached process and lands its outcome in the spool:
// output artifacts first, exit code next, metadata status last.
func (e *Executor) monitor(cmd *exec.Cmd, req domain.ActionRequest, md spool.Metadata, stdout, stderr *captureBuffer) {
	defer e.wg.Done()

	waitErr := cmd.Wait()

	e.mu.Lock()
	delete(e.running, req.TransactionID)
	e.mu.Unlock()

	status := domain.ActionStatusSuccess
	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
		exitCode = exitErr.ExitCode()
		status = domain.ActionStatusFailure
	default:
		// Wait itself failed; there is no trustworthy exit code.
		exitCode = -1
		status = domain.ActionStatusUndetermined
	}

	if err := e.store.WriteOutput(req.TransactionID, stdout.Bytes(), stderr.Bytes(), exitCode); err != nil {
		e.logger.Error("failed to spool action output",
			"transaction_id", req.TransactionID, "error", err)
		status = domain.ActionStatusUndetermined
	}

	updated := spool.Metadata{}
	for k, v := range md {
		updated[k] = v
	}
	updated["status"] = status
	if err := e.store.UpdateMetadata(req.TransactionID, updated); err != nil {
		e.logger.Error("failed to update action metadata",
			"transaction_id", req.TransactionID, "error", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"status":   status,
		"exitcode": exitCode,
	})
	evtType := domain.EventActionCompleted
	if status != domain.ActionStatusSuccess {
		evtType = domain.EventActionFailed
	}
	e.emit(context.Background(), evtType, req.TransactionID, payload)

	e.logger.Info("detached action finished",
		"transaction_id", req.TransactionID, "status", status, "exitcode", exitCode)
}

func (e *Executor) markUndetermined(transactionID string, md spool.Metadata) {
	updated := spool.Metadata{}
	for k, v := range md {
		updated[k] = v
	}
	updated["status"] = domain.ActionStatusUndetermined
	if err := e.store.UpdateMetadata(transactionID, updated); err != nil {
		e.logger.Error("failed to mark transaction undetermined",
			"transaction_id", transactionID, "error", err)
	}
}

func (e *Executor) emit(ctx context.Context, t domain.EventType, transactionID string, payload json.RawMessage) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, domain.Event{
		Type:          t,
		Timestamp:     time.Now(),
		TransactionID: transactionID,
		Payload:       payload,
	})
}

// RunningCount returns the number of detached actions currently running.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Wait blocks until every detached action's monitor has landed its outcome
// in the spool, or the context expires. The processes themselves are not
// killed; a detached action belongs to its requester, not to the agent's
// lifetime.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
