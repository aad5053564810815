// Package processor turns inbound broker envelopes into action runs and
// store queries, and turns detached-action completions into notifications.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"errand/internal/adapter/connector"
	"errand/internal/domain"
	"errand/internal/spool"
	"errand/internal/usecase/executor"
	"errand/internal/usecase/modules"
)

const tracerName = "errand/processor"

// Sender pushes envelopes back to the broker.
type Sender interface {
	Send(ctx context.Context, env connector.Envelope) error
}

// Processor handles the agent's request traffic.
type Processor struct {
	registry *modules.Registry
	exec     *executor.Executor
	store    *spool.Store
	sender   Sender
	logger   *slog.Logger
	tracer   trace.Tracer
	unsub    func()
}

// New creates a processor and subscribes it to action completion events so
// requesters that asked for notification get one.
func New(registry *modules.Registry, exec *executor.Executor, store *spool.Store,
	sender Sender, bus domain.EventBus, logger *slog.Logger) *Processor {

	p := &Processor{
		registry: registry,
		exec:     exec,
		store:    store,
		sender:   sender,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}

	unsubDone := bus.Subscribe(domain.EventActionCompleted, p.onActionFinished)
	unsubFail := bus.Subscribe(domain.EventActionFailed, p.onActionFinished)
	p.unsub = func() {
		unsubDone()
		unsubFail()
	}
	return p
}

// Register wires the processor's handlers into the connector.
func (p *Processor) Register(c *connector.Connector) {
	c.Handle(connector.MessageActionRequest, p.HandleActionRequest)
	c.Handle(connector.MessageStatusRequest, p.HandleStatusRequest)
}

// Close detaches the processor from the event bus.
func (p *Processor) Close() {
	if p.unsub != nil {
		p.unsub()
	}
}

// actionResponse is the data payload of response and non_blocking_response
// envelopes.
type actionResponse struct {
	TransactionID string `json:"transaction_id"`
	RequestID     string `json:"request_id,omitempty"`
	Status        string `json:"status,omitempty"`
	ExitCode      *int   `json:"exitcode,omitempty"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	PID           *int   `json:"pid,omitempty"`
}

// HandleActionRequest runs one action request envelope.
func (p *Processor) HandleActionRequest(ctx context.Context, env connector.Envelope) {
	ctx, span := p.tracer.Start(ctx, "action_request")
	defer span.End()

	var req domain.ActionRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		p.replyError(ctx, env, "", "malformed action request: "+err.Error())
		return
	}
	if req.Requester == "" {
		req.Requester = env.Sender
	}
	if req.TransactionID == "" {
		p.replyError(ctx, env, "", "missing transaction_id")
		return
	}
	span.SetAttributes(
		attribute.String("transaction_id", req.TransactionID),
		attribute.String("module", req.Module),
		attribute.String("action", req.Action),
	)

	act, err := p.registry.Resolve(req.Module, req.Action)
	if err != nil {
		p.replyError(ctx, env, req.TransactionID, err.Error())
		return
	}
	if err := act.ValidateParams(req.Params); err != nil {
		p.replyError(ctx, env, req.TransactionID, err.Error())
		return
	}

	switch req.Type {
	case domain.RequestTypeNonBlocking:
		p.runDetached(ctx, env, act, req)
	case domain.RequestTypeBlocking, "":
		p.runBlocking(ctx, env, act, req)
	default:
		p.replyError(ctx, env, req.TransactionID,
			fmt.Sprintf("unsupported request type %q", req.Type))
	}
}

func (p *Processor) runBlocking(ctx context.Context, env connector.Envelope,
	act *modules.Action, req domain.ActionRequest) {

	out, err := p.exec.RunBlocking(ctx, act.Command, req)
	if err != nil {
		p.replyError(ctx, env, req.TransactionID, err.Error())
		return
	}
	p.reply(ctx, connector.MessageResponse, env.Sender, actionResponse{
		TransactionID: req.TransactionID,
		RequestID:     req.RequestID,
		ExitCode:      &out.ExitCode,
		Stdout:        out.Stdout,
		Stderr:        out.Stderr,
	})
}

func (p *Processor) runDetached(ctx context.Context, env connector.Envelope,
	act *modules.Action, req domain.ActionRequest) {

	md := metadataFor(req)
	if err := p.exec.RunDetached(act.Command, req, md); err != nil {
		p.replyError(ctx, env, req.TransactionID, err.Error())
		return
	}
	// The real answer comes later, through the spool; acknowledge receipt.
	p.reply(ctx, connector.MessageProvisional, env.Sender, actionResponse{
		TransactionID: req.TransactionID,
		RequestID:     req.RequestID,
		Status:        domain.ActionStatusRunning,
	})
}

// metadataFor builds the initial spool document for a detached action.
func metadataFor(req domain.ActionRequest) spool.Metadata {
	return spool.Metadata{
		"requester":      req.Requester,
		"module":         req.Module,
		"action":         req.Action,
		"request_params": string(req.Params),
		"transaction_id": req.TransactionID,
		"request_id":     req.RequestID,
		"notify_outcome": req.NotifyOutcome,
		"start":          time.Now().UTC().Format(time.RFC3339),
		"status":         domain.ActionStatusRunning,
	}
}

// statusQuery is the data payload of a status_request envelope.
type statusQuery struct {
	TransactionID string `json:"transaction_id"`
}

// HandleStatusRequest answers "is this transaction known, what is its
// status, what did it produce" from the spool alone. It works identically
// before and after an agent restart; the spool is the only state consulted.
func (p *Processor) HandleStatusRequest(ctx context.Context, env connector.Envelope) {
	ctx, span := p.tracer.Start(ctx, "status_request")
	defer span.End()

	var q statusQuery
	if err := json.Unmarshal(env.Data, &q); err != nil || q.TransactionID == "" {
		p.replyError(ctx, env, "", "malformed status request")
		return
	}
	span.SetAttributes(attribute.String("transaction_id", q.TransactionID))

	if !p.store.Find(q.TransactionID) {
		p.reply(ctx, connector.MessageResponse, env.Sender, actionResponse{
			TransactionID: q.TransactionID,
			Status:        domain.ActionStatusUnknown,
		})
		return
	}

	md, err := p.store.ActionMetadata(q.TransactionID)
	if err != nil {
		p.replyError(ctx, env, q.TransactionID, err.Error())
		return
	}

	resp := actionResponse{
		TransactionID: q.TransactionID,
		RequestID:     md.RequestID(),
		Status:        md.Status(),
	}
	if pid, err := p.store.PID(q.TransactionID); err == nil {
		resp.PID = &pid
	} else if spool.IsKind(err, spool.KindInvalidPID) {
		p.logger.Warn("ignoring malformed pid artifact",
			"transaction_id", q.TransactionID, "error", err)
	}

	if md.Status() != domain.ActionStatusRunning {
		out, err := p.store.Output(q.TransactionID)
		if err != nil {
			// A terminal transaction without a readable exit code is
			// malformed; running transactions legitimately have no output
			// yet, but this one will never get it.
			p.replyError(ctx, env, q.TransactionID, err.Error())
			return
		}
		resp.ExitCode = &out.ExitCode
		resp.Stdout = out.Stdout
		resp.Stderr = out.Stderr
	}
	p.reply(ctx, connector.MessageResponse, env.Sender, resp)
}

// onActionFinished pushes a completion notification for detached actions
// whose requester asked for one.
func (p *Processor) onActionFinished(ctx context.Context, evt domain.Event) {
	md, err := p.store.ActionMetadata(evt.TransactionID)
	if err != nil {
		p.logger.Error("cannot read metadata for finished action",
			"transaction_id", evt.TransactionID, "error", err)
		return
	}
	if !md.NotifyOutcome() {
		return
	}

	resp := actionResponse{
		TransactionID: evt.TransactionID,
		RequestID:     md.RequestID(),
		Status:        md.Status(),
	}
	if out, err := p.store.Output(evt.TransactionID); err == nil {
		resp.ExitCode = &out.ExitCode
		resp.Stdout = out.Stdout
		resp.Stderr = out.Stderr
	}

	env, err := connector.NewEnvelope(connector.MessageNonBlockingResponse, md.Requester(), resp)
	if err != nil {
		p.logger.Error("encode notification", "error", err)
		return
	}
	if err := p.sender.Send(ctx, env); err != nil {
		p.logger.Warn("failed to deliver completion notification",
			"transaction_id", evt.TransactionID,
			"requester", md.Requester(), "error", err)
		return
	}
	p.logger.Info("delivered completion notification",
		"transaction_id", evt.TransactionID, "status", md.Status())
}

func (p *Processor) reply(ctx context.Context, t connector.MessageType, target string, data any) {
	env, err := connector.NewEnvelope(t, target, data)
	if err != nil {
		p.logger.Error("encode reply", "type", string(t), "error", err)
		return
	}
	if err := p.sender.Send(ctx, env); err != nil {
		p.logger.Warn("failed to send reply", "type", string(t), "error", err)
	}
}

func (p *Processor) replyError(ctx context.Context, in connector.Envelope,
	transactionID, description string) {

	p.logger.Warn("rejecting request",
		"envelope_id", in.ID, "transaction_id", transactionID, "reason", description)
	env, err := connector.NewEnvelope(connector.MessageError, in.Sender, connector.ErrorData{
		InReplyTo:     in.ID,
		TransactionID: transactionID,
		Description:   description,
	})
	if err != nil {
		return
	}
	if err := p.sender.Send(ctx, env); err != nil && !errors.Is(err, domain.ErrBrokerUnavailable) {
		p.logger.Warn("failed to send error reply", "in_reply_to", in.ID, "error", err)
	}
}
