// Package gateway orchestrates the mail processing cycle:
// fetch unseen → filter → parse → dispatch → reply → mark seen.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nhle/secretary/internal/command"
	"github.com/nhle/secretary/internal/filter"
	"github.com/nhle/secretary/internal/mail"
	"github.com/nhle/secretary/internal/model"
	"github.com/nhle/secretary/internal/retry"
)

// Mailbox is the receiving transport. FetchUnseen must not alter
// server-side seen flags; MarkSeen is the explicit, separate mutation.
type Mailbox interface {
	FetchUnseen(ctx context.Context) ([]model.Message, error)
	MarkSeen(ctx context.Context, uid uint32) error
}

// Sender is the outgoing transport.
type Sender interface {
	Send(ctx context.Context, reply model.Reply, inReplyTo string) error
}

// Options wires the gateway's collaborators and tunables.
type Options struct {
	Mailbox Mailbox
	Sender  Sender

	Rules      filter.Rules
	Parser     *command.Parser
	Dispatcher *Dispatcher

	Policy           retry.Policy
	OperationTimeout time.Duration
	PollInterval     time.Duration
	NotifyFailures   bool

	Logger *slog.Logger
}

// Gateway is the single sequential worker that processes the mailbox.
type Gateway struct {
	mailbox    Mailbox
	sender     Sender
	rules      filter.Rules
	parser     *command.Parser
	dispatcher *Dispatcher

	policy         retry.Policy
	opTimeout      time.Duration
	interval       time.Duration
	notifyFailures bool

	log *slog.Logger
}

// New creates a gateway from the given options.
func New(opts Options) *Gateway {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		mailbox:        opts.Mailbox,
		sender:         opts.Sender,
		rules:          opts.Rules,
		parser:         opts.Parser,
		dispatcher:     opts.Dispatcher,
		policy:         opts.Policy,
		opTimeout:      opts.OperationTimeout,
		interval:       opts.PollInterval,
		notifyFailures: opts.NotifyFailures,
		log:            opts.Logger,
	}
}

// ProcessOnce runs one full cycle over all currently unseen messages,
// in mailbox order, and returns the cycle counters. A message is marked
// seen only after a processing result exists for it; messages whose
// dispatch fails stay unseen and are retried on the next cycle.
func (g *Gateway) ProcessOnce(ctx context.Context) (model.CycleSummary, error) {
	var summary model.CycleSummary

	g.log.Info("cycle started")

	var messages []model.Message
	err := g.withRetry(ctx, "fetch_unseen", func(opCtx context.Context) error {
		var fetchErr error
		messages, fetchErr = g.mailbox.FetchUnseen(opCtx)
		return fetchErr
	})
	if err != nil {
		return summary, fmt.Errorf("fetching unseen mail: %w", err)
	}
	summary.Fetched = len(messages)

	for _, msg := range messages {
		g.processMessage(ctx, msg, &summary)
	}

	g.log.Info("cycle complete",
		"fetched", summary.Fetched,
		"whitelisted", summary.Whitelisted,
		"dispatched", summary.Dispatched,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
	)
	return summary, nil
}

func (g *Gateway) processMessage(ctx context.Context, msg model.Message, summary *model.CycleSummary) {
	if !g.rules.Accept(msg.From, msg.Subject) {
		g.log.Debug("message not whitelisted",
			"uid", msg.UID, "from", msg.From, "subject", msg.Subject)
		return
	}
	summary.Whitelisted++

	cmd, err := g.parser.Parse(msg)
	if err != nil {
		// Passed the whitelist but carries no known command. Left
		// unseen, no reply, cycle continues.
		g.log.Warn("subject did not parse", "uid", msg.UID, "error", err)
		return
	}
	if cmd.RawArgument != "" {
		g.log.Warn("ignoring trailing subject text",
			"uid", msg.UID, "argument", cmd.RawArgument)
	}

	summary.Dispatched++
	result := g.dispatcher.Dispatch(ctx, cmd)

	if !result.OK {
		summary.Failed++
		g.log.Error("dispatch failed",
			"uid", msg.UID, "verb", cmd.Verb, "outcome", result.Outcome)
		if g.notifyFailures {
			notice := model.Reply{
				To:      msg.From,
				Subject: "错误 处理失败",
				Body:    result.Outcome,
			}
			// Best effort: a failed notice must not cascade.
			if sendErr := g.sendReply(ctx, notice, msg.MessageID); sendErr != nil {
				g.log.Warn("failure notice not sent", "uid", msg.UID, "error", sendErr)
			}
		}
		return
	}

	summary.Succeeded++
	g.log.Info("message processed",
		"uid", msg.UID, "verb", cmd.Verb, "outcome", result.Outcome)

	if result.Reply != nil {
		if sendErr := g.sendReply(ctx, *result.Reply, msg.MessageID); sendErr != nil {
			// The action already succeeded; its durability is the
			// contract, not the notification.
			g.log.Error("reply not sent", "uid", msg.UID, "error", sendErr)
		}
	}

	if markErr := g.withRetry(ctx, "mark_seen", func(opCtx context.Context) error {
		return g.mailbox.MarkSeen(opCtx, msg.UID)
	}); markErr != nil {
		g.log.Error("message not marked seen, it will be reprocessed",
			"uid", msg.UID, "error", markErr)
	}
}

func (g *Gateway) sendReply(ctx context.Context, reply model.Reply, inReplyTo string) error {
	return g.withRetry(ctx, "send_reply", func(opCtx context.Context) error {
		return g.sender.Send(opCtx, reply, inReplyTo)
	})
}

// withRetry runs one transport operation under the per-operation
// timeout and the retry policy. Authentication errors short-circuit:
// retrying cannot fix bad credentials.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, g.policy, func() error {
		attempt++
		opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
		defer cancel()

		err := fn(opCtx)
		if err == nil {
			return nil
		}
		if mail.IsAuthError(err) {
			return retry.Stop(err)
		}
		if attempt < g.policy.MaxAttempts {
			g.log.Warn("transport operation failed, will retry",
				"op", op, "attempt", attempt, "delay", g.policy.Delay(attempt+1), "error", err)
		}
		return err
	})
}

// Run repeats ProcessOnce at the configured interval. The stop signal
// is observed only between cycles, so an in-flight cycle always runs to
// completion. A fatal transport error (rejected authentication) stops
// the loop and is returned to the operator instead of looping forever.
func (g *Gateway) Run(ctx context.Context) error {
	g.log.Info("gateway started", "interval", g.interval)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		// The cycle is shielded from cancellation; stop is honored at
		// the select below.
		if _, err := g.ProcessOnce(context.WithoutCancel(ctx)); err != nil {
			if mail.IsAuthError(err) {
				g.log.Error("authentication rejected, stopping", "error", err)
				return err
			}
			g.log.Error("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			g.log.Info("gateway stopped")
			return nil
		case <-ticker.C:
		}
	}
}
