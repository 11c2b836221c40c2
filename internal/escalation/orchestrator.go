package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/irisorigin/iris/internal/ai"
	"github.com/irisorigin/iris/internal/channel"
	"github.com/irisorigin/iris/internal/conversation"
	"github.com/irisorigin/iris/internal/outbound"
	"github.com/irisorigin/iris/internal/queue"
)

// AccountGetter resolves the platform account a conversation belongs to.
type AccountGetter interface {
	GetAccountByID(ctx context.Context, id string) (channel.Account, error)
}

// Notifier is told when a conversation is handed to a human. Implementations
// page an agent desk, post to a channel, or just log.
type Notifier interface {
	NotifyHandoff(ctx context.Context, conv conversation.Conversation, reason string)
}

// LogNotifier is the default Notifier; it records handoffs in the log.
type LogNotifier struct {
	Logger *slog.Logger
}

// NotifyHandoff logs the handoff.
func (n LogNotifier) NotifyHandoff(ctx context.Context, conv conversation.Conversation, reason string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("conversation handed off",
		slog.String("conversation_id", conv.ID),
		slog.String("platform", conv.Platform.String()),
		slog.String("reason", reason))
}

// Options tunes the orchestrator's worker pool and reply behavior.
type Options struct {
	Workers      int
	Lease        time.Duration
	PollInterval time.Duration
	HistoryTurns int
	// ProcessEscalated keeps analyzing messages in escalated conversations
	// while suppressing the automatic reply.
	ProcessEscalated bool
	SendHandoffAck   bool
	FallbackText     string
	HandoffAckText   string
	AITimeout        time.Duration
	SendTimeout      time.Duration
}

// Orchestrator runs the processing workers: it leases jobs, asks the model
// for a completion, applies the escalation policy, and either replies or
// hands the conversation to a human.
type Orchestrator struct {
	logger    *slog.Logger
	store     conversation.Store
	accounts  AccountGetter
	jobs      queue.Queue
	completer ai.Completer
	sender    outbound.Sender
	cache     *outbound.Cache
	policy    Policy
	notifier  Notifier
	opts      Options

	wg sync.WaitGroup
}

// NewOrchestrator wires the processing pipeline together.
func NewOrchestrator(
	log *slog.Logger,
	store conversation.Store,
	accounts AccountGetter,
	jobs queue.Queue,
	completer ai.Completer,
	sender outbound.Sender,
	cache *outbound.Cache,
	policy Policy,
	notifier Notifier,
	opts Options,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Lease <= 0 {
		opts.Lease = time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 10
	}
	if opts.AITimeout <= 0 {
		opts.AITimeout = 2 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: log}
	}
	return &Orchestrator{
		logger:    log.With(slog.String("service", "escalation")),
		store:     store,
		accounts:  accounts,
		jobs:      jobs,
		completer: completer,
		sender:    sender,
		cache:     cache,
		policy:    policy,
		notifier:  notifier,
		opts:      opts,
	}
}

// Run starts the worker pool and blocks until the context is cancelled and
// all in-flight jobs settle.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.workerLoop(ctx, workerID)
		}()
	}
	o.wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		job, ok, err := o.jobs.Dequeue(ctx, workerID, o.opts.Lease)
		if err != nil {
			o.logger.Error("dequeue failed", slog.String("worker", workerID), slog.Any("error", err))
		}
		if ok {
			o.handleJob(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// handleJob settles one leased job. Processing errors release the job for a
// retry; an exhausted job triggers the fallback path.
func (o *Orchestrator) handleJob(ctx context.Context, job queue.Job) {
	err := o.ProcessJob(ctx, job)
	if err == nil {
		if ackErr := o.jobs.Ack(ctx, job.ID); ackErr != nil {
			o.logger.Error("ack failed", slog.String("job_id", job.ID), slog.Any("error", ackErr))
		}
		return
	}

	o.logger.Warn("job attempt failed",
		slog.String("job_id", job.ID),
		slog.Int("attempt", job.AttemptCount),
		slog.Any("error", err))
	failed, failErr := o.jobs.Fail(ctx, job.ID, err.Error())
	if failErr != nil {
		o.logger.Error("fail transition failed", slog.String("job_id", job.ID), slog.Any("error", failErr))
		return
	}
	if failed.Status == queue.StatusFailed {
		o.handleExhausted(ctx, failed)
	}
}

// ProcessJob runs the full analysis for one message. Exported so tests can
// drive it without the worker pool.
func (o *Orchestrator) ProcessJob(ctx context.Context, job queue.Job) error {
	conv, err := o.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	// A customer writing into a closed conversation reopens it.
	if conv.Status == conversation.StatusClosed {
		conv, err = o.store.UpdateStatus(ctx, conv.ID, conversation.StatusActive, "")
		if err != nil {
			return fmt.Errorf("reopen conversation: %w", err)
		}
	}

	suppressed := conv.Status == conversation.StatusEscalated || !conv.AIEnabled
	if suppressed && !o.opts.ProcessEscalated {
		return o.store.SetMessageProcessing(ctx, job.MessageID, conversation.ProcessingCompleted, "", nil)
	}

	if err := o.store.SetMessageProcessing(ctx, job.MessageID, conversation.ProcessingInProgress, "", nil); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	// Loaded directly so a busy conversation pushing the message out of the
	// recent window between enqueue and processing cannot fail the job.
	current, err := o.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	history, err := o.store.RecentMessages(ctx, conv.ID, o.opts.HistoryTurns)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	turns := make([]ai.Turn, 0, len(history))
	for _, msg := range history {
		if msg.ID == current.ID {
			continue
		}
		role := ai.RoleAssistant
		if msg.SenderType == conversation.SenderUser {
			role = ai.RoleUser
		}
		turns = append(turns, ai.Turn{Role: role, Content: msg.Content})
	}

	completion, err := o.complete(ctx, conv, current, turns)
	if err != nil {
		return err
	}

	decision := o.policy.Evaluate(completion)
	sentiment := completion.SentimentScore
	if err := o.store.SetMessageProcessing(ctx, job.MessageID,
		conversation.ProcessingCompleted, completion.Intent, &sentiment); err != nil {
		o.logger.Warn("record analysis failed", slog.String("message_id", job.MessageID), slog.Any("error", err))
	}

	if decision.Escalate {
		return o.escalate(ctx, conv, current, decision.Reason)
	}
	if suppressed {
		// Analysis recorded; a human owns the reply.
		return nil
	}
	if strings.TrimSpace(completion.Reply) == "" {
		return o.escalate(ctx, conv, current, ReasonLowConfidence)
	}
	return o.reply(ctx, conv, current, completion.Reply, completion.QuickReplies)
}

// complete asks the model, short-circuiting through the response cache for
// repeated identical prompts with no conversation history.
func (o *Orchestrator) complete(ctx context.Context, conv conversation.Conversation, msg conversation.Message, turns []ai.Turn) (ai.Completion, error) {
	cacheable := o.cache != nil && len(turns) == 0 && strings.TrimSpace(msg.Content) != ""
	cacheKey := "reply:" + conv.Platform.String() + ":" + strings.ToLower(strings.TrimSpace(msg.Content))
	if cacheable {
		if cached, ok := o.cache.Get(cacheKey); ok {
			return ai.Completion{Reply: cached, Confidence: 1}, nil
		}
	}

	aiCtx, cancel := context.WithTimeout(ctx, o.opts.AITimeout)
	defer cancel()
	completion, err := o.completer.Complete(aiCtx, ai.Request{
		ConversationID: conv.ID,
		Message:        msg.Content,
		History:        turns,
	})
	if err != nil {
		return ai.Completion{}, fmt.Errorf("completion: %w", err)
	}

	if cacheable && !o.policy.Evaluate(completion).Escalate {
		o.cache.Set(cacheKey, completion.Reply)
	}
	return completion, nil
}

// escalate moves the conversation to a human and optionally acknowledges
// the customer.
func (o *Orchestrator) escalate(ctx context.Context, conv conversation.Conversation, msg conversation.Message, reason string) error {
	if conv.Status != conversation.StatusEscalated {
		updated, err := o.store.UpdateStatus(ctx, conv.ID, conversation.StatusEscalated, reason)
		if err != nil {
			return fmt.Errorf("escalate conversation: %w", err)
		}
		conv = updated
		o.notifier.NotifyHandoff(ctx, conv, reason)
		if o.opts.SendHandoffAck && o.opts.HandoffAckText != "" {
			if err := o.reply(ctx, conv, msg, o.opts.HandoffAckText, nil); err != nil {
				// The handoff itself succeeded; a lost ack is not worth a retry
				// that would re-run the whole analysis.
				o.logger.Warn("handoff ack not delivered",
					slog.String("conversation_id", conv.ID), slog.Any("error", err))
			}
		}
	}
	return nil
}

// reply sends one outbound text and records it. Permanent send failures are
// not retried; the conversation escalates since we cannot reach the user.
func (o *Orchestrator) reply(ctx context.Context, conv conversation.Conversation, msg conversation.Message, text string, quickReplies []string) error {
	account, err := o.accounts.GetAccountByID(ctx, conv.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	outMsg := channel.OutboundMessage{
		Platform:   conv.Platform,
		Recipient:  conv.ExternalConversationID,
		ReplyToken: msg.ReplyToken,
		Type:       channel.MessageText,
		Text:       text,
	}
	for _, qr := range quickReplies {
		if strings.TrimSpace(qr) == "" {
			continue
		}
		outMsg.QuickReplies = append(outMsg.QuickReplies, channel.QuickReplyOption{Label: qr, Payload: qr})
	}

	sendCtx, cancel := context.WithTimeout(ctx, o.opts.SendTimeout)
	defer cancel()
	err = o.sender.Send(sendCtx, account, outMsg)
	if err != nil {
		if errors.Is(err, outbound.ErrPermanent) {
			o.logger.Error("permanent send failure, escalating",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
			if _, stErr := o.store.UpdateStatus(ctx, conv.ID, conversation.StatusEscalated, ReasonRetriesExhausted); stErr != nil && !errors.Is(stErr, conversation.ErrInvalidTransition) {
				o.logger.Error("escalate after send failure failed",
					slog.String("conversation_id", conv.ID), slog.Any("error", stErr))
			}
			return nil
		}
		return fmt.Errorf("send reply: %w", err)
	}

	if _, err := o.store.RecordOutbound(ctx, conv.ID, conversation.SenderAI, text); err != nil {
		o.logger.Warn("record outbound failed",
			slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	return nil
}

// ReapExpired recovers jobs whose worker lease lapsed, typically after a
// crash. Requeued jobs retry as usual; a job that expired on its final
// attempt goes through the terminal failure path here, because no worker
// will ever pick it up again and the customer must still hear back.
func (o *Orchestrator) ReapExpired(ctx context.Context) error {
	exhausted, err := o.jobs.ReapExpired(ctx)
	if err != nil {
		return err
	}
	for _, job := range exhausted {
		o.handleExhausted(ctx, job)
	}
	return nil
}

// handleExhausted runs after a job burns its last attempt: the message is
// marked failed, the customer gets the fallback text, and the conversation
// escalates so a human follows up.
func (o *Orchestrator) handleExhausted(ctx context.Context, job queue.Job) {
	if err := o.store.SetMessageProcessing(ctx, job.MessageID, conversation.ProcessingFailed, "", nil); err != nil {
		o.logger.Warn("mark message failed", slog.String("message_id", job.MessageID), slog.Any("error", err))
	}
	conv, err := o.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		o.logger.Error("load conversation for fallback failed",
			slog.String("conversation_id", job.ConversationID), slog.Any("error", err))
		return
	}
	if conv.Status != conversation.StatusEscalated {
		updated, err := o.store.UpdateStatus(ctx, conv.ID, conversation.StatusEscalated, ReasonRetriesExhausted)
		if err != nil {
			o.logger.Error("forced escalation failed",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
		} else {
			conv = updated
			o.notifier.NotifyHandoff(ctx, conv, ReasonRetriesExhausted)
		}
	}
	if o.opts.FallbackText != "" {
		if err := o.reply(ctx, conv, conversation.Message{}, o.opts.FallbackText, nil); err != nil {
			o.logger.Warn("fallback text not delivered",
				slog.String("conversation_id", conv.ID), slog.Any("error", err))
		}
	}
}
