package app

import (
	"context"
	"time"
)

// CallInput describes one provider round-trip requested from the manager.
type CallInput struct {
	Kind      CallKind
	SessionID *int64
	Prompt    string
	VideoPath string
}

// CallOutcome is what the manager hands back: the provider result (nil when
// no request was sent) and the id of the committed audit row.
type CallOutcome struct {
	Result *ProviderResult
	CallID int64
	Err    error
}

type llmMessage struct {
	// exactly one of the following is set
	call      *CallInput
	newConfig *llmConfigUpdate
	getReply  chan llmConfigSnapshot

	ctx   context.Context
	reply chan CallOutcome
}

type llmConfigUpdate struct {
	provider string
	cfg      LLMConfig
	reply    chan error
}

type llmConfigSnapshot struct {
	Provider string
	Config   LLMConfig
}

// LLMManager serializes provider-config mutation and provider calls. One
// goroutine owns the config; calls queue FIFO on the message channel and at
// most one is in flight per manager (one manager per provider).
type LLMManager struct {
	store    *Store
	logger   *Logger
	requests chan llmMessage

	// owned by the actor goroutine
	provider string
	cfg      LLMConfig
}

func NewLLMManager(store *Store, logger *Logger, provider string, cfg LLMConfig) *LLMManager {
	return &LLMManager{
		store:    store,
		logger:   logger,
		requests: make(chan llmMessage, 16),
		provider: provider,
		cfg:      cfg,
	}
}

// Run serves messages until ctx is done.
func (m *LLMManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.requests:
			switch {
			case msg.newConfig != nil:
				m.provider = msg.newConfig.provider
				m.cfg = msg.newConfig.cfg
				msg.newConfig.reply <- nil
			case msg.getReply != nil:
				msg.getReply <- llmConfigSnapshot{Provider: m.provider, Config: m.cfg}
			case msg.call != nil:
				msg.reply <- m.doCall(msg.ctx, *msg.call)
			}
		}
	}
}

// UpdateConfig atomically replaces the provider configuration.
func (m *LLMManager) UpdateConfig(ctx context.Context, provider string, cfg LLMConfig) error {
	upd := &llmConfigUpdate{provider: provider, cfg: cfg, reply: make(chan error, 1)}
	select {
	case m.requests <- llmMessage{newConfig: upd}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-upd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config returns a snapshot of the active provider configuration.
func (m *LLMManager) Config(ctx context.Context) (string, LLMConfig, error) {
	reply := make(chan llmConfigSnapshot, 1)
	select {
	case m.requests <- llmMessage{getReply: reply}:
	case <-ctx.Done():
		return "", LLMConfig{}, ctx.Err()
	}
	select {
	case snap := <-reply:
		return snap.Provider, snap.Config, nil
	case <-ctx.Done():
		return "", LLMConfig{}, ctx.Err()
	}
}

// Call performs one provider round-trip. The audit row is committed before
// the outcome is returned; cancelling ctx abandons the in-flight request at
// the next suspension point.
func (m *LLMManager) Call(ctx context.Context, input CallInput) CallOutcome {
	msg := llmMessage{call: &input, ctx: ctx, reply: make(chan CallOutcome, 1)}
	select {
	case m.requests <- msg:
	case <-ctx.Done():
		return CallOutcome{Err: ctx.Err()}
	}
	select {
	case out := <-msg.reply:
		return out
	case <-ctx.Done():
		// The reply channel is buffered; the actor moves on regardless.
		return CallOutcome{Err: ctx.Err()}
	}
}

func (m *LLMManager) doCall(ctx context.Context, input CallInput) CallOutcome {
	if ctx == nil {
		ctx = context.Background()
	}
	client := NewProviderClient(m.provider, m.cfg)
	result, callErr := client.Complete(ctx, input.Kind, input.Prompt, input.VideoPath)

	record := LLMCall{
		SessionID:   input.SessionID,
		Provider:    m.provider,
		Model:       m.cfg.Model,
		Kind:        input.Kind,
		RequestBody: input.Prompt,
	}
	if result != nil {
		record.RequestBody = result.RequestBody
		record.RequestHeaders = result.RequestHeaders
		record.ResponseHeaders = result.ResponseHeaders
		if result.ResponseBody != "" {
			body := result.ResponseBody
			record.ResponseBody = &body
		}
		if result.Latency > 0 {
			ms := result.Latency.Milliseconds()
			record.LatencyMs = &ms
		}
		if result.TokenUsage != "" {
			usage := result.TokenUsage
			record.TokenUsage = &usage
		}
	}
	// Exactly one of status code or error text is recorded.
	if callErr != nil {
		msg := callErr.Error()
		record.ErrorMessage = &msg
	} else if result != nil {
		code := result.StatusCode
		record.StatusCode = &code
	}

	// Audit even when the requester has gone away.
	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.RecordCall(recordCtx, &record); err != nil {
		m.logger.Error("llm_call_record_failed", map[string]interface{}{"error": err.Error()})
	}

	return CallOutcome{Result: result, CallID: record.ID, Err: callErr}
}
