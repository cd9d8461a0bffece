package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	oyster "github.com/oysterlabs/oyster-gateway/internal"
	"github.com/oysterlabs/oyster-gateway/internal/attach"
	"github.com/oysterlabs/oyster-gateway/internal/provider"
	"github.com/oysterlabs/oyster-gateway/internal/quota"
	"github.com/oysterlabs/oyster-gateway/internal/storage"
	"github.com/oysterlabs/oyster-gateway/internal/telemetry"
)

// ChatService orchestrates chat turns: provider routing, history rebuild,
// quota gating, upstream calls, and persistence.
type ChatService struct {
	store    storage.Store
	registry *provider.Registry
	quota    *quota.Engine
	files    *attach.Pipeline
	metrics  *telemetry.Metrics // nil = no recording
	now      func() time.Time
}

// NewChatService wires a ChatService.
func NewChatService(store storage.Store, registry *provider.Registry, engine *quota.Engine, files *attach.Pipeline) *ChatService {
	return &ChatService{store: store, registry: registry, quota: engine, files: files, now: time.Now}
}

// WithMetrics enables upstream and usage metric recording.
func (s *ChatService) WithMetrics(m *telemetry.Metrics) *ChatService {
	s.metrics = m
	return s
}

// observeUpstream records call duration and, on failure, the upstream status.
func (s *ChatService) observeUpstream(name string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.UpstreamDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		status := "error"
		var ae *provider.APIError
		if errors.As(err, &ae) {
			status = strconv.Itoa(ae.StatusCode)
		}
		s.metrics.UpstreamErrors.WithLabelValues(name, status).Inc()
	}
}

func (s *ChatService) countTokens(name string, prompt, completion int) {
	if s.metrics == nil {
		return
	}
	s.metrics.TokensProcessed.WithLabelValues(name, "prompt").Add(float64(prompt))
	s.metrics.TokensProcessed.WithLabelValues(name, "completion").Add(float64(completion))
}

// CreateConversation opens a new thread. An optional system prompt is stored
// as the thread's first message so truncation can never drop it.
func (s *ChatService) CreateConversation(ctx context.Context, id *oyster.Identity, title, systemPrompt string) (*oyster.Conversation, error) {
	now := s.now().UTC()
	conv := &oyster.Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		DeviceToken: id.Token.Token,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	if systemPrompt != "" {
		msg := &oyster.Message{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv.ID,
			Role:           "system",
			Content:        systemPrompt,
			CreatedAt:      now,
		}
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

// resolve picks and fetches the provider adapter for a turn. A provider that
// passed tier routing but is absent from the registry is a deployment fault,
// surfaced as an upstream error rather than a 404.
func (s *ChatService) resolve(tier oyster.Tier, forced string) (oyster.Provider, error) {
	name, err := SelectProvider(tier, forced)
	if err != nil {
		return nil, err
	}
	p, err := s.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("provider %q not configured: %w", name, oyster.ErrUpstream)
	}
	return p, nil
}

// gate truncates the outbound messages to the tier's context window and
// checks the daily budget. Nothing is charged here.
func (s *ChatService) gate(ctx context.Context, id *oyster.Identity, msgs []oyster.ChatMessage) ([]oyster.ChatMessage, int, error) {
	msgs = quota.Truncate(msgs, id.Tier().Limits().MaxContextTokens)
	prompt := quota.RequestTokens(msgs)
	if err := s.quota.Gate(ctx, id.Token.Token, id.Tier(), prompt); err != nil {
		if s.metrics != nil && errors.Is(err, oyster.ErrQuotaExceeded) {
			s.metrics.QuotaRejects.WithLabelValues(string(id.Tier())).Inc()
		}
		return nil, 0, err
	}
	return msgs, prompt, nil
}

// Complete serves the one-shot OpenAI-compatible endpoint. Nothing is
// persisted beyond usage counters.
func (s *ChatService) Complete(ctx context.Context, id *oyster.Identity, req *oyster.ChatRequest, forced string) (*oyster.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty: %w", oyster.ErrBadRequest)
	}
	p, err := s.resolve(id.Tier(), forced)
	if err != nil {
		return nil, err
	}
	msgs, prompt, err := s.gate(ctx, id, req.Messages)
	if err != nil {
		return nil, err
	}

	out := *req
	out.Messages = msgs
	out.Tier = id.Tier()
	outCap := quota.OutputCap(id.Tier(), req.MaxTokens)
	out.MaxTokens = &outCap

	start := s.now()
	resp, err := p.Invoke(ctx, &out)
	s.observeUpstream(p.Name(), start, err)
	if err != nil {
		return nil, err
	}

	completion := 0
	if resp.Usage != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	} else if len(resp.Choices) > 0 {
		completion = quota.ApproxTokens(resp.Choices[0].Message.Content.PlainText())
	}
	if err := s.quota.Commit(ctx, id.Token.Token, prompt, completion); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}
	s.countTokens(p.Name(), prompt, completion)
	return resp, nil
}

// send delivers ev unless the consumer is gone. Every producer send goes
// through here so an abandoned stream can never park a goroutine on an
// unbuffered channel.
func send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// CompleteStream serves the one-shot endpoint with streaming enabled. Deltas
// arrive per rune; nothing is persisted beyond usage counters, so the
// terminal event carries no message ID.
func (s *ChatService) CompleteStream(ctx context.Context, id *oyster.Identity, req *oyster.ChatRequest, forced string) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		if len(req.Messages) == 0 {
			send(ctx, out, StreamEvent{Err: fmt.Errorf("messages must not be empty: %w", oyster.ErrBadRequest)})
			return
		}
		p, err := s.resolve(id.Tier(), forced)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}
		msgs, prompt, err := s.gate(ctx, id, req.Messages)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}

		up := *req
		up.Messages = msgs
		up.Tier = id.Tier()
		outCap := quota.OutputCap(id.Tier(), req.MaxTokens)
		up.MaxTokens = &outCap

		start := s.now()
		deltas, err := p.Stream(ctx, &up)
		s.observeUpstream(p.Name(), start, err)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}

		var content []rune
		for d := range deltas {
			if d.Err != nil {
				send(ctx, out, StreamEvent{Err: d.Err})
				return
			}
			if d.Done {
				break
			}
			for _, r := range d.Text {
				content = append(content, r)
				if !send(ctx, out, StreamEvent{Delta: string(r)}) {
					return
				}
			}
		}

		full := string(content)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		completion := quota.ApproxTokens(full)
		if err := s.quota.Commit(pctx, id.Token.Token, prompt, completion); err != nil {
			send(ctx, out, StreamEvent{Err: fmt.Errorf("commit usage: %w", err)})
			return
		}
		s.countTokens(p.Name(), prompt, completion)
		send(ctx, out, StreamEvent{Done: true, Content: full})
	}()
	return out
}

// turn is the prepared state shared by the streaming and non-streaming
// conversation paths.
type turn struct {
	provider oyster.Provider
	req      *oyster.ChatRequest
	prompt   int
	userMsg  *oyster.Message
}

const maxTurnMessage = 50_000

// validateTurn enforces the turn body contract: a message up to 50k
// characters, at most ten file IDs, no duplicates.
func validateTurn(text string, fileIDs []string) error {
	if text == "" && len(fileIDs) == 0 {
		return fmt.Errorf("message or file_ids required: %w", oyster.ErrBadRequest)
	}
	if len([]rune(text)) > maxTurnMessage {
		return fmt.Errorf("message exceeds %d characters: %w", maxTurnMessage, oyster.ErrBadRequest)
	}
	if len(fileIDs) > 10 {
		return fmt.Errorf("at most 10 file_ids per turn: %w", oyster.ErrBadRequest)
	}
	seen := make(map[string]struct{}, len(fileIDs))
	for _, fid := range fileIDs {
		if _, dup := seen[fid]; dup {
			return fmt.Errorf("duplicate file_id %q: %w", fid, oyster.ErrBadRequest)
		}
		seen[fid] = struct{}{}
	}
	return nil
}

// beginTurn rebuilds history, applies the user's assistant config, persists
// the user message, and then gates the request. The user turn is written
// before the quota check, so a rejected turn still appears in history.
func (s *ChatService) beginTurn(ctx context.Context, id *oyster.Identity, convID, text string, fileIDs []string, forced string) (*turn, error) {
	if err := validateTurn(text, fileIDs); err != nil {
		return nil, err
	}
	p, err := s.resolve(id.Tier(), forced)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetConversation(ctx, convID, id.Token.Token); err != nil {
		return nil, err
	}

	// Pre-resolve attachments so their metadata can be embedded in the stored
	// message. AppendUserTurn re-validates the set inside its transaction.
	var files []*oyster.ConversationFile
	for _, fid := range fileIDs {
		f, err := s.store.GetFile(ctx, fid, id.Token.Token)
		if err != nil {
			if errors.Is(err, oyster.ErrNotFound) {
				return nil, fmt.Errorf("unknown file_id %q: %w", fid, oyster.ErrBadRequest)
			}
			return nil, err
		}
		files = append(files, f)
	}

	history, err := s.rebuildHistory(ctx, convID)
	if err != nil {
		return nil, err
	}
	turnContent, err := s.files.BuildContent(text, files)
	if err != nil {
		return nil, err
	}
	history = append(history, oyster.ChatMessage{Role: "user", Content: turnContent})

	req := &oyster.ChatRequest{Messages: history, Tier: id.Tier()}
	if id.User != nil {
		cfg := ParseAIConfig(id.User.AIConfig)
		if sp := cfg.SystemPrompt(); sp != "" && !hasSystem(history) {
			req.Messages = append([]oyster.ChatMessage{
				{Role: "system", Content: oyster.TextContent(sp)},
			}, req.Messages...)
		}
		req.Temperature = cfg.Temperature
	}

	userMsg := &oyster.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		Role:           "user",
		Content:        attach.EncodeMeta(text, files),
		CreatedAt:      s.now().UTC(),
	}
	title := deriveTitle(text, files)
	if _, err := s.store.AppendUserTurn(ctx, convID, id.Token.Token, userMsg, fileIDs, title); err != nil {
		return nil, err
	}

	req.Messages, _, err = s.gate(ctx, id, req.Messages)
	if err != nil {
		return nil, err
	}
	prompt := quota.RequestTokens(req.Messages)
	outCap := quota.OutputCap(id.Tier(), nil)
	req.MaxTokens = &outCap

	return &turn{provider: p, req: req, prompt: prompt, userMsg: userMsg}, nil
}

// finishTurn persists the assistant reply and charges usage.
func (s *ChatService) finishTurn(ctx context.Context, id *oyster.Identity, convID, content string, prompt, completion int) (*oyster.Message, error) {
	msg := &oyster.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: convID,
		Role:           "assistant",
		Content:        content,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.store.AppendAssistantMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := s.quota.Commit(ctx, id.Token.Token, prompt, completion); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}
	return msg, nil
}

// ChatTurn runs a non-streaming conversation turn and returns the persisted
// assistant message.
func (s *ChatService) ChatTurn(ctx context.Context, id *oyster.Identity, convID, text string, fileIDs []string, forced string) (*oyster.Message, error) {
	t, err := s.beginTurn(ctx, id, convID, text, fileIDs, forced)
	if err != nil {
		return nil, err
	}
	start := s.now()
	resp, err := t.provider.Invoke(ctx, t.req)
	s.observeUpstream(t.provider.Name(), start, err)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty completion: %w", oyster.ErrUpstream)
	}

	content := resp.Choices[0].Message.Content.PlainText()
	prompt, completion := t.prompt, quota.ApproxTokens(content)
	if resp.Usage != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	msg, err := s.finishTurn(ctx, id, convID, content, prompt, completion)
	if err != nil {
		return nil, err
	}
	s.countTokens(t.provider.Name(), prompt, completion)
	return msg, nil
}

// StreamEvent is one increment of a streaming conversation turn.
type StreamEvent struct {
	Delta     string
	Done      bool
	MessageID string // set on the terminal Done event
	Content   string // set on the terminal Done event
	Err       error
}

// StreamTurn runs a streaming conversation turn. The returned channel always
// yields at least one event and is closed after a terminal Done or Err event.
// Errors after the user message is persisted arrive in-band; a turn that
// fails mid-stream persists no assistant message and charges nothing.
func (s *ChatService) StreamTurn(ctx context.Context, id *oyster.Identity, convID, text string, fileIDs []string, forced string) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)

		t, err := s.beginTurn(ctx, id, convID, text, fileIDs, forced)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}
		start := s.now()
		deltas, err := t.provider.Stream(ctx, t.req)
		s.observeUpstream(t.provider.Name(), start, err)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}

		var content []rune
		for d := range deltas {
			if d.Err != nil {
				send(ctx, out, StreamEvent{Err: d.Err})
				return
			}
			if d.Done {
				break
			}
			for _, r := range d.Text {
				content = append(content, r)
				if !send(ctx, out, StreamEvent{Delta: string(r)}) {
					return
				}
			}
		}

		full := string(content)
		// Persist with a context that survives client disconnect: the reply
		// was fully generated and charged either way.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		completion := quota.ApproxTokens(full)
		msg, err := s.finishTurn(pctx, id, convID, full, t.prompt, completion)
		if err != nil {
			send(ctx, out, StreamEvent{Err: err})
			return
		}
		s.countTokens(t.provider.Name(), t.prompt, completion)
		send(ctx, out, StreamEvent{Done: true, MessageID: msg.ID, Content: full})
	}()
	return out
}

func hasSystem(msgs []oyster.ChatMessage) bool {
	for _, m := range msgs {
		if m.Role == "system" {
			return true
		}
	}
	return false
}
