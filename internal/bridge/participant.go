// Package bridge runs an AI participant: a relay client that joins a
// session as userType "ai", follows the human conversation and answers
// through the completion collaborator.
package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dkeye/parley/internal/ai"
	"github.com/dkeye/parley/internal/client/conn"
	"github.com/dkeye/parley/internal/domain"
	"github.com/dkeye/parley/internal/protocol"
)

// Completer is the collaborator boundary; ai.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []ai.Message, opts ai.Options) (string, error)
}

type chatSender interface {
	SendJSON(v any) bool
}

type Config struct {
	SessionID    string
	Name         string
	SystemPrompt string
	HistoryLimit int // transcript entries kept, excluding the system prompt
	Temperature  float64
	MaxTokens    int
}

type Participant struct {
	cfg       Config
	mgr       *conn.Manager
	sender    chatSender
	completer Completer
	log       zerolog.Logger

	ctx context.Context

	mu      sync.Mutex
	selfID  string
	history []ai.Message
}

func New(cfg Config, mgr *conn.Manager, completer Completer, logger zerolog.Logger) *Participant {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	return &Participant{cfg: cfg, mgr: mgr, sender: mgr, completer: completer, log: logger}
}

// Run joins the session and answers until ctx is done.
func (p *Participant) Run(ctx context.Context) {
	p.ctx = ctx
	p.mgr.OnMessage(p.handle)
	p.mgr.SetSessionTarget(protocol.Join{
		SessionID:   p.cfg.SessionID,
		DisplayName: p.cfg.Name,
		UserType:    string(domain.UserTypeAI),
	})
	p.mgr.Connect()
	<-ctx.Done()
	p.mgr.Disconnect()
}

func (p *Participant) handle(data []byte) {
	kind, err := protocol.PeekKind(data)
	if err != nil {
		return
	}
	switch kind {
	case protocol.KindJoined:
		var m protocol.Joined
		if json.Unmarshal(data, &m) == nil {
			p.mu.Lock()
			p.selfID = m.UserID
			p.mu.Unlock()
			p.log.Info().Str("module", "bridge").Str("session", m.SessionID).Msg("ai participant joined")
		}
	case protocol.KindChat:
		var ev protocol.ChatEvent
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		p.onChat(ev)
	}
}

func (p *Participant) onChat(ev protocol.ChatEvent) {
	p.mu.Lock()
	if ev.UserID == p.selfID {
		// our own broadcast coming back; keep it as assistant context
		p.appendLocked(ai.Message{Role: "assistant", Content: ev.Content})
		p.mu.Unlock()
		return
	}
	p.appendLocked(ai.Message{Role: "user", Content: ev.DisplayName + ": " + ev.Content})
	transcript := p.transcriptLocked()
	p.mu.Unlock()

	if ev.MessageType != "human" {
		return
	}
	go p.respond(transcript)
}

func (p *Participant) respond(transcript []ai.Message) {
	ctx := p.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	opts := ai.Options{}
	if p.cfg.Temperature > 0 {
		t := p.cfg.Temperature
		opts.Temperature = &t
	}
	if p.cfg.MaxTokens > 0 {
		m := p.cfg.MaxTokens
		opts.MaxTokens = &m
	}

	text, err := p.completer.Complete(ctx, transcript, opts)
	if err != nil {
		p.log.Error().Err(err).Str("module", "bridge").Msg("completion failed")
		p.sender.SendJSON(protocol.ChatSend{
			Type:        protocol.KindChat,
			Content:     "I could not produce a reply: " + err.Error(),
			MessageType: "system",
		})
		return
	}
	if !p.sender.SendJSON(protocol.ChatSend{
		Type:        protocol.KindChat,
		Content:     text,
		MessageType: "ai",
	}) {
		p.log.Warn().Str("module", "bridge").Msg("reply dropped, channel down")
	}
}

// appendLocked keeps the transcript bounded. Caller holds the lock.
func (p *Participant) appendLocked(m ai.Message) {
	p.history = append(p.history, m)
	if len(p.history) > p.cfg.HistoryLimit {
		p.history = p.history[len(p.history)-p.cfg.HistoryLimit:]
	}
}

func (p *Participant) transcriptLocked() []ai.Message {
	out := make([]ai.Message, 0, len(p.history)+1)
	if p.cfg.SystemPrompt != "" {
		out = append(out, ai.Message{Role: "system", Content: p.cfg.SystemPrompt})
	}
	return append(out, p.history...)
}
