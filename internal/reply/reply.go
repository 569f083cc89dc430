// Package reply turns user utterances into streamed reply text.
//
// A [Responder] keeps a short conversation memory, asks an [llm.Provider]
// for a streamed completion and pushes the text into a [Target] as it
// arrives. Only one turn runs at a time: a new utterance or an interrupt
// cancels the turn in flight, and a cancelled turn never pushes again.
package reply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/murmur/internal/observe"
	"github.com/MrWong99/murmur/pkg/provider/llm"
)

// Target receives reply text. *session.Orchestrator satisfies it.
type Target interface {
	PushTextChunk(text string) error
	FinishTurn() error
}

// Option configures a [Responder].
type Option func(*Responder)

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(r *Responder) { r.systemPrompt = prompt }
}

// WithHistoryTurns bounds the remembered exchanges. Default: 8.
func WithHistoryTurns(n int) Option {
	return func(r *Responder) {
		if n > 0 {
			r.maxTurns = n
		}
	}
}

// WithSampling sets temperature and the completion token cap. Zero keeps the
// provider default.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(r *Responder) {
		r.temperature = temperature
		r.maxTokens = maxTokens
	}
}

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Responder) { r.metrics = m }
}

// Responder answers utterances. Create it with [New]; it is safe for
// concurrent use.
type Responder struct {
	provider    llm.Provider
	target      Target
	metrics     *observe.Metrics
	maxTurns    int
	temperature float64
	maxTokens   int

	mu           sync.Mutex
	systemPrompt string
	history      []llm.Message
	turn         uint64
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a Responder that streams provider replies into target. With a
// nil provider it echoes each utterance back.
func New(provider llm.Provider, target Target, opts ...Option) *Responder {
	r := &Responder{
		provider: provider,
		target:   target,
		maxTurns: 8,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Respond starts a reply to utterance, cancelling any turn in flight. It
// returns immediately; the reply streams on its own goroutine bounded by ctx.
func (r *Responder) Respond(ctx context.Context, utterance string) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return
	}

	r.mu.Lock()
	r.cancelLocked()
	r.turn++
	turn := r.turn
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	req := llm.CompletionRequest{
		SystemPrompt: r.systemPrompt,
		Messages:     append(r.historyLocked(), llm.Message{Role: llm.RoleUser, Content: utterance}),
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, turn, req)
	}()
}

// Interrupt cancels the turn in flight. The text pushed so far stays in the
// conversation memory.
func (r *Responder) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

// SetSystemPrompt replaces the system prompt for later turns.
func (r *Responder) SetSystemPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemPrompt = prompt
}

// History returns a copy of the remembered conversation, oldest first.
func (r *Responder) History() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.historyLocked()
}

// Wait blocks until no turn is running.
func (r *Responder) Wait() {
	r.wg.Wait()
}

// Close cancels the turn in flight and waits for it to finish.
func (r *Responder) Close() {
	r.Interrupt()
	r.wg.Wait()
}

func (r *Responder) cancelLocked() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	// A bumped turn number silences a goroutine that has not seen the
	// cancellation yet.
	r.turn++
}

func (r *Responder) historyLocked() []llm.Message {
	return append([]llm.Message(nil), r.history...)
}

// run streams one turn. Every push is made under r.mu after checking that
// the turn is still current.
func (r *Responder) run(ctx context.Context, turn uint64, req llm.CompletionRequest) {
	utterance := req.Messages[len(req.Messages)-1].Content
	ctx, span := observe.StartTurnSpan(ctx, turn)
	defer span.End()
	log := observe.Logger(ctx)
	var spoken strings.Builder

	push := func(text string) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.turn != turn {
			return false
		}
		if err := r.target.PushTextChunk(text); err != nil {
			log.Debug("reply: target rejected text", "err", err)
			r.cancelLocked()
			return false
		}
		spoken.WriteString(text)
		return true
	}

	finish := func(complete bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		current := r.turn == turn
		if current {
			if err := r.target.FinishTurn(); err != nil {
				log.Debug("reply: finish turn rejected", "err", err)
			}
		}
		if complete || spoken.Len() > 0 {
			r.rememberLocked(utterance, spoken.String())
		}
	}

	if r.provider == nil {
		if push(utterance) {
			finish(true)
		}
		return
	}

	start := time.Now()
	ch, err := r.provider.StreamCompletion(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("reply: completion failed", "err", err)
		}
		finish(false)
		return
	}

	first := true
	ok := true
	for chunk := range ch {
		if chunk.Err != nil {
			log.Warn("reply: stream failed", "err", chunk.Err)
			ok = false
			continue
		}
		if chunk.Text == "" || !ok {
			continue
		}
		if first {
			first = false
			r.metrics.ReplyFirstChunk.Record(ctx, time.Since(start).Seconds())
		}
		if !push(chunk.Text) {
			ok = false
			// Drain so the provider goroutine can exit.
			continue
		}
	}

	if ctx.Err() != nil {
		ok = false
	}
	finish(ok)
}

// rememberLocked appends one exchange and drops the oldest beyond the bound.
func (r *Responder) rememberLocked(user, assistant string) {
	r.history = append(r.history, llm.Message{Role: llm.RoleUser, Content: user})
	if assistant != "" {
		r.history = append(r.history, llm.Message{Role: llm.RoleAssistant, Content: assistant})
	}
	// Trim from the front, always starting at a user message.
	for r.countTurns() > r.maxTurns {
		i := 1
		for i < len(r.history) && r.history[i].Role != llm.RoleUser {
			i++
		}
		r.history = r.history[i:]
	}
}

func (r *Responder) countTurns() int {
	n := 0
	for _, m := range r.history {
		if m.Role == llm.RoleUser {
			n++
		}
	}
	return n
}
