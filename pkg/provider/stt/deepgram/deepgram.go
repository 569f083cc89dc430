// Package deepgram provides a Deepgram-backed [stt.Recognizer] using the
// Deepgram streaming WebSocket API.
//
// Each recognizer run opens one WebSocket, streams PCM from an [audio.Source]
// and turns Deepgram's Results messages into the cumulative result array the
// stt package describes: every final transcript is appended once and the
// latest interim transcript, if any, trails the finals.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"

	"github.com/MrWong99/murmur/pkg/audio"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-3"
	defaultLanguage    = "en"
	defaultEndpointing = 300

	dialTimeout  = 10 * time.Second
	closeTimeout = 3 * time.Second
)

// Keyword boosts recognition of a word, typically a proper noun.
type Keyword struct {
	Word  string
	Boost float64
}

// Option is a functional option for configuring the Deepgram Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(r *Recognizer) {
		r.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(r *Recognizer) {
		r.language = language
	}
}

// WithKeywords sets keyword boosts sent with every run.
func WithKeywords(kws ...Keyword) Option {
	return func(r *Recognizer) {
		r.keywords = kws
	}
}

// WithEndpointing sets how much trailing silence, in milliseconds, finalizes
// a transcript.
func WithEndpointing(ms int) Option {
	return func(r *Recognizer) {
		r.endpointing = ms
	}
}

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(r *Recognizer) {
		r.endpoint = endpoint
	}
}

// Recognizer implements stt.Recognizer backed by the Deepgram streaming API.
type Recognizer struct {
	apiKey      string
	model       string
	language    string
	endpoint    string
	endpointing int
	keywords    []Keyword
	source      audio.Source

	mu  sync.Mutex
	cur *run
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a new Deepgram Recognizer fed by source. apiKey must be non-empty.
func New(apiKey string, source audio.Source, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if source == nil {
		return nil, errors.New("deepgram: audio source must not be nil")
	}
	r := &Recognizer{
		apiKey:      apiKey,
		model:       defaultModel,
		language:    defaultLanguage,
		endpoint:    deepgramEndpoint,
		endpointing: defaultEndpointing,
		source:      source,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start implements [stt.Recognizer]. It dials Deepgram, starts the audio
// source and returns once audio is flowing.
func (r *Recognizer) Start(ctx context.Context, ev stt.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return stt.NewError(stt.ErrorUnknown, errors.New("deepgram: run already active"))
	}

	wsURL, err := r.buildURL()
	if err != nil {
		return stt.NewError(stt.ErrorUnknown, fmt.Errorf("deepgram: build URL: %w", err))
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	cancelDial()
	if err != nil {
		return stt.NewError(dialErrorKind(ctx, resp), fmt.Errorf("deepgram: dial: %w", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	ru := &run{
		r:      r,
		conn:   conn,
		ev:     ev,
		audio:  make(chan []byte, 256),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := r.source.Start(ru.push); err != nil {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "audio source failed")
		return stt.NewError(stt.ErrorAudioCapture, fmt.Errorf("deepgram: start audio: %w", err))
	}

	r.cur = ru
	ru.wg.Add(1)
	go ru.writeLoop()
	go ru.readLoop()
	slog.Debug("deepgram: run started", "model", r.model, "language", r.language)
	return nil
}

// Stop implements [stt.Recognizer]. It stops the audio source and asks
// Deepgram to flush; the run delivers its last results and OnEnd
// asynchronously. A new run may be started as soon as Stop returns.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	ru := r.cur
	r.cur = nil
	r.mu.Unlock()
	if ru == nil {
		return nil
	}
	return ru.stop()
}

// detach clears ru as the current run if it still is.
func (r *Recognizer) detach(ru *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == ru {
		r.cur = nil
		_ = r.source.Stop()
	}
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (r *Recognizer) buildURL() (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	f := r.source.Format()

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(f.SampleRate))
	q.Set("channels", strconv.Itoa(f.Channels))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	if r.endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(r.endpointing))
	}

	for _, kw := range r.keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Word, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialErrorKind(ctx context.Context, resp *http.Response) stt.ErrorKind {
	if ctx.Err() != nil {
		return stt.ErrorAborted
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return stt.ErrorNotAllowed
	}
	return stt.ErrorNetwork
}

// ---- run ----

// run is one live Deepgram stream.
type run struct {
	r    *Recognizer
	conn *websocket.Conn
	ev   stt.Events

	audio  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	stopping atomic.Bool

	// Owned by readLoop.
	finals  []stt.Result
	interim *stt.Result
}

// push is the audio source callback. The device reuses its buffer, so the
// chunk is copied; a full queue drops audio rather than stall the device.
func (ru *run) push(pcm []byte) {
	if ru.stopping.Load() {
		return
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	select {
	case ru.audio <- chunk:
	default:
		slog.Warn("deepgram: audio queue full, dropping chunk", "bytes", len(chunk))
	}
}

func (ru *run) stop() error {
	if !ru.stopping.CompareAndSwap(false, true) {
		return nil
	}
	srcErr := ru.r.source.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	msg, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)})
	wErr := ru.conn.Write(ctx, websocket.MessageText, msg)

	// Deepgram closes the socket after flushing; force it if it does not.
	timer := time.AfterFunc(closeTimeout, ru.cancel)
	go func() {
		<-ru.done
		timer.Stop()
	}()

	if wErr != nil {
		ru.cancel()
		return errors.Join(srcErr, fmt.Errorf("deepgram: close stream: %w", wErr))
	}
	if srcErr != nil {
		return fmt.Errorf("deepgram: stop audio: %w", srcErr)
	}
	return nil
}

func (ru *run) writeLoop() {
	defer ru.wg.Done()
	for {
		select {
		case chunk := <-ru.audio:
			if ru.stopping.Load() {
				continue
			}
			if err := ru.conn.Write(ru.ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-ru.ctx.Done():
			return
		}
	}
}

// readLoop owns event delivery for the run, so handlers are never called
// concurrently.
func (ru *run) readLoop() {
	if fn := ru.ev.OnStart; fn != nil {
		fn()
	}

	var runErr *stt.Error
	for {
		_, msg, err := ru.conn.Read(ru.ctx)
		if err != nil {
			runErr = ru.classify(err)
			break
		}
		ru.handle(msg)
	}

	ru.cancel()
	ru.wg.Wait()
	ru.conn.Close(websocket.StatusNormalClosure, "run ended")
	ru.r.detach(ru)
	close(ru.done)

	if runErr != nil {
		slog.Warn("deepgram: run failed", "kind", runErr.Kind, "err", runErr.Err)
		if fn := ru.ev.OnError; fn != nil {
			fn(runErr)
		}
	}
	if fn := ru.ev.OnEnd; fn != nil {
		fn()
	}
}

// classify maps the error that ended the read loop to a run error, or nil
// when the run ended normally.
func (ru *run) classify(err error) *stt.Error {
	if ru.stopping.Load() {
		return nil
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	if ru.ctx.Err() != nil {
		return stt.NewError(stt.ErrorAborted, err)
	}
	return stt.NewError(stt.ErrorNetwork, err)
}

func (ru *run) handle(msg []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		slog.Warn("deepgram: unreadable message", "err", err)
		return
	}

	switch api.TypeResponse(head.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			slog.Warn("deepgram: unreadable results", "err", err)
			return
		}
		if ru.apply(resp) {
			ru.emit()
		}
	case api.TypeSpeechStartedResponse:
		slog.Debug("deepgram: speech started")
	case api.TypeUtteranceEndResponse:
		slog.Debug("deepgram: utterance end")
	}
}

// apply folds one Results message into the run's result array and reports
// whether the array changed.
func (ru *run) apply(resp api.MessageResponse) bool {
	if len(resp.Channel.Alternatives) == 0 {
		return false
	}
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)

	if resp.IsFinal {
		hadInterim := ru.interim != nil
		ru.interim = nil
		if text == "" {
			return hadInterim
		}
		ru.finals = append(ru.finals, stt.Result{Transcript: text, Confidence: alt.Confidence, IsFinal: true})
		return true
	}

	if text == "" {
		if ru.interim == nil {
			return false
		}
		ru.interim = nil
		return true
	}
	ru.interim = &stt.Result{Transcript: text, Confidence: alt.Confidence}
	return true
}

func (ru *run) emit() {
	fn := ru.ev.OnResult
	if fn == nil {
		return
	}
	results := make([]stt.Result, 0, len(ru.finals)+1)
	results = append(results, ru.finals...)
	if ru.interim != nil {
		results = append(results, *ru.interim)
	}
	fn(results)
}
