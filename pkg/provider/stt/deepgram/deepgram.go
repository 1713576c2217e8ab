// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultUtteranceEndMs is the trailing-silence window (ms) after which
	// Deepgram emits an UtteranceEnd event.
	defaultUtteranceEndMs = 1000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
// It respects cfg.SampleRate, cfg.Language, and cfg.UtteranceEndSilence.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(deepgramEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	utterEnd := cfg.UtteranceEndSilence
	if utterEnd == 0 {
		utterEnd = defaultUtteranceEndMs
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("utterance_end_ms", strconv.Itoa(utterEnd))
	q.Set("vad_events", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// UtteranceEnd events. UtteranceEnd messages carry only the Type field.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// keepAliveMsg resets Deepgram's 10-second idle disconnect timer without
// submitting audio for transcription.
var keepAliveMsg = []byte(`{"type":"KeepAlive"}`)

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// writeMu guards text-frame writes (keep-alive, CloseStream) against
	// concurrent binary writes from writeLoop.
	writeMu sync.Mutex

	// pending accumulates is_final transcript fragments until Deepgram signals
	// the end of the utterance. Owned by readLoop.
	pending []types.Transcript
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan types.Transcript { return s.partials }

// Finals returns the channel of complete utterances.
func (s *session) Finals() <-chan types.Transcript { return s.finals }

// KeepAlive sends a KeepAlive text frame to Deepgram. Deepgram drops streams
// that send no data for ~10 seconds; sending this frame holds the connection
// open without incurring transcription.
func (s *session) KeepAlive() error {
	select {
	case <-s.done:
		return fmt.Errorf("deepgram: %w", stt.ErrSessionClosed)
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, keepAliveMsg); err != nil {
		return fmt.Errorf("deepgram: keep-alive: %w", err)
	}
	return nil
}

// Close terminates the session cleanly.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		// Send a close message to Deepgram to flush pending audio.
		s.writeMu.Lock()
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.writeMu.Unlock()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.writeBinary(ctx, chunk); err != nil {
				return
			}
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.writeBinary(ctx, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *session) writeBinary(ctx context.Context, chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageBinary, chunk)
}

// readLoop receives JSON messages from Deepgram and dispatches them. Interim
// results go straight to the partials channel. Final results accumulate until
// Deepgram signals the utterance is over (speech_final on the Results event,
// or a standalone UtteranceEnd event), at which point the accumulated
// fragments are joined into one complete utterance on the finals channel.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancellation.
			return
		}

		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		switch resp.Type {
		case "Results":
			t, ok := transcriptFromResponse(&resp)
			if !ok {
				if resp.IsFinal && resp.SpeechFinal {
					s.flushPending()
				}
				continue
			}
			if !t.IsFinal {
				select {
				case s.partials <- t:
				case <-s.done:
				}
				continue
			}
			s.pending = append(s.pending, t)
			if resp.SpeechFinal {
				s.flushPending()
			}
		case "UtteranceEnd":
			s.flushPending()
		}
	}
}

// flushPending joins the accumulated final fragments into a single Transcript
// and emits it on the finals channel. No-op when nothing is pending, so a
// SpeechFinal followed by an UtteranceEnd for the same utterance emits once.
func (s *session) flushPending() {
	if len(s.pending) == 0 {
		return
	}

	parts := make([]string, 0, len(s.pending))
	var words []types.WordDetail
	var confSum float64
	for _, t := range s.pending {
		parts = append(parts, t.Text)
		words = append(words, t.Words...)
		confSum += t.Confidence
	}
	utterance := types.Transcript{
		Text:       strings.Join(parts, " "),
		IsFinal:    true,
		Confidence: confSum / float64(len(s.pending)),
		Words:      words,
		ReceivedAt: s.pending[len(s.pending)-1].ReceivedAt,
	}
	s.pending = s.pending[:0]

	select {
	case s.finals <- utterance:
	case <-s.done:
	}
}

// transcriptFromResponse converts a Results event into a Transcript.
// Returns false when the event carries no text (e.g., a silence-only frame).
func transcriptFromResponse(resp *deepgramResponse) (types.Transcript, bool) {
	if len(resp.Channel.Alternatives) == 0 {
		return types.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return types.Transcript{}, false
	}

	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return types.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		ReceivedAt: time.Now(),
	}, true
}

var _ stt.SessionHandle = (*session)(nil)
var _ stt.Provider = (*Provider)(nil)
