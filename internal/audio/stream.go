package audio

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
	wsHandshakeWait    = 15 * time.Second
	wsReadWait         = 90 * time.Second
	wsMaxMessageSize   = 1 << 20
)

// Emit receives the full transcript of a triggered window.
type Emit func(ctx context.Context, transcript string) error

// Session maintains a long-lived websocket connection to one scanner
// stream and feeds its frames through the window gate.
type Session struct {
	url       string
	processor *Processor
	emit      Emit
	window    time.Duration
	logger    zerolog.Logger

	buf     []byte
	lastCut time.Time
}

// NewSession builds a Session. window is the accumulation span per gating
// decision.
func NewSession(url string, p *Processor, window time.Duration, emit Emit, logger zerolog.Logger) *Session {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Session{
		url:       url,
		processor: p,
		emit:      emit,
		window:    window,
		logger:    logger.With().Str("stream", url).Logger(),
	}
}

// Run consumes the stream until ctx is cancelled, reconnecting with
// exponential backoff on failure.
func (s *Session) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			delay := backoffDelay(failures)
			s.logger.Warn().Err(err).
				Int("failures", failures).
				Dur("retry_in", delay).
				Msg("Audio stream disconnected")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
	}
}

func (s *Session) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeWait}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return rangererrors.WrapConnection("audio.dial", s.url, err)
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	s.logger.Info().Msg("Audio stream connected")
	s.buf = s.buf[:0]
	s.lastCut = time.Now()

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadWait)); err != nil {
			return rangererrors.WrapConnection("audio.deadline", s.url, err)
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return rangererrors.WrapConnection("audio.read", s.url, err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.buf = append(s.buf, data...)
			if time.Since(s.lastCut) >= s.window || len(s.buf) >= int(s.window.Seconds())*bytesPerSecond {
				if err := s.cutWindow(ctx); err != nil {
					return err
				}
			}
		case websocket.TextMessage:
			transcript, _ := s.processor.ProcessTranscript(string(data))
			if transcript != "" {
				if err := s.emit(ctx, transcript); err != nil {
					s.logger.Error().Err(err).Msg("Failed to emit transcript")
				}
			}
		}
	}
}

func (s *Session) cutWindow(ctx context.Context) error {
	pcm := s.buf
	s.buf = nil
	s.lastCut = time.Now()

	transcript, disposition, err := s.processor.ProcessWindow(ctx, pcm)
	if err != nil {
		// Transcription failures drop the window but keep the stream alive.
		s.logger.Error().Err(err).Msg("Window transcription failed")
		return nil
	}
	s.logger.Debug().Str("disposition", disposition).Int("bytes", len(pcm)).Msg("Audio window gated")
	if transcript == "" {
		return nil
	}
	if err := s.emit(ctx, transcript); err != nil {
		s.logger.Error().Err(err).Msg("Failed to emit transcript")
	}
	return nil
}

func backoffDelay(failures int) time.Duration {
	delay := baseReconnectDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	return delay
}
