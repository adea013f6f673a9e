// Package audio consumes scanner streams and gates them down to the rare
// windows worth extracting. The gate runs in three cheap stages: an energy
// VAD, a short transcript preview, and a keyword trigger scan. Only
// triggered windows are transcribed in full; everything else is discarded
// before any extraction cost is incurred.
package audio

import (
	"context"
	"strings"

	"github.com/rangerhq/ranger/internal/metrics"
)

// Window dispositions, in gate order.
const (
	DispositionSilent    = "silent"
	DispositionFiltered  = "filtered"
	DispositionTriggered = "triggered"
)

// Transcriber converts a PCM chunk to text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Processor applies the VAD and trigger gate to fixed audio windows.
type Processor struct {
	transcriber Transcriber
	previewSecs int
}

// NewProcessor builds a Processor. previewSecs bounds how much of each
// window is transcribed before the trigger decision.
func NewProcessor(t Transcriber, previewSecs int) *Processor {
	if previewSecs <= 0 {
		previewSecs = 15
	}
	return &Processor{transcriber: t, previewSecs: previewSecs}
}

// ProcessWindow gates one PCM window. The returned transcript is non-empty
// only for triggered windows; the disposition says which stage discarded
// the rest.
func (p *Processor) ProcessWindow(ctx context.Context, pcm []byte) (string, string, error) {
	if !HasSpeech(pcm) {
		metrics.Get().CountAudioWindow(DispositionSilent)
		return "", DispositionSilent, nil
	}

	previewText, err := p.transcriber.Transcribe(ctx, preview(pcm, p.previewSecs))
	if err != nil {
		return "", "", err
	}
	if !HasTrigger(previewText) {
		metrics.Get().CountAudioWindow(DispositionFiltered)
		return "", DispositionFiltered, nil
	}

	full, err := p.transcriber.Transcribe(ctx, pcm)
	if err != nil {
		return "", "", err
	}
	full = strings.TrimSpace(full)
	if full == "" {
		metrics.Get().CountAudioWindow(DispositionFiltered)
		return "", DispositionFiltered, nil
	}
	metrics.Get().CountAudioWindow(DispositionTriggered)
	return full, DispositionTriggered, nil
}

// ProcessTranscript gates a pre-transcribed text frame, for streams that
// push transcripts instead of raw audio.
func (p *Processor) ProcessTranscript(text string) (string, string) {
	text = strings.TrimSpace(text)
	if text == "" {
		metrics.Get().CountAudioWindow(DispositionSilent)
		return "", DispositionSilent
	}
	if !HasTrigger(text) {
		metrics.Get().CountAudioWindow(DispositionFiltered)
		return "", DispositionFiltered
	}
	metrics.Get().CountAudioWindow(DispositionTriggered)
	return text, DispositionTriggered
}
