package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tone builds secs seconds of 16 kHz mono PCM at a constant amplitude.
func tone(secs int, amplitude int16) []byte {
	samples := sampleRate * secs
	buf := make([]byte, samples*bytesPerSample)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amplitude))
	}
	return buf
}

func TestHasSpeech(t *testing.T) {
	assert.False(t, HasSpeech(nil))
	assert.False(t, HasSpeech(tone(1, 0)))
	assert.False(t, HasSpeech(tone(1, 100))) // carrier hiss
	assert.True(t, HasSpeech(tone(1, 2000)))

	// Too short to judge, regardless of energy.
	assert.False(t, HasSpeech(tone(1, 2000)[:bytesPerSecond/20]))
}

func TestPreview(t *testing.T) {
	pcm := tone(30, 1000)
	assert.Len(t, preview(pcm, 15), 15*bytesPerSecond)
	assert.Equal(t, pcm, preview(pcm, 60))
}

func TestHasTrigger(t *testing.T) {
	assert.True(t, HasTrigger("units responding, shots fired near Main and Route 120"))
	assert.True(t, HasTrigger("Working STRUCTURE FIRE at 451 Oak"))
	assert.True(t, HasTrigger("vehicle pursuit northbound on 31"))
	assert.False(t, HasTrigger("routine traffic stop, plate check"))
	assert.False(t, HasTrigger(""))
}

// fakeTranscriber maps window index to transcript.
type fakeTranscriber struct {
	texts []string
	calls int
	full  int // full-window transcriptions
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	f.calls++
	if len(pcm) > 15*bytesPerSecond {
		f.full++
	}
	i := f.calls - 1
	if i >= len(f.texts) {
		i = len(f.texts) - 1
	}
	return f.texts[i], nil
}

func TestProcessWindowSilent(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"should not be called"}}
	p := NewProcessor(tr, 15)

	text, disposition, err := p.ProcessWindow(context.Background(), tone(30, 50))
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, DispositionSilent, disposition)
	assert.Zero(t, tr.calls)
}

func TestProcessWindowFiltered(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{"routine welfare check on Maple"}}
	p := NewProcessor(tr, 15)

	text, disposition, err := p.ProcessWindow(context.Background(), tone(30, 2000))
	require.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, DispositionFiltered, disposition)
	// Only the preview was transcribed.
	assert.Equal(t, 1, tr.calls)
	assert.Zero(t, tr.full)
}

func TestProcessWindowTriggered(t *testing.T) {
	tr := &fakeTranscriber{texts: []string{
		"structure fire reported",
		"engine 63 responding, structure fire at 451 Oak, occupants evacuating",
	}}
	p := NewProcessor(tr, 15)

	text, disposition, err := p.ProcessWindow(context.Background(), tone(30, 2000))
	require.NoError(t, err)
	assert.Equal(t, DispositionTriggered, disposition)
	assert.Contains(t, text, "451 Oak")
	assert.Equal(t, 2, tr.calls)
	assert.Equal(t, 1, tr.full)
}

// A day of typical scanner traffic is mostly carrier hiss and routine chatter.
// The gate must discard at least nine of every ten windows without a full
// transcription.
func TestGateDiscardRate(t *testing.T) {
	tr := &fakeTranscriber{}
	p := NewProcessor(tr, 15)

	const total = 100
	triggered := 0
	for i := 0; i < total; i++ {
		var pcm []byte
		switch {
		case i%2 == 0: // half the windows are dead air
			pcm = tone(30, 40)
		case i%25 == 1: // rare real incident
			pcm = tone(30, 3000)
			tr.texts = []string{"shots fired near the square", "shots fired near the square, two callers"}
			tr.calls = 0
		default: // routine chatter
			pcm = tone(30, 3000)
			tr.texts = []string{fmt.Sprintf("routine check number %d", i)}
			tr.calls = 0
		}

		_, disposition, err := p.ProcessWindow(context.Background(), pcm)
		require.NoError(t, err)
		if disposition == DispositionTriggered {
			triggered++
		}
	}

	assert.LessOrEqual(t, triggered, total/10)
	assert.Equal(t, 2, triggered)
}

func TestProcessTranscript(t *testing.T) {
	p := NewProcessor(nil, 15)

	text, disposition := p.ProcessTranscript("  ")
	assert.Empty(t, text)
	assert.Equal(t, DispositionSilent, disposition)

	text, disposition = p.ProcessTranscript("barking dog complaint")
	assert.Empty(t, text)
	assert.Equal(t, DispositionFiltered, disposition)

	text, disposition = p.ProcessTranscript("rollover accident with entrapment on Route 47")
	assert.Equal(t, "rollover accident with entrapment on Route 47", text)
	assert.Equal(t, DispositionTriggered, disposition)
}
