package audio

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTranscriber(t *testing.T) {
	var gotAuth, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"text": "engine 63 responding"}`))
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTranscriber(srv.URL, "sk-test", 5*time.Second)
	pcm := tone(1, 1000)

	text, err := tr.Transcribe(context.Background(), pcm)
	require.NoError(t, err)
	assert.Equal(t, "engine 63 responding", text)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "audio/wav", gotType)

	// RIFF header plus the payload.
	require.Len(t, gotBody, 44+len(pcm))
	assert.Equal(t, "RIFF", string(gotBody[:4]))
	assert.Equal(t, "WAVE", string(gotBody[8:12]))
	assert.Equal(t, uint32(sampleRate), binary.LittleEndian.Uint32(gotBody[24:28]))
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(gotBody[40:44]))
	assert.Equal(t, pcm, gotBody[44:])
}

func TestHTTPTranscriberErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	tr := NewHTTPTranscriber(srv.URL, "", 5*time.Second)
	_, err := tr.Transcribe(context.Background(), tone(1, 1000))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
