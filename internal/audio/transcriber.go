package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	rangererrors "github.com/rangerhq/ranger/internal/errors"
)

// HTTPTranscriber calls a Whisper-compatible speech-to-text endpoint.
type HTTPTranscriber struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPTranscriber builds a transcriber against the given endpoint.
func NewHTTPTranscriber(endpoint, apiKey string, timeout time.Duration) *HTTPTranscriber {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTranscriber{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type transcriptResponse struct {
	Text string `json:"text"`
}

// Transcribe sends one PCM chunk and returns its transcript.
func (t *HTTPTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(wavEncode(pcm)))
	if err != nil {
		return "", rangererrors.WrapConnection("transcribe.request", t.endpoint, err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", rangererrors.WrapConnection("transcribe.send", t.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", rangererrors.WrapConnection("transcribe.read", t.endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rangererrors.New(rangererrors.ErrorTypeConnection, "transcribe.status", t.endpoint,
			fmt.Errorf("transcription endpoint returned %d", resp.StatusCode)).WithStatusCode(resp.StatusCode)
	}

	var out transcriptResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", rangererrors.WrapParse("transcribe.decode", t.endpoint, err)
	}
	return out.Text, nil
}

// wavEncode wraps raw 16 kHz mono s16le PCM in a minimal RIFF header.
func wavEncode(pcm []byte) []byte {
	buf := make([]byte, 0, 44+len(pcm))
	w := bytes.NewBuffer(buf)
	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+len(pcm)))
	w.WriteString("WAVEfmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(1)) // mono
	binary.Write(w, binary.LittleEndian, uint32(sampleRate))
	binary.Write(w, binary.LittleEndian, uint32(bytesPerSecond))
	binary.Write(w, binary.LittleEndian, uint16(bytesPerSample))
	binary.Write(w, binary.LittleEndian, uint16(16)) // bits per sample
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(len(pcm)))
	w.Write(pcm)
	return w.Bytes()
}
