package audio

import "math"

// Stream format: 16 kHz mono signed 16-bit little-endian PCM.
const (
	sampleRate     = 16000
	bytesPerSample = 2
	bytesPerSecond = sampleRate * bytesPerSample
)

// rmsThreshold is the energy floor below which a window counts as silence.
// Scanner carrier hiss sits well under this; keyed-up voice sits well over.
const rmsThreshold = 500.0

// HasSpeech reports whether the PCM window carries enough energy to
// plausibly contain voice. Windows shorter than a tenth of a second are
// always silent.
func HasSpeech(pcm []byte) bool {
	if len(pcm) < bytesPerSecond/10 {
		return false
	}
	return rms(pcm) >= rmsThreshold
}

func rms(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}

// preview returns the first secs seconds of a PCM window.
func preview(pcm []byte, secs int) []byte {
	limit := bytesPerSecond * secs
	if len(pcm) <= limit {
		return pcm
	}
	return pcm[:limit]
}
