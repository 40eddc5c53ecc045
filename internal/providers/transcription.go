package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const transcribeEndpoint = "/transcribe_audio"

// AudioRef locates an inbound voice note on the messaging gateway.
type AudioRef struct {
	InstanceID    string `json:"instance_id"`
	URL           string `json:"audio_url"`
	DecryptionKey string `json:"media_key,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	ServerURL     string `json:"server_url,omitempty"`
}

// Transcriber calls the speech-to-text proxy.
type Transcriber struct {
	svc serviceClient
}

func NewTranscriber(url, apiKey string, timeout time.Duration) *Transcriber {
	svc := newServiceClient("stt", url, apiKey, timeout)
	svc.retry = RetryConfig{Attempts: 2, MinDelay: time.Second, MaxDelay: 3 * time.Second}
	return &Transcriber{svc: svc}
}

// Enabled reports whether a proxy URL is configured.
func (t *Transcriber) Enabled() bool { return t != nil && t.svc.configured() }

// Transcribe returns the transcript for the referenced audio. An unconfigured
// proxy yields ("", nil); callers treat an empty transcript as a failure to
// understand the note.
func (t *Transcriber) Transcribe(ctx context.Context, ref AudioRef) (string, error) {
	if !t.Enabled() {
		return "", nil
	}
	if ref.URL == "" {
		return "", fmt.Errorf("stt: audio reference has no url")
	}
	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := t.svc.post(ctx, transcribeEndpoint, ref, &out); err != nil {
		return "", err
	}
	slog.Debug("stt.transcript_received", "instance", ref.InstanceID, "length", len(out.Transcript))
	return out.Transcript, nil
}
