package convo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// TurnResult is the conversation service's answer to one utterance.
// A non-empty Error is a recoverable per-turn failure, not a fatal one.
type TurnResult struct {
	Transcript string `json:"transcript"`
	ReplyText  string `json:"reply_text"`
	ReplyAudio []byte `json:"reply_audio,omitempty"`
	SessionID  string `json:"session_id"`
	IsFiltered bool   `json:"is_filtered,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Empty reports whether the service returned neither reply text nor audio.
func (r *TurnResult) Empty() bool {
	return r.ReplyText == "" && len(r.ReplyAudio) == 0
}

// Options configures the HTTP client.
type Options struct {
	BaseURL string
	APIKey  string
	Voice   string
	Timeout time.Duration
}

// Client talks to the remote conversation service over REST.
type Client struct {
	http   *resty.Client
	voice  string
	logger *zap.Logger
}

// NewClient builds a client with the per-request timeout applied to every
// call (the network-response timeout of the turn controller).
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	http := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		http.SetAuthToken(opts.APIKey)
	}
	return &Client{
		http:   http,
		voice:  opts.Voice,
		logger: logger,
	}
}

// SubmitUtterance uploads one utterance and returns the transcript and reply.
// The session token is echoed back once the service has issued one so the
// service can keep conversation memory across turns.
func (c *Client) SubmitUtterance(ctx context.Context, wavAudio []byte, sessionID string) (*TurnResult, error) {
	req := c.http.R().
		SetContext(ctx).
		SetFileReader("audio", "utterance.wav", bytes.NewReader(wavAudio))
	if sessionID != "" {
		req.SetFormData(map[string]string{"session_id": sessionID})
	}

	resp, err := req.Post("/api/voice")
	if err != nil {
		return nil, fmt.Errorf("submit utterance: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("[Convo] voice endpoint error",
			zap.Int("status", resp.StatusCode()),
			zap.ByteString("body", resp.Body()))
		return nil, fmt.Errorf("voice endpoint returned status %d", resp.StatusCode())
	}

	var result TurnResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode turn result: %w", err)
	}
	c.logger.Debug("[Convo] turn resolved",
		zap.String("session_id", result.SessionID),
		zap.Bool("filtered", result.IsFiltered),
		zap.Int("reply_audio_bytes", len(result.ReplyAudio)))
	return &result, nil
}

// SynthesizeSpeech converts reply text to audio bytes.
func (c *Client) SynthesizeSpeech(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text, "voice": c.voice}).
		Post("/api/voice/response")
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	if resp.IsError() {
		c.logger.Error("[Convo] synthesis endpoint error",
			zap.Int("status", resp.StatusCode()))
		return nil, fmt.Errorf("synthesis endpoint returned status %d", resp.StatusCode())
	}
	audio := resp.Body()
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis returned empty audio")
	}
	return audio, nil
}

// Welcome asks the service for the opening utterance of a new call.
func (c *Client) Welcome(ctx context.Context, sessionID string) (*TurnResult, error) {
	body := map[string]string{}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/api/voice/welcome")
	if err != nil {
		return nil, fmt.Errorf("fetch welcome: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("welcome endpoint returned status %d", resp.StatusCode())
	}
	var result TurnResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	return &result, nil
}
