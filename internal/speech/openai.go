package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/companionkit/companiond/internal/config"
)

const speechDefaultBaseURL = "https://api.openai.com/v1"

// Client implements Synthesizer and Recognizer against the OpenAI audio
// endpoints (or any compatible server via base URL).
type Client struct {
	apiKey     string
	baseURL    string
	ttsModel   string
	asrModel   string
	voiceZH    string
	voiceEN    string
	httpClient *http.Client
}

// NewClient constructs a speech client from configuration.
func NewClient(cfg config.SpeechConfig, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("speech client requires an API key")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = speechDefaultBaseURL
	}

	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    base,
		ttsModel:   cfg.TTSModel,
		asrModel:   cfg.ASRModel,
		voiceZH:    cfg.VoiceZH,
		voiceEN:    cfg.VoiceEN,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Synthesize implements Synthesizer via POST /audio/speech.
func (c *Client) Synthesize(ctx context.Context, text, lang string) ([]byte, error) {
	voice := c.voiceEN
	if lang == "zh" {
		voice = c.voiceZH
	}

	payload, err := json.Marshal(map[string]string{
		"model":           c.ttsModel,
		"input":           text,
		"voice":           voice,
		"response_format": "wav",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("speech synthesis failed: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return io.ReadAll(resp.Body)
}

// Transcribe implements Recognizer via POST /audio/transcriptions.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcription requires audio data")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("model", c.asrModel); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audio); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("transcription failed: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	return result.Text, nil
}
