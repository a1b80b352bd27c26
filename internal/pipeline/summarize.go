package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const summaryPrompt = "Summarize the following video transcript in well-structured markdown. " +
	"Cover the main points, key arguments and any actionable takeaways."

// ChatSummarizer calls an OpenAI-compatible chat-completions endpoint.
type ChatSummarizer struct {
	APIURL string
	APIKey string
	Model  string

	HTTPClient *http.Client
}

func (s *ChatSummarizer) client() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

// Summarize produces markdown summary text for the transcript.
func (s *ChatSummarizer) Summarize(ctx context.Context, title, transcript string) (string, error) {
	payload := map[string]any{
		"model": s.Model,
		"messages": []map[string]string{
			{"role": "system", "content": summaryPrompt},
			{"role": "user", "content": fmt.Sprintf("Title: %s\n\nTranscript:\n%s", title, transcript)},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("summarizer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("summarizer api returned status %d: %s", resp.StatusCode, raw)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode summarizer response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("summarizer returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}
