package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPEngine talks to the OCR inference sidecar over JSON with base64
// payloads. Transient failures are retried with exponential backoff;
// a non-2xx response after the last attempt fails the call.
type HTTPEngine struct {
	httpClient  *http.Client
	baseURL     string
	prompt      string
	maxAttempts int
	backoff     time.Duration
}

type Config struct {
	BaseURL     string
	Prompt      string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func NewHTTPEngine(cfg Config) (*HTTPEngine, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	return &HTTPEngine{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     baseURL,
		prompt:      cfg.Prompt,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}, nil
}

type rasterizeRequest struct {
	PDFBase64 string `json:"pdf_base64"`
	DPI       int    `json:"dpi,omitempty"`
}

type rasterizeResponse struct {
	PagesBase64 []string `json:"pages_base64"`
}

type inferRequest struct {
	Prompt      string `json:"prompt"`
	ImageBase64 string `json:"image_base64"`
}

type inferResponse struct {
	Text string `json:"text"`
}

func (e *HTTPEngine) Rasterize(ctx context.Context, pdf []byte) ([][]byte, error) {
	req := rasterizeRequest{PDFBase64: base64.StdEncoding.EncodeToString(pdf)}

	var resp rasterizeResponse
	if err := e.post(ctx, "/rasterize", req, &resp); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	if len(resp.PagesBase64) == 0 {
		return nil, fmt.Errorf("rasterize: document produced no pages")
	}

	pages := make([][]byte, 0, len(resp.PagesBase64))
	for i, encoded := range resp.PagesBase64 {
		page, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("rasterize: decode page %d: %w", i+1, err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (e *HTTPEngine) Infer(ctx context.Context, pageImage []byte) (PageResult, error) {
	req := inferRequest{
		Prompt:      e.prompt,
		ImageBase64: base64.StdEncoding.EncodeToString(pageImage),
	}

	var resp inferResponse
	if err := e.post(ctx, "/infer", req, &resp); err != nil {
		return PageResult{}, fmt.Errorf("infer: %w", err)
	}

	text := resp.Text
	truncated := !strings.Contains(text, EndOfSequence)
	text = strings.ReplaceAll(text, EndOfSequence, "")
	return PageResult{Text: text, Truncated: truncated}, nil
}

func (e *HTTPEngine) Ready(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (e *HTTPEngine) post(ctx context.Context, route string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	backoff := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+route, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.httpClient.Do(req)
		if err == nil {
			payload, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			if readErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
				if err := json.Unmarshal(payload, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
				return nil
			}

			if readErr != nil {
				lastErr = readErr
			} else {
				lastErr = fmt.Errorf("engine returned status=%d body=%s", resp.StatusCode, truncateBody(payload))
			}
			// Client errors are not retryable.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return lastErr
			}
		} else {
			lastErr = err
		}

		if attempt == e.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("engine call failed after %d attempts: %w", e.maxAttempts, lastErr)
}

func truncateBody(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
