// Package backend implements the HTTP client side of §6.3's inference
// contract: a multipart upload relay and an OpenAI-compatible
// chat-completions call against an opaque backend node.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// uploadTimeout is fixed at 60s regardless of family per §4.3-step 4.
const uploadTimeout = 60 * time.Second

// Message mirrors contextloader.Message's wire shape without importing it,
// keeping backend's public surface self-contained.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POSTed to {base}/v1/chat/completions. Temperature
// is only marshaled when non-zero, matching the fixed-backend families
// (original_source's deepseek_worker.py sets 0.6; node-pool families omit
// it and let the backend use its own default).
type ChatRequest struct {
	Model          string    `json:"model"`
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Files          []string  `json:"files,omitempty"`
	Temperature    float64   `json:"temperature,omitempty"`
}

type chatCompletionChoice struct {
	Message Message `json:"message"`
}

type chatCompletionResponse struct {
	Choices []chatCompletionChoice `json:"choices"`
}

type uploadResponse struct {
	Files []string `json:"files"`
}

// HTTPError captures a non-200 backend response for §7's BackendHTTPError.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error matches §7's BackendHTTPError user-visible text exactly
// (original_source runner.py: f"API Error {response.status_code}:
// {response.text[:100]}"), since it is stored verbatim into Task.error_msg.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("API Error %d: %s", e.StatusCode, truncateRunes(e.Body, 100))
}

// truncateRunes slices s to at most n Unicode code points, mirroring
// Python's str[:n] slicing (which counts code points, not bytes).
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Client talks to a single backend node base URL per call, since the node
// a request targets is chosen per-task by the router.
type Client struct {
	httpClient *http.Client
}

// New returns a backend Client. chatTimeout bounds the chat-completions
// call only; uploads always use the fixed 60s timeout.
func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

// Upload relays each local file in filePaths to {nodeBase}/upload as
// multipart/form-data under the "files" part name, returning the backend's
// remote path list. An empty filePaths returns (nil, nil) without a call.
func (c *Client) Upload(ctx context.Context, nodeBase string, filePaths []string) ([]string, error) {
	if len(filePaths) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for _, path := range filePaths {
		if err := addFilePart(writer, path); err != nil {
			return nil, fmt.Errorf("attach file %s: %w", path, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeBase+"/upload", &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if len(parsed.Files) == 0 {
		return nil, fmt.Errorf("upload response carried no files")
	}
	return parsed.Files, nil
}

func addFilePart(writer *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}

// ChatCompletion invokes {nodeBase}/v1/chat/completions with timeout and
// returns the first choice's message content. A non-200 response surfaces
// as *HTTPError for the caller to classify per §7.
func (c *Client) ChatCompletion(ctx context.Context, nodeBase string, req ChatRequest, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeBase+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completion response carried no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
