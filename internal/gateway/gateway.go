// Package gateway is the HTTP/WebSocket client for the synthesis API server,
// whether that server is the locally supervised process or a remote
// deployment the user pointed the app at.
//
// Synthesis primarily runs over a WebSocket, which streams progress while the
// model works; a plain REST endpoint exists as a fallback for servers or
// networks where the WebSocket upgrade fails.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/coder/websocket"

	"github.com/HG-ha/Parrot/internal/observe"
	"github.com/HG-ha/Parrot/pkg/types"
)

// ErrGenerationFailed is returned when the server reports that synthesis did
// not produce a file. The wrapping error carries the server's message.
var ErrGenerationFailed = errors.New("gateway: generation failed")

// ErrUnknownMode is returned for generation requests whose mode the wire
// protocol has no encoding for.
var ErrUnknownMode = errors.New("gateway: unknown generation mode")

// ProgressFunc receives progress updates while the server synthesizes.
type ProgressFunc func(p types.Progress)

// Client talks to one synthesis API server. It is safe for concurrent use.
//
// The zero value is not usable; create instances with [New].
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	metrics    *observe.Metrics
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for REST calls and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMetrics records generation outcomes on m. When not set, no metrics are
// emitted.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// New creates a Client for the API server at baseURL, e.g.
// "http://127.0.0.1:8000".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway: base url %q must use http or https", baseURL)
	}

	c := &Client{
		baseURL: u,
		// Synthesis of long texts is slow; the WebSocket path streams
		// progress instead of relying on this timeout.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the configured server address.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CheckConnection verifies the server is reachable and the model endpoint
// answers.
func (c *Client) CheckConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/model_status"), nil)
	if err != nil {
		return fmt.Errorf("gateway: build status request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: connect to api server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway: api server answered status %d", resp.StatusCode)
	}
	return nil
}

// ---- WebSocket message types ----

// generateMessage is the JSON payload opening a synthesis exchange.
type generateMessage struct {
	Type             string  `json:"type,omitempty"`
	Text             string  `json:"text"`
	Speed            float64 `json:"speed"`
	Speaker          string  `json:"speaker,omitempty"`
	Instruction      string  `json:"instruction,omitempty"`
	PromptSpeechPath string  `json:"prompt_speech_path,omitempty"`
}

// serverMessage is any JSON message received from the server during
// synthesis, over either transport. Progress frames carry their
// human-readable string under text_progress; message only appears on
// complete and error frames.
type serverMessage struct {
	Type         string   `json:"type"`
	Progress     *float64 `json:"progress"`
	TextProgress string   `json:"text_progress"`
	Message      string   `json:"message"`
	Success      bool     `json:"success"`
	Filepath     string   `json:"filepath"`
}

// progressUpdate converts a progress frame into the callback value. A frame
// without a numeric progress field reports -1 so text-only updates are
// distinguishable from "0% done".
func (sm serverMessage) progressUpdate() types.Progress {
	percent := -1.0
	if sm.Progress != nil {
		percent = *sm.Progress
	}
	return types.Progress{Percent: percent, Text: sm.TextProgress}
}

// buildMessage translates a generation request into the wire payload. This is
// the one place that knows the server reuses the "speaker" field for the
// reference transcript in zero-shot mode.
func buildMessage(req types.GenerationRequest) (generateMessage, error) {
	msg := generateMessage{
		Type:  "generate",
		Text:  req.Text,
		Speed: req.Speed,
	}
	switch req.Mode {
	case types.ModeQuick:
		// Text and speed only.
	case types.ModeZeroShot:
		msg.Speaker = req.SpeakerText
	case types.ModeLanguageControl:
		msg.Instruction = req.Instruction
	default:
		return generateMessage{}, fmt.Errorf("%w: %q", ErrUnknownMode, req.Mode)
	}
	if req.PromptPath != "" {
		msg.PromptSpeechPath = req.PromptPath
	}
	return msg, nil
}

// GenerateAudio synthesizes speech over the WebSocket endpoint and returns
// the server-side path of the produced file. onProgress, when non-nil,
// receives updates as the model works.
func (c *Client) GenerateAudio(ctx context.Context, req types.GenerationRequest, onProgress ProgressFunc) (string, error) {
	start := time.Now()
	path, err := c.generateWS(ctx, req, onProgress)
	c.recordGeneration(ctx, req.Mode, "websocket", err, start)
	return path, err
}

func (c *Client) generateWS(ctx context.Context, req types.GenerationRequest, onProgress ProgressFunc) (string, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return "", err
	}

	conn, _, err := websocket.Dial(ctx, c.websocketURL(), &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return "", fmt.Errorf("gateway: dial websocket: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("gateway: encode request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return "", fmt.Errorf("gateway: send request: %w", err)
	}

	// Long synthesis runs send many messages; read until a terminal one.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("gateway: read server message: %w", err)
		}
		var sm serverMessage
		if err := json.Unmarshal(data, &sm); err != nil {
			return "", fmt.Errorf("gateway: decode server message: %w", err)
		}

		switch sm.Type {
		case "progress":
			if onProgress != nil {
				onProgress(sm.progressUpdate())
			}
		case "complete":
			if !sm.Success {
				return "", fmt.Errorf("%w: %s", ErrGenerationFailed, sm.Message)
			}
			return sm.Filepath, nil
		case "error":
			return "", fmt.Errorf("%w: %s", ErrGenerationFailed, sm.Message)
		default:
			// Unknown message types are skipped so protocol additions do not
			// break older clients.
		}
	}
}

// GenerateAudioREST synthesizes speech over the plain HTTP endpoint. There is
// no progress reporting on this path.
func (c *Client) GenerateAudioREST(ctx context.Context, req types.GenerationRequest) (string, error) {
	start := time.Now()
	path, err := c.generateREST(ctx, req)
	c.recordGeneration(ctx, req.Mode, "rest", err, start)
	return path, err
}

func (c *Client) generateREST(ctx context.Context, req types.GenerationRequest) (string, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return "", err
	}
	// The REST body is the WebSocket payload minus the envelope type.
	msg.Type = ""

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("gateway: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/generate_audio"), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("gateway: post generation request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: api server answered status %d", resp.StatusCode)
	}

	var sm serverMessage
	if err := json.NewDecoder(resp.Body).Decode(&sm); err != nil {
		return "", fmt.Errorf("gateway: decode response: %w", err)
	}
	if !sm.Success {
		return "", fmt.Errorf("%w: %s", ErrGenerationFailed, sm.Message)
	}
	return sm.Filepath, nil
}

// uploadResponse is the JSON answer of the upload endpoint.
type uploadResponse struct {
	RelativePath string `json:"relative_path"`
}

// UploadFile sends a local audio file to the server and returns the
// server-relative path under which it can be referenced in generation
// requests, e.g. as a zero-shot prompt.
func (c *Client) UploadFile(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("gateway: open upload file: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("gateway: create form file: %w", err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("gateway: read upload file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("gateway: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload_file"), &body)
	if err != nil {
		return "", fmt.Errorf("gateway: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: upload file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway: upload answered status %d", resp.StatusCode)
	}
	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("gateway: decode upload response: %w", err)
	}
	return ur.RelativePath, nil
}

// DownloadFile fetches a produced audio file from the server and writes it to
// destPath.
func (c *Client) DownloadFile(ctx context.Context, filename, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/download/"+url.PathEscape(filename)), nil)
	if err != nil {
		return fmt.Errorf("gateway: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: download %q: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway: download %q answered status %d", filename, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("gateway: create destination dir: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("gateway: create destination file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("gateway: write %q: %w", destPath, err)
	}
	return nil
}

// endpoint joins path onto the base URL.
func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}

// websocketURL rewrites the base URL scheme for the WebSocket endpoint.
func (c *Client) websocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/ws/generate"
	return u.String()
}

func (c *Client) recordGeneration(ctx context.Context, mode types.Mode, transport string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordGeneration(ctx, string(mode), transport, status, time.Since(start))
}
