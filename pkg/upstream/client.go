package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"

// HTTPError is a non-2xx reply from the upstream, carrying a bounded body
// excerpt for classification and logging.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err indicates the bearer token was rejected.
// 401/403 are authoritative; a 400 whose body names an auth problem also
// counts. Anything else is not treated as a token failure.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
		return true
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(httpErr.Body)
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid token") ||
		strings.Contains(msg, "token expired") ||
		strings.Contains(msg, "authentication failed")
}

// IsTimeout reports whether err was caused by the configured deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type modelItem struct {
	ID             string  `json:"id"`
	Object         string  `json:"object"`
	OwnedBy        string  `json:"owned_by"`
	Root           string  `json:"root"`
	Parent         *string `json:"parent"`
	Status         string  `json:"status"`
	ConnectionType string  `json:"connection_type"`
	Name           string  `json:"name"`
}

// ChatPayload is the upstream's native chat request schema.
type ChatPayload struct {
	Stream          bool              `json:"stream"`
	Model           string            `json:"model"`
	Messages        []ChatMessage     `json:"messages"`
	Params          map[string]any    `json:"params"`
	ToolServers     []any             `json:"tool_servers"`
	Features        map[string]bool   `json:"features"`
	Variables       map[string]string `json:"variables"`
	ModelItem       modelItem         `json:"model_item"`
	BackgroundTasks map[string]bool   `json:"background_tasks"`
	ChatID          string            `json:"chat_id"`
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
}

// NewChatPayload builds the upstream request body. params carries the
// pass-through OpenAI sampling fields (temperature, max tokens, top-p, stop)
// and may be nil.
func NewChatPayload(modelID, modelOwner string, messages []ChatMessage, stream bool, params map[string]any) ChatPayload {
	if params == nil {
		params = map[string]any{}
	}
	now := time.Now()
	return ChatPayload{
		Stream:      stream,
		Model:       modelID,
		Messages:    messages,
		Params:      params,
		ToolServers: []any{},
		Features: map[string]bool{
			"image_generation": false,
			"code_interpreter": false,
			"web_search":       false,
		},
		Variables: map[string]string{
			"{{CURRENT_DATETIME}}": now.Format("2006-01-02 15:04:05"),
			"{{CURRENT_DATE}}":     now.Format("2006-01-02"),
			"{{CURRENT_TIME}}":     now.Format("15:04:05"),
			"{{CURRENT_WEEKDAY}}":  now.Weekday().String(),
			"{{CURRENT_TIMEZONE}}": now.Location().String(),
			"{{USER_LANGUAGE}}":    "en-US",
		},
		ModelItem: modelItem{
			ID:             modelID,
			Object:         "model",
			OwnedBy:        modelOwner,
			Root:           modelID,
			Status:         "active",
			ConnectionType: "external",
			Name:           modelID,
		},
		BackgroundTasks: map[string]bool{
			"title_generation": true,
			"tags_generation":  true,
		},
		ChatID:    uuid.NewString(),
		ID:        uuid.NewString(),
		SessionID: uuid.NewString(),
	}
}

// Client talks to the K2-Think chat and login endpoints. One Client is
// shared per process so the underlying connection pool is reused.
type Client struct {
	chatURL  string
	loginURL string
	origin   string
	http     *http.Client
}

func NewClient(chatURL, loginURL string, requestTimeout, connectTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 120 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Client{
		chatURL:  chatURL,
		loginURL: loginURL,
		origin:   originOf(chatURL),
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   connectTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Chat issues the upstream chat call with the given bearer token. On 2xx the
// response is returned with its body open for the caller to stream; on any
// other status the body is drained into an *HTTPError.
func (c *Client) Chat(ctx context.Context, token string, payload ChatPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", browserUserAgent)
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/c/"+payload.ChatID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges account credentials for a bearer token. The upstream sets
// the token in a "token" cookie on the signin response; a "token" field in
// the JSON body is accepted as a fallback.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	if c.loginURL == "" {
		return "", errors.New("login url not configured")
	}
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", browserUserAgent)
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/auth?mode=signin")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == "token" && ck.Value != "" {
			return ck.Value, nil
		}
	}
	var out loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err == nil {
		if strings.TrimSpace(out.Token) != "" {
			return strings.TrimSpace(out.Token), nil
		}
	}
	return "", errors.New("login response carried no token")
}
