// Package agent provides a streaming client for hosted Agent Studio
// completions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	// HeaderApplicationID carries the application identifier.
	HeaderApplicationID = "x-algolia-application-id"
	// HeaderAPIKey carries the API key.
	HeaderAPIKey = "x-algolia-api-key"

	readBufferSize = 4096
)

// DeltaHandler is called for every text delta, in arrival order.
// Returning an error stops consumption of the stream.
type DeltaHandler func(delta string) error

// Streamer sends one user turn and streams back the reply.
type Streamer interface {
	Stream(ctx context.Context, text string, onDelta DeltaHandler) error
}

// Ensure Client implements Streamer interface.
var _ Streamer = (*Client)(nil)

// Config identifies the agent to talk to.
type Config struct {
	ApplicationID string
	APIKey        string
	AgentID       string
	// BaseURL overrides the host derived from ApplicationID.
	BaseURL string
}

// Endpoint returns the completions URL in streaming, delta-compatible mode.
func (c Config) Endpoint() string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.algolia.net", strings.ToLower(c.ApplicationID))
	}
	return fmt.Sprintf("%s/agent-studio/1/agents/%s/completions?stream=true&compatibilityMode=ai-sdk-5",
		base, url.PathEscape(c.AgentID))
}

// Client is the Agent Studio completions client.
type Client struct {
	endpoint   string
	appID      string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new agent client. No client-side timeout is set;
// transport defaults apply.
func NewClient(cfg Config) *Client {
	return &Client{
		endpoint:   cfg.Endpoint(),
		appID:      cfg.ApplicationID,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
	}
}

// CompletionRequest is the request body of a completion call.
type CompletionRequest struct {
	Messages []RequestMessage `json:"messages"`
}

// RequestMessage is one message of a completion request.
type RequestMessage struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a text part of a request message.
type Part struct {
	Text string `json:"text"`
}

// NewCompletionRequest builds a request carrying only the current user turn.
func NewCompletionRequest(text string) *CompletionRequest {
	return &CompletionRequest{
		Messages: []RequestMessage{
			{Role: "user", Parts: []Part{{Text: text}}},
		},
	}
}

// Stream posts text as a single user message and feeds every text delta
// of the reply to onDelta. It returns a *RequestError for non-success
// statuses and a *StreamError when the agent embeds an error in the
// stream; any later stream content is left unread.
func (c *Client) Stream(ctx context.Context, text string, onDelta DeltaHandler) error {
	body, err := json.Marshal(NewCompletionRequest(text))
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "read error response")
		}
		reqErr := &RequestError{StatusCode: resp.StatusCode, Message: ExtractErrorMessage(respBody)}
		log.Debug().Str("component", "agent").Msg(describeStatus(reqErr.StatusCode, reqErr.Message))
		return reqErr
	}

	return consume(resp.Body, onDelta)
}

// consume reads r chunk by chunk and dispatches decoded events.
func consume(r io.Reader, onDelta DeltaHandler) error {
	var dec LineDecoder
	chunk := make([]byte, readBufferSize)

	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			for _, line := range dec.Feed(chunk[:n]) {
				ev := ParseLine(line)
				switch ev.Kind {
				case EventTextDelta:
					if err := onDelta(ev.Delta); err != nil {
						return err
					}
				case EventError:
					return &StreamError{Message: ev.Error}
				}
			}
		}

		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return errors.Wrap(readErr, "read stream")
		}
	}
}

// setHeaders sets common request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderApplicationID, c.appID)
	req.Header.Set(HeaderAPIKey, c.apiKey)
}
