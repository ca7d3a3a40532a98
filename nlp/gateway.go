// Package nlp wraps the single outbound call to the conversational NLP
// endpoint. It returns the endpoint's reply text or an error; substituting a
// fallback reply is the caller's job.
package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/perjugatar/perjubot/telemetry"
)

var (
	// ErrGateway is wrapped by transport failures and non-2xx responses.
	ErrGateway = errors.New("nlp gateway request failed")
	// ErrEmptyReply means the endpoint answered but with nothing usable.
	ErrEmptyReply = errors.New("nlp gateway returned an empty reply")
)

// Request is the payload sent to the endpoint.
type Request struct {
	Text        string
	Speaker     string
	Relation    string
	HasRelation bool
}

type payload struct {
	Frase    string  `json:"frase"`
	Nombre   string  `json:"nombre"`
	Relacion *string `json:"relacion,omitempty"`
}

// Client issues requests against one endpoint. The zero HTTPClient means
// http.DefaultClient, so no timeout is imposed here.
type Client struct {
	Endpoint   string
	HTTPClient *http.Client
}

// New returns a Client for endpoint.
func New(endpoint string) *Client {
	return &Client{Endpoint: endpoint}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// FetchReply sends one GET carrying the JSON payload and returns the reply text.
func (c *Client) FetchReply(ctx context.Context, r Request) (reply string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "nlp", "nlp.fetch_reply",
		attribute.String("nlp.speaker", r.Speaker),
		attribute.Bool("nlp.has_relation", r.HasRelation),
	)
	defer span.End()

	telemetry.TimeFunc(telemetry.GatewayDuration, func() {
		reply, err = c.fetch(ctx, r)
	})
	switch {
	case err == nil:
		telemetry.CountGateway("ok")
		telemetry.SetSpanSuccess(span)
	case errors.Is(err, ErrEmptyReply):
		telemetry.CountGateway("empty")
		telemetry.RecordError(span, err)
	default:
		telemetry.CountGateway("error")
		telemetry.RecordError(span, err)
	}
	return reply, err
}

func (c *Client) fetch(ctx context.Context, r Request) (string, error) {
	if c.Endpoint == "" {
		return "", fmt.Errorf("%w: endpoint not configured", ErrGateway)
	}
	p := payload{Frase: r.Text, Nombre: r.Speaker}
	if r.HasRelation {
		rel := r.Relation
		p.Relacion = &rel
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %w", ErrGateway, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	resp, err := c.http().Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGateway, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read body: %w", ErrGateway, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s: %s", ErrGateway, resp.Status, strings.TrimSpace(string(b)))
	}
	reply := extractReply(b)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// extractReply accepts a bare JSON string, an object with a string "data"
// field, or plain text.
func extractReply(b []byte) string {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.TrimSpace(s)
		}
	case '{':
		var obj struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &obj); err == nil {
			var s string
			if len(obj.Data) > 0 && json.Unmarshal(obj.Data, &s) == nil {
				return strings.TrimSpace(s)
			}
			return ""
		}
	}
	return string(trimmed)
}
