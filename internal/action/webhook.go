package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/pitabwire/waypoint/internal/breaker"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

const (
	maxResponseBytes = 1 << 20
	outputPrefix     = "output."
	headerPrefix     = "header."
)

// Webhook calls an external HTTP endpoint for an activity.
//
// Params: url (required), method (default POST), header.<Name> request
// headers, and output.<var> = <jsonpath> mappings applied to the JSON
// response. The http_status variable is always set.
type Webhook struct {
	client  *http.Client
	breaker *breaker.Breaker
	headers map[string]string
}

// NewWebhook creates the http handler. A nil client uses a client with a 10s
// timeout; a nil breaker disables circuit breaking.
func NewWebhook(client *http.Client, cb *breaker.Breaker, headers map[string]string) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{client: client, breaker: cb, headers: headers}
}

type webhookPayload struct {
	InstanceID   string            `json:"instance_id"`
	DefinitionID string            `json:"definition_id"`
	NodeID       string            `json:"node_id"`
	Scope        string            `json:"scope"`
	Key          string            `json:"key"`
	Text         string            `json:"text,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
}

// Handle implements Handler.
func (w *Webhook) Handle(ctx context.Context, req Request) (map[string]string, error) {
	target := req.Params["url"]
	if target == "" {
		return nil, fmt.Errorf("http: url is required")
	}
	method := strings.ToUpper(req.Params["method"])
	if method == "" {
		method = http.MethodPost
	}

	var out map[string]string
	call := func(ctx context.Context) error {
		var err error
		out, err = w.do(ctx, method, target, req)
		return err
	}
	if w.breaker == nil {
		return out, call(ctx)
	}
	if err := w.breaker.Do(ctx, call); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Webhook) do(ctx context.Context, method, target string, req Request) (map[string]string, error) {
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		b, err := json.Marshal(webhookPayload{
			InstanceID:   req.InstanceID,
			DefinitionID: req.DefinitionID,
			NodeID:       req.NodeID,
			Scope:        req.Scope,
			Key:          req.Key,
			Text:         req.Text,
			Variables:    req.Variables,
		})
		if err != nil {
			return nil, fmt.Errorf("http: marshal body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("http: build request: %w", err)
	}
	hreq.Header.Set("Accept", "application/json")
	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range w.headers {
		hreq.Header.Set(k, v)
	}
	for k, v := range req.Params {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok {
			hreq.Header.Set(sanitizeHeader(name), sanitizeHeader(v))
		}
	}
	observability.InjectTraceHeaders(ctx, hreq.Header)

	resp, err := w.client.Do(hreq)
	if err != nil {
		return nil, model.NewTransientNetworkError("webhook unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, model.NewTransientNetworkError("read webhook response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewTransientNetworkError(fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode), nil)
	}

	out := map[string]string{"http_status": strconv.Itoa(resp.StatusCode)}
	mappings := outputMappings(req.Params)
	if len(mappings) == 0 || len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("http: decode response: %w", err)
	}
	for _, m := range mappings {
		v, err := jsonpath.JsonPathLookup(doc, m.expr)
		if err != nil {
			continue
		}
		out[m.name] = stringify(v)
	}
	return out, nil
}

type mapping struct {
	name string
	expr string
}

func outputMappings(params map[string]string) []mapping {
	var out []mapping
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, outputPrefix); ok && name != "" {
			out = append(out, mapping{name: name, expr: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", "")
}
