package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/songzhibin97/dagflow/plugin"
)

const HTTPRequestID = "http-request"

// ErrRequestFailed wraps transport and body read failures.
var ErrRequestFailed = errors.New("HTTP request failed")

var httpRequestInputs = plugin.Schema{
	"type": "object",
	"properties": plugin.Schema{
		"url":    plugin.Schema{"type": "string", "minLength": 1},
		"method": plugin.Schema{"enum": []string{"GET", "POST", "PUT", "DELETE", "PATCH"}},
		"headers": plugin.Schema{
			"type":                 "object",
			"additionalProperties": plugin.Schema{"type": "string"},
		},
		"body": true,
	},
	"required": []string{"url", "method"},
}

var httpRequestSchema = plugin.MustCompile("http-request.json", httpRequestInputs)

// HTTPRequest calls an HTTP endpoint and returns its status and decoded body.
type HTTPRequest struct {
	client *http.Client
}

// NewHTTPRequest uses client, or a traced default client when nil.
func NewHTTPRequest(client *http.Client) HTTPRequest {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return HTTPRequest{client: client}
}

func (HTTPRequest) Info() plugin.Info {
	return plugin.Info{
		ID:          HTTPRequestID,
		Name:        "HTTP Request",
		Description: "Makes an HTTP request to a specified URL with customizable options",
		Inputs: plugin.Schema{
			"type": "object",
			"properties": plugin.Schema{
				"url":    plugin.DynamicField(plugin.Schema{"type": "string", "minLength": 1}),
				"method": plugin.DynamicField(plugin.Schema{"enum": []string{"GET", "POST", "PUT", "DELETE", "PATCH"}}),
				"headers": plugin.Schema{
					"type":                 "object",
					"additionalProperties": plugin.DynamicField(plugin.Schema{"type": "string"}),
				},
				"body": plugin.DynamicField(plugin.Schema{}),
			},
			"required": []string{"url", "method"},
		},
		Outputs: plugin.Schema{
			"type": "object",
			"properties": plugin.Schema{
				"statusCode": plugin.Schema{"type": "integer"},
				"response":   true,
			},
		},
	}
}

func (h HTTPRequest) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	var in struct {
		URL     string            `json:"url"`
		Method  string            `json:"method"`
		Headers map[string]string `json:"headers"`
		Body    interface{}       `json:"body"`
	}
	if err := plugin.Decode(httpRequestSchema, inputs, &in); err != nil {
		return nil, err
	}

	var body io.Reader
	if in.Body != nil {
		data, err := json.Marshal(in.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode body: %v", plugin.ErrInvalidInput, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", plugin.ErrInvalidInput, err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := h.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRequestFailed, err)
	}
	var decoded interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			// Non-JSON bodies are passed through as text.
			decoded = string(raw)
		}
	}
	return map[string]interface{}{
		"statusCode": resp.StatusCode,
		"response":   decoded,
	}, nil
}
