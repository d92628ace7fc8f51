package nodes

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
	"strings"
	"sync"
	"time"

	"github.com/itchyny/gojq"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retry"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/template"
)

// HTTP node input keys.
const (
	KeyHTTPMethod      = "system_httpMethod"
	KeyHTTPURL         = "system_httpReqUrl"
	KeyHTTPHeader      = "system_httpHeader"
	KeyHTTPParams      = "system_httpParams"
	KeyHTTPJSONBody    = "system_httpJsonBody"
	KeyHTTPFormBody    = "system_httpFormBody"
	KeyHTTPContentType = "system_httpContentType"
	KeyHTTPTimeout     = "system_httpTimeout"

	KeyHTTPRawResponse = "httpRawResponse"
	KeyError           = "error"
)

// Body content types of the HTTP node.
const (
	ContentNone      = "none"
	ContentJSON      = "json"
	ContentFormData  = "form-data"
	ContentURLEncode = "x-www-form-urlencoded"
	ContentXML       = "xml"
	ContentRaw       = "raw-text"
)

const (
	defaultHTTPTimeout = 60 * time.Second
	maxResponseBytes   = 10 << 20
)

// HTTPRequest sends a templated HTTP request and maps the response onto
// the node's declared outputs.
//
// The URL, header values, query parameters and form fields are expanded
// as text. The JSON body is expanded with ExpandJSON, so a placeholder
// outside a string literal becomes a JSON value. Inputs that are not
// system_* keys are extra template variables.
//
// Each declared output other than httpRawResponse and error is a path
// into the decoded response: "data.name", "$.data.name" and "$.items[0]"
// all work. A path matching several values yields a list.
//
// A non-2xx response fails the node with a *retry.HTTPError, so 429 and
// 5xx answers are retried under the node's retry policy.
type HTTPRequest struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
}

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Execute implements dispatch.Executor.
func (h HTTPRequest) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	vars := ctx.Variables()
	for k, v := range in {
		if !strings.HasPrefix(k, "system_") {
			vars[k] = v
		}
	}
	exp := template.NewExpander()
	expand := func(s string) string {
		out, _ := exp.Expand(s, vars, ctx.Output)
		return out
	}

	method := strings.ToUpper(in.String(KeyHTTPMethod))
	if method == "" {
		method = http.MethodPost
	}
	rawURL := strings.TrimSpace(expand(rawInput(ctx, in, KeyHTTPURL)))
	if rawURL == "" {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrMissingInput, KeyHTTPURL)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	var params []keyValue
	if err := decodeInput(in, KeyHTTPParams, &params); err != nil {
		return nil, err
	}
	if len(params) > 0 {
		q := u.Query()
		for _, p := range params {
			if p.Key != "" {
				q.Set(p.Key, expand(p.Value))
			}
		}
		u.RawQuery = q.Encode()
	}

	var headers []keyValue
	if err := decodeInput(in, KeyHTTPHeader, &headers); err != nil {
		return nil, err
	}

	var body io.Reader
	contentType := ""
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		body, contentType, err = h.body(ctx, in, vars, expand)
		if err != nil {
			return nil, err
		}
	}

	timeout := defaultHTTPTimeout
	if secs := in.Int(KeyHTTPTimeout, 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, hd := range headers {
		if hd.Key != "" {
			req.Header.Set(hd.Key, expand(hd.Value))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx.Logger().Debug("http request", "method", method, "url", u.Redacted())
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, dispatch.WrapCollaborator("http", method, &retry.TimeoutError{Op: "http " + method, Duration: timeout})
		}
		return nil, dispatch.WrapCollaborator("http", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, dispatch.WrapCollaborator("http", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, dispatch.WrapCollaborator("http", method, &retry.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(data)), 200),
		})
	}

	var decoded any = string(data)
	var doc any
	if err := json.Unmarshal(data, &doc); err == nil {
		decoded = doc
	}

	outputs := map[string]any{KeyHTTPRawResponse: decoded}
	for _, o := range ctx.Node().Outputs {
		if o.Key == KeyHTTPRawResponse || o.Key == KeyError {
			continue
		}
		v, err := extractPath(ctx, o.Key, decoded)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", o.Key, err)
		}
		outputs[o.Key] = v
	}
	return &dispatch.NodeResult{
		Outputs: outputs,
		Detail: &dispatch.Detail{Extra: map[string]any{
			"httpStatus": resp.StatusCode,
			"httpUrl":    u.Redacted(),
			"httpMethod": method,
		}},
	}, nil
}

func (h HTTPRequest) body(ctx dispatch.Context, in dispatch.Inputs, vars map[string]any, expand func(string) string) (io.Reader, string, error) {
	switch kind := in.String(KeyHTTPContentType); kind {
	case ContentNone:
		return nil, "", nil
	case ContentFormData, ContentURLEncode:
		var fields []keyValue
		if err := decodeInput(in, KeyHTTPFormBody, &fields); err != nil {
			return nil, "", err
		}
		if kind == ContentURLEncode {
			form := url.Values{}
			for _, f := range fields {
				form.Add(f.Key, expand(f.Value))
			}
			return strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", nil
		}
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		for _, f := range fields {
			if err := w.WriteField(f.Key, expand(f.Value)); err != nil {
				return nil, "", fmt.Errorf("form field %s: %w", f.Key, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	case ContentXML:
		return strings.NewReader(expand(rawInput(ctx, in, KeyHTTPJSONBody))), "application/xml", nil
	case ContentRaw:
		return strings.NewReader(expand(rawInput(ctx, in, KeyHTTPJSONBody))), "text/plain", nil
	default:
		raw := strings.TrimSpace(rawInput(ctx, in, KeyHTTPJSONBody))
		if raw == "" {
			return nil, "application/json", nil
		}
		doc := template.NewExpander().ExpandJSON(raw, vars, ctx.Output)
		if !json.Valid([]byte(doc)) {
			return nil, "", fmt.Errorf("json body is not valid JSON after expansion: %s", truncate(doc, 200))
		}
		return strings.NewReader(doc), "application/json", nil
	}
}

// rawInput returns a static string input as written in the workflow,
// before the engine expanded its placeholders. Referenced inputs are
// returned resolved.
func rawInput(ctx dispatch.Context, in dispatch.Inputs, key string) string {
	if decl, ok := ctx.Node().Input(key); ok && decl.Reference == nil {
		if s, ok := decl.Value.(string); ok {
			return s
		}
	}
	return in.String(key)
}

var pathCache sync.Map

// extractPath evaluates a response path. No match is nil and several
// matches are a list.
func extractPath(ctx context.Context, path string, doc any) (any, error) {
	expr := strings.TrimPrefix(strings.TrimSpace(path), "$")
	if !strings.HasPrefix(expr, ".") {
		expr = "." + expr
	}

	var code *gojq.Code
	if c, ok := pathCache.Load(expr); ok {
		code = c.(*gojq.Code)
	} else {
		parsed, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parse path: %w", err)
		}
		code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
		if err != nil {
			return nil, fmt.Errorf("compile path: %w", err)
		}
		pathCache.Store(expr, code)
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if _, isErr := v.(error); isErr {
			// Indexing into a scalar is no match.
			return nil, nil
		}
		if v != nil {
			results = append(results, v)
		}
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
