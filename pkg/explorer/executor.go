package explorer

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// ErrRequestTimeout marks an executor failure caused by the per-request
// timeout. The engine downgrades its issue severity accordingly.
var ErrRequestTimeout = errors.New("request timed out")

// Response is the envelope an Executor returns: a status code, the decoded
// JSON body (non-JSON bodies wrap as {"raw": "<text>"}), and any headers.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// BodyMap returns the body as an object, or nil when it is not one.
func (r *Response) BodyMap() map[string]any {
	if r == nil {
		return nil
	}
	m, _ := r.Body.(map[string]any)
	return m
}

// Executor turns an Action into a Response. An executor that returns an
// error is treated like a 500-class failure with the error recorded.
type Executor interface {
	Execute(ctx context.Context, action Action) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action Action) (*Response, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, action Action) (*Response, error) {
	return f(ctx, action)
}

// HTTPExecutorOption configures the built-in executor.
type HTTPExecutorOption func(*HTTPExecutor)

// WithOAuth2ClientCredentials authenticates every request with a token from
// the OAuth2 client-credentials flow instead of the static config token.
func WithOAuth2ClientCredentials(clientID, clientSecret, tokenURL string, scopes ...string) HTTPExecutorOption {
	return func(e *HTTPExecutor) {
		cc := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		e.tokens = cc.TokenSource(context.Background())
	}
}

// WithRateLimit paces outgoing requests.
func WithRateLimit(rps float64, burst int) HTTPExecutorOption {
	return func(e *HTTPExecutor) {
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithExecutorLogger sets the executor's logger.
func WithExecutorLogger(log zerolog.Logger) HTTPExecutorOption {
	return func(e *HTTPExecutor) {
		e.log = log
	}
}

// HTTPExecutor is the built-in Executor. It owns the only network handle in
// a run: a fasthttp client configured from the ExplorationConfig (timeouts,
// redirect following, TLS verification, default headers, bearer auth).
type HTTPExecutor struct {
	baseURL string
	config  ExplorationConfig
	client  *fasthttp.Client
	tokens  oauth2.TokenSource
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewHTTPExecutor builds an executor for the given base URL.
func NewHTTPExecutor(baseURL string, config ExplorationConfig, opts ...HTTPExecutorOption) *HTTPExecutor {
	timeout := time.Duration(config.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	e := &HTTPExecutor{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		client: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			TLSConfig:    &tls.Config{InsecureSkipVerify: !config.VerifySSL},
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute issues the HTTP request an action describes and decodes the
// response. The reserved _path_params key never reaches the wire.
func (e *HTTPExecutor) Execute(ctx context.Context, action Action) (*Response, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(action.Method)
	req.SetRequestURI(e.buildURL(action))

	for key, value := range e.config.Headers {
		req.Header.Set(key, value)
	}
	for key, value := range action.Headers {
		req.Header.Set(key, value)
	}
	if err := e.setAuthHeader(req); err != nil {
		return nil, err
	}

	if action.Body != nil {
		body, err := json.Marshal(action.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	e.log.Debug().Str("method", action.Method).Str("url", string(req.RequestURI())).Msg("executing action")

	timeout := time.Duration(e.config.RequestTimeoutSeconds) * time.Second
	var err error
	if e.config.FollowRedirects {
		err = e.client.DoRedirects(req, resp, 10)
	} else {
		err = e.client.DoTimeout(req, resp, timeout)
	}
	if err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s %s", ErrRequestTimeout, action.Method, action.Endpoint)
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}

	headers := make(map[string]string)
	resp.Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = string(value)
	})

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       decodeBody(resp.Body()),
		Headers:    headers,
	}, nil
}

// Close releases idle connections. The engine calls this at the end of a
// run when it owns the executor.
func (e *HTTPExecutor) Close() {
	e.client.CloseIdleConnections()
}

func (e *HTTPExecutor) setAuthHeader(req *fasthttp.Request) error {
	if e.tokens != nil {
		token, err := e.tokens.Token()
		if err != nil {
			return fmt.Errorf("failed to fetch oauth2 token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
		return nil
	}
	if e.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.config.AuthToken)
	}
	return nil
}

func (e *HTTPExecutor) buildURL(action Action) string {
	endpoint := action.Endpoint
	full := endpoint
	if !strings.HasPrefix(endpoint, "http") {
		full = e.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	}

	query := url.Values{}
	names := make([]string, 0, len(action.Params))
	for name := range action.Params {
		names = append(names, name)
	}
	for _, name := range names {
		if name == PathParamsKey {
			continue
		}
		query.Set(name, fmt.Sprintf("%v", action.Params[name]))
	}
	if encoded := query.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(full, "?") {
			sep = "&"
		}
		full += sep + encoded
	}
	return full
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return map[string]any{}
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return map[string]any{"raw": string(body)}
	}
	return decoded
}
