package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"time"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/bytedance/sonic"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

const (
	tokenPath         = "/token"
	metricsPath       = "/metrics"
	clientSecretsPath = "/realtime/client_secrets"

	vendorTimeout = 15 * time.Second
	tokenFailure  = "Failed to generate token"
)

type Config struct {
	Addr    string
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	// StaticDir is served with an index.html fallback. Empty disables it.
	StaticDir string
}

func DefaultConfig() Config {
	return Config{
		Addr:    ":3000",
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-realtime",
		Voice:   "verse",
	}
}

// Server exchanges the long-lived API key for short-lived client secrets and
// serves the console's static assets.
type Server struct {
	logger      shared.LoggerAdapter
	cfg         Config
	secretsUrl  string
	sessionBody []byte
	http        *fasthttp.Client
	metrics     *Metrics
	static      fasthttp.RequestHandler
	promHandler fasthttp.RequestHandler

	exposeMetrics bool
}

type Option func(*Server)

// WithHTTPClient sets the client used to reach the vendor API.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(s *Server) { s.http = hc }
}

// WithMetrics records into m and exposes it at /metrics. Without it the
// counters are still kept but nothing beyond /token and the static assets is
// served.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
		s.exposeMetrics = true
	}
}

func NewServer(logger shared.LoggerAdapter, cfg Config, opts ...Option) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model is required", shared.ErrInvalidConfig)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: base URL %q is not absolute", shared.ErrInvalidConfig, cfg.BaseURL)
	}
	body, err := sessionRequest(cfg)
	if err != nil {
		return nil, fmt.Errorf("building session request: %w", err)
	}
	s := &Server{
		logger:      logger.With(zap.String("component", "broker")),
		cfg:         cfg,
		secretsUrl:  base.JoinPath(clientSecretsPath).String(),
		sessionBody: body,
		http:        &fasthttp.Client{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.exposeMetrics {
		s.promHandler = fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}),
		)
	}
	if cfg.StaticDir != "" {
		index := filepath.Join(cfg.StaticDir, "index.html")
		fs := &fasthttp.FS{
			Root:       cfg.StaticDir,
			IndexNames: []string{"index.html"},
			PathNotFound: func(ctx *fasthttp.RequestCtx) {
				ctx.SendFile(index)
			},
		}
		s.static = fs.NewRequestHandler()
	}
	return s, nil
}

// sessionRequest is the client secret request body: the session config
// carrying the model and the voice.
func sessionRequest(cfg Config) ([]byte, error) {
	session := realtime.RealtimeSessionCreateRequestParam{
		Audio: realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(cfg.Voice),
			},
		},
	}
	sessBytes, err := session.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling session: %w", err)
	}
	body, err := sjson.SetRawBytes([]byte(`{}`), "session", sessBytes)
	if err != nil {
		return nil, err
	}
	if body, err = sjson.SetBytes(body, "session.type", "realtime"); err != nil {
		return nil, err
	}
	return sjson.SetBytes(body, "session.model", cfg.Model)
}

func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == tokenPath:
			if !ctx.IsGet() {
				ctx.Error(fasthttp.StatusMessage(fasthttp.StatusMethodNotAllowed), fasthttp.StatusMethodNotAllowed)
				return
			}
			s.handleToken(ctx)
		case path == metricsPath && s.promHandler != nil:
			s.promHandler(ctx)
		case s.static != nil && (ctx.IsGet() || ctx.IsHead()):
			s.static(ctx)
		default:
			ctx.Error(fasthttp.StatusMessage(fasthttp.StatusNotFound), fasthttp.StatusNotFound)
		}
	}
}

func (s *Server) handleToken(ctx *fasthttp.RequestCtx) {
	value, expiresAt, err := s.mint()
	switch {
	case errors.Is(err, errNoSecret):
		s.metrics.tokenRequests.WithLabelValues(outcomeNoSecret).Inc()
		s.logger.Error("token generation error", err)
		s.writeJSON(ctx, fasthttp.StatusBadGateway, map[string]any{"error": tokenFailure})
	case err != nil:
		s.metrics.tokenRequests.WithLabelValues(outcomeVendorError).Inc()
		s.logger.Error("token generation error", err)
		s.writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": tokenFailure})
	default:
		s.metrics.tokenRequests.WithLabelValues(outcomeOK).Inc()
		s.logger.Debug("token generated", zap.Int64("expires_at", expiresAt))
		s.writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"client_secret": map[string]any{
				"value":      value,
				"expires_at": expiresAt,
			},
		})
	}
}

var errNoSecret = errors.New("vendor reply has no client secret")

// mint asks the vendor for a client secret. Both the current reply shape
// (value at the top level) and the nested client_secret shape are accepted.
func (s *Server) mint() (value string, expiresAt int64, err error) {
	req := fasthttp.AcquireRequest()
	req.SetRequestURI(s.secretsUrl)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(s.sessionBody)

	ctx, cancel := context.WithTimeout(context.Background(), vendorTimeout)
	defer cancel()
	start := time.Now()
	status, body, err := shared.DoContext(ctx, s.http, req)
	s.metrics.vendorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", 0, fmt.Errorf("performing HTTP request: %w", err)
	}
	if status < fasthttp.StatusOK || status >= fasthttp.StatusMultipleChoices {
		return "", 0, fmt.Errorf("unexpected status code: %d, body: %s", status, string(body))
	}
	for _, prefix := range []string{"", "client_secret."} {
		if v := gjson.GetBytes(body, prefix+"value"); v.Type == gjson.String && v.Str != "" {
			return v.Str, gjson.GetBytes(body, prefix+"expires_at").Int(), nil
		}
	}
	return "", 0, errNoSecret
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error("marshaling response", err)
		ctx.Error(fasthttp.StatusMessage(fasthttp.StatusInternalServerError), fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		Name:         "realtime-console",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errC := make(chan error, 1)
	go func() { errC <- srv.Serve(ln) }()
	s.logger.Info("broker listening", zap.String("addr", ln.Addr().String()))
	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}
	if err := srv.Shutdown(); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	<-errC
	return nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}
