package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/wasmbundle/internal/buildconfig"
	httpmiddleware "github.com/wolfeidau/wasmbundle/internal/http"
	"github.com/wolfeidau/wasmbundle/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
)

const shutdownTimeout = 5 * time.Second

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger used for request logs.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithTracing wraps the handler with OpenTelemetry HTTP instrumentation.
func WithTracing() Option {
	return func(s *Server) {
		s.tracing = true
	}
}

// Server serves the static directory and, when enabled, the live reload
// endpoint.
type Server struct {
	cfg      buildconfig.DevServer
	log      zerolog.Logger
	tracing  bool
	hub      *Hub
	handler  http.Handler
	listener net.Listener
}

// New builds the handler chain for cfg. Nothing is bound until Listen or Serve.
func New(cfg buildconfig.DevServer, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.LiveReload {
		s.hub = NewHub()
	}

	h, err := s.routes()
	if err != nil {
		return nil, err
	}
	s.handler = h

	return s, nil
}

func (s *Server) routes() (http.Handler, error) {
	// Static files are read-only and never cached by the browser
	static := httpmiddleware.Chain(http.FileServer(http.Dir(s.cfg.StaticDir)),
		httpmiddleware.AllowMethods(http.MethodGet, http.MethodHead),
		httpmiddleware.NoCache(),
	)

	if s.cfg.Compress {
		var err error
		static, err = compression(static)
		if err != nil {
			return nil, fmt.Errorf("failed to configure compression: %w", err)
		}
	}

	// Mount static files and the live reload endpoint
	mux := http.NewServeMux()
	mux.Handle("/", static)
	if s.hub != nil {
		mux.Handle(LiveReloadPath, s.hub)
	}

	var h http.Handler = cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead},
	}).Handler(mux)

	if s.tracing {
		h = otelhttp.NewHandler(h, "devserver")
	}

	return logger.RequestLogger(s.log)(h), nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the live reload hub, or nil when live reload is off.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the configured address. A taken port is reported as
// *buildconfig.PortInUseError.
func (s *Server) Listen() error {
	addr := s.cfg.Addr()
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if buildconfig.IsAddrInUse(err) {
			return &buildconfig.PortInUseError{Addr: addr, Err: err}
		}
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.MaxConnections > 0 {
		l = netutil.LimitListener(l, s.cfg.MaxConnections)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// Serve handles requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	// Configure server with handlers bound to ctx
	srv := configureHTTPServer(s.handler)
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	// Start serving in a goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(s.listener)
	}()

	s.log.Info().Str("addr", s.Addr()).Str("static", s.cfg.StaticDir).
		Bool("compress", s.cfg.Compress).Bool("liveReload", s.hub != nil).
		Msg("Dev server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Websockets are hijacked and not tracked by Shutdown
	if s.hub != nil {
		s.hub.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info().Msg("Shutting down dev server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down dev server: %w", err)
	}
	return nil
}

func configureHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
