package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/taintmap/pkg/config"
	"github.com/Sumatoshi-tech/taintmap/pkg/iast"
	"github.com/Sumatoshi-tech/taintmap/pkg/observability"
	"github.com/Sumatoshi-tech/taintmap/pkg/taint"
)

// ErrShuttingDown is reported by the readiness check once shutdown has begun.
var ErrShuttingDown = errors.New("server is shutting down")

// ServeCommand holds the flags of the serve command.
type ServeCommand struct {
	host string
	port int
}

// NewServeCommand creates the serve subcommand.
func NewServeCommand() *cobra.Command {
	sc := &ServeCommand{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo HTTP server with per-request taint tracking",
		Long: `Serve an HTTP API in which every request gets its own taint map.

Endpoints:
  /echo?q=...  report whether q is tainted and by which source
  /metrics     Prometheus scrape endpoint
  /healthz     liveness probe
  /readyz      readiness probe`,
		Args: cobra.NoArgs,
		RunE: sc.run,
	}

	cmd.Flags().StringVar(&sc.host, "host", "", "Listen host (default: server.host)")
	cmd.Flags().IntVar(&sc.port, "port", 0, "Listen port (default: server.port)")

	return cmd
}

func (sc *ServeCommand) run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if sc.host != "" {
		cfg.Server.Host = sc.host
	}

	if sc.port > 0 {
		cfg.Server.Port = sc.port
	}

	providers, err := observability.Init(observabilityConfig(cfg, observability.ModeServe), observability.WithPrometheus())
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	defer func() {
		shutdownErr := providers.Shutdown(context.Background())
		if shutdownErr != nil {
			providers.Logger.Warn("observability shutdown failed", "error", shutdownErr)
		}
	}()

	red, err := observability.NewREDMetrics(providers.Meter)
	if err != nil {
		return err
	}

	tm, err := observability.NewTaintMetrics(providers.Meter)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := newServer(serverDeps{
		cfg:       cfg,
		providers: providers,
		red:       red,
		taint:     tm,
		iast:      iast.NewProvider(cfg.IAST, providers.Logger),
	})

	return srv.run(ctx)
}

type serverDeps struct {
	cfg       *config.Config
	providers observability.Providers
	red       *observability.REDMetrics
	taint     *observability.TaintMetrics
	iast      iast.Provider
}

type server struct {
	deps         serverDeps
	httpServer   *http.Server
	shuttingDown atomic.Bool
}

func newServer(deps serverDeps) *server {
	s := &server{deps: deps}
	s.httpServer = &http.Server{
		Addr:         deps.cfg.Server.Addr(),
		Handler:      s.handler(),
		ReadTimeout:  deps.cfg.Server.ReadTimeout,
		WriteTimeout: deps.cfg.Server.WriteTimeout,
		IdleTimeout:  deps.cfg.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(deps.providers.Logger.Handler(), slog.LevelWarn),
	}

	return s
}

// handler routes the endpoints. Only /echo is taint tracked; the whole mux is
// wrapped by the tracing middleware so spans carry the matched route.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /echo", iast.Middleware(s.deps.iast, http.HandlerFunc(echo),
		iast.WithMetrics(s.deps.taint),
		iast.WithTracerProvider(otel.GetTracerProvider()),
		iast.WithLogger(s.deps.providers.Logger),
	))
	mux.Handle("GET /healthz", observability.HealthHandler())
	mux.Handle("GET /readyz", observability.ReadyHandler(observability.ReadyCheck{
		Name:  "shutdown",
		Check: s.readyCheck,
	}))

	if s.deps.providers.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.deps.providers.MetricsHandler)
	}

	return observability.HTTPMiddleware(s.deps.providers.Tracer, s.deps.red, mux)
}

func (s *server) readyCheck(_ context.Context) error {
	if s.shuttingDown.Load() {
		return ErrShuttingDown
	}

	return nil
}

// run serves until ctx is cancelled, then shuts down gracefully.
func (s *server) run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}

	return s.serve(ctx, listener)
}

func (s *server) serve(ctx context.Context, listener net.Listener) error {
	logger := s.deps.providers.Logger
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.InfoContext(gctx, "server listening",
			"addr", listener.Addr().String(), "iast", s.deps.iast.Enabled())

		serveErr := s.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", serveErr)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		s.shuttingDown.Store(true)
		logger.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deps.cfg.Server.ShutdownTimeout)
		defer cancel()

		if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}

		return nil
	})

	return g.Wait()
}

type echoResponse struct {
	Value          string        `json:"value"`
	Tainted        bool          `json:"tainted"`
	Source         *taint.Source `json:"source,omitempty"`
	Message        string        `json:"message"`
	MessageTainted bool          `json:"message_tainted"`
}

const echoPrefix = "echo: "

// echo is the demo sink: it reports whether the q parameter reached it
// tainted and from which source, and whether the taint followed q into the
// message built from it.
func echo(rw http.ResponseWriter, hr *http.Request) {
	value := hr.FormValue("q")
	resp := echoResponse{Value: value, Message: echoPrefix + value}

	if ic, ok := iast.FromContext(hr.Context()); ok {
		resp.Tainted = ic.IsTainted(value)

		if source, found := ic.Source(value); found {
			resp.Source = &source
		}

		resp.MessageTainted = ic.Propagate(hr.Context(), resp.Message, value)
	}

	rw.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(rw).Encode(resp); err != nil {
		slog.Default().WarnContext(hr.Context(), "encode echo response", "error", err)
	}
}
