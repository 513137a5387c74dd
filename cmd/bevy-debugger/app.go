package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/bevy-tools/bevy-debugger-mcp/internal/auth"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/brp/validate"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/config"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/diagnostics"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/domain"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/handlers/anomaly"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/logging"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/perf"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/registry"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/router"
	"github.com/bevy-tools/bevy-debugger-mcp/internal/session"
)

// application holds every long-lived dependency the two transport modes
// (stdio/tcp) share; only the transport and principal resolution differ
// between them.
type application struct {
	cfg        *config.Config
	logger     *zap.Logger
	brpClient  *brp.Client
	router     *router.Router
	sessions   *session.Store
	components *validate.ComponentRegistry
	entities   *validate.EntityCache
	monitor    *perf.Monitor
	registry   *registry.Registry
	tokens     *auth.TokenManager

	observeCache *observeCache

	detectorsMu sync.Mutex
	detectors   map[string]*anomaly.Detector

	sessionsMu        sync.Mutex
	principalSessions map[string]string

	diagSrv *http.Server
}

func buildApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	app := &application{
		cfg:               cfg,
		logger:            logger,
		sessions:          session.NewStore(cfg.DataDir),
		components:        validate.NewComponentRegistry(),
		entities:          validate.NewEntityCache(),
		router:            router.New(),
		registry:          registry.New(),
		observeCache:      newObserveCache(),
		detectors:         make(map[string]*anomaly.Detector),
		principalSessions: make(map[string]string),
	}

	budgets := []perf.Budget{
		{Metric: domain.MetricFrameTimeMS, Value: 16.6},
		{Metric: domain.MetricMemoryMB, Value: 4096},
		{Metric: domain.MetricMemoryPercent, Value: 90},
		{Metric: domain.MetricCPUPercent, Value: 90},
	}
	app.monitor = perf.NewMonitor(logger, budgets)

	brpURL := fmt.Sprintf("ws://%s:%d/", cfg.BRPHost, cfg.BRPPort)
	app.brpClient = brp.New(brpURL, logger, app.entities, app.onNotification, app.onConnect)
	go app.brpClient.Run(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}
	if err := perf.StartHostSampling(scheduler, app.monitor, 5*time.Second); err != nil {
		return nil, fmt.Errorf("start host sampling: %w", err)
	}
	scheduler.Start()

	if cfg.Mode == config.TransportTCP {
		if cfg.TCPAuthSecret == "" {
			return nil, fmt.Errorf("--tcp-auth-secret is required in tcp mode")
		}
		app.tokens = auth.NewTokenManager(cfg.TCPAuthSecret, "bevy-debugger")
	}

	registerTools(app)

	if cfg.DiagnosticsAddr != "" {
		h := diagnostics.NewRouter(diagnostics.Deps{
			BRPClient: app.brpClient,
			Router:    app.router,
			Registry:  app.registry,
			Logger:    logger,
		})
		app.diagSrv = &http.Server{Addr: cfg.DiagnosticsAddr, Handler: h}
		go func() {
			logger.Info("diagnostics surface listening", zap.String("addr", cfg.DiagnosticsAddr))
			if err := app.diagSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("diagnostics server error", zap.Error(err))
			}
		}()
	}

	return app, nil
}

// onNotification handles unsolicited BRP notifications by logging their
// topic at debug level. No notification, frame-rendered ones included, is
// forwarded anywhere else; the screenshot handler's frame waiter does not
// wait on them.
func (a *application) onNotification(n domain.Notification) {
	a.logger.Debug("brp notification", zap.String("topic", n.Topic))
}

// onConnect refreshes the component registry from the remote's reflection
// schema every time the connection comes up, so a strict observe/query
// right after (re)connect sees the current component set rather than an
// empty one.
func (a *application) onConnect(ctx context.Context, c *brp.Client) {
	resp, err := c.Call(ctx, domain.BrpMethodList, nil)
	if err != nil {
		a.logger.Warn("failed to load component registry on connect", zap.Error(err))
		return
	}
	if resp.IsError() {
		a.logger.Warn("bevy/list returned an error", zap.String("message", resp.Error.Message))
		return
	}

	var names []string
	if err := json.Unmarshal(resp.Result, &names); err != nil {
		a.logger.Warn("failed to decode bevy/list result", zap.Error(err))
		return
	}

	ids := make([]domain.ComponentTypeID, len(names))
	for i, name := range names {
		ids[i] = domain.ComponentTypeID(name)
	}
	a.components.Replace(ids)
	a.logger.Info("component registry refreshed", zap.Int("count", len(ids)))
}

func (a *application) shutdown(ctx context.Context) {
	a.router.Shutdown()
	if a.diagSrv != nil {
		_ = a.diagSrv.Close()
	}
}

// principalForStdio resolves the single trusted local principal from the
// configured capability set (spec §4.10).
func principalForStdio(cfg *config.Config) auth.Principal {
	return auth.NewPrincipal("stdio-principal", auth.ParseCapabilities(cfg.PrincipalCapabilitiesCSV))
}

// authenticateTCP reads the first line of conn as a bearer token and
// resolves it to a Principal, enforcing the 5s handshake deadline spec
// §4.10 requires.
func authenticateTCP(conn net.Conn, tokens *auth.TokenManager) (auth.Principal, error) {
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return auth.Principal{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	line, err := readLine(conn)
	if err != nil {
		return auth.Principal{}, fmt.Errorf("tcp handshake: %w", err)
	}
	return tokens.Validate(string(line))
}

func readLine(conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, 512)
	b := make([]byte, 1)
	for {
		n, err := conn.Read(b)
		if n > 0 {
			if b[0] == '\n' {
				return buf, nil
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			return nil, err
		}
		if len(buf) > 4096 {
			return nil, fmt.Errorf("handshake line too long")
		}
	}
}
