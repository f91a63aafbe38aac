package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/bigmoletos/whisper-sub001/internal/bus"
	"github.com/bigmoletos/whisper-sub001/internal/config"
	"github.com/bigmoletos/whisper-sub001/internal/ingest"
	"github.com/bigmoletos/whisper-sub001/internal/natsserver"
	"github.com/bigmoletos/whisper-sub001/internal/session"
)

// shutdownTimeout bounds the whole stop sequence; session close dominates.
const shutdownTimeout = 30 * time.Second

// Runtime wires the daemon together: telemetry, the optional bus, the
// session manager and the HTTP surfaces. Start blocks until ctx is done.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	metrics, err := session.NewMetrics(otel.Meter("github.com/bigmoletos/whisper-sub001/session"))
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	var (
		natsSrv   *natsserver.EmbeddedServer
		busClient *bus.Client
		events    session.EventSink
	)
	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		if busCfg.Embedded {
			natsSrv, err = natsserver.Start(busCfg, r.cfg.Session.DataDir, r.logger)
			if err != nil {
				return fmt.Errorf("failed to start embedded nats: %w", err)
			}
			busCfg.Servers = []string{natsSrv.ClientURL()}
		}
		busClient, err = bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			if natsSrv != nil {
				natsSrv.Shutdown()
			}
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		events = bus.NewPublisher(busClient, busCfg.PublishCaptions, r.logger)
	}

	manager, err := NewManager(r.cfg, events, metrics, r.logger)
	if err != nil {
		busClient.Close()
		if natsSrv != nil {
			natsSrv.Shutdown()
		}
		return fmt.Errorf("failed to build session manager: %w", err)
	}

	var ingestSvc *ingest.Service
	if busClient != nil {
		ingestSvc = ingest.NewService(busClient, manager, r.cfg.Audio.SampleRate, r.logger)
		if err := ingestSvc.Start(); err != nil {
			busClient.Close()
			if natsSrv != nil {
				natsSrv.Shutdown()
			}
			return fmt.Errorf("failed to start audio ingest: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	newAPI(manager, r.logger).register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	// Scrapers get their own listener so operators can firewall it apart
	// from the control API.
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics_addr", r.cfg.Telemetry.PrometheusBind),
		slog.Bool("bus", busClient.Healthy()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Inputs first, then the sessions close durably, then the plumbing.
	if ingestSvc != nil {
		ingestSvc.Close()
	}
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	manager.CloseAll(shutdownCtx)

	busClient.Close()
	if natsSrv != nil {
		natsSrv.Shutdown()
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
