package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-readalong/internal/autoscroll"
	"github.com/loqalabs/loqa-readalong/internal/bus"
	"github.com/loqalabs/loqa-readalong/internal/clock"
	"github.com/loqalabs/loqa-readalong/internal/config"
	"github.com/loqalabs/loqa-readalong/internal/content"
	"github.com/loqalabs/loqa-readalong/internal/hostbridge"
	"github.com/loqalabs/loqa-readalong/internal/natsserver"
	"github.com/loqalabs/loqa-readalong/internal/orchestrator"
	"github.com/loqalabs/loqa-readalong/internal/playback"
	"github.com/loqalabs/loqa-readalong/internal/playback/beepaudio"
	"github.com/loqalabs/loqa-readalong/internal/profilestore"
	"github.com/loqalabs/loqa-readalong/internal/protocol"
	"github.com/loqalabs/loqa-readalong/internal/tts"
)

// Options carries process-level knobs that are not part of the config file.
type Options struct {
	// ConfigPath enables hot reload when engine.watch_config is set.
	ConfigPath string
	// Level is adjusted when a reloaded config changes telemetry.log_level.
	Level *slog.LevelVar
	// Handles overrides the sound card, mostly for tests.
	Handles playback.Factory
}

type Runtime struct {
	cfg    atomic.Pointer[config.Config]
	opts   Options
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	profiles *profilestore.Store
	audio    *beepaudio.Output
	handles  playback.Factory
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *hostbridge.Registry
	hub      *hostbridge.Hub
	commands *hostbridge.CommandService
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Runtime {
	r := &Runtime{
		opts:   opts,
		logger: logger,
	}
	r.cfg.Store(&cfg)
	return r
}

// Config returns the config new sessions are created with.
func (r *Runtime) Config() config.Config {
	return *r.cfg.Load()
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := r.Config()
	shutdownTelemetry, metricsHandler, err := setupTelemetry(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		r.closeTelemetry()
		return err
	}
	if err := r.registerGauges(otel.Meter("github.com/loqalabs/loqa-readalong/runtime")); err != nil {
		r.logger.Warn("failed to register runtime gauges", slog.String("error", err.Error()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.frameLoop(ctx, cfg.Engine.FrameRate)
	}()

	if cfg.Engine.WatchConfig && r.opts.ConfigPath != "" {
		watcher := config.NewWatcher(r.opts.ConfigPath, r.applyConfig, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := watcher.Run(ctx); err != nil {
				r.logger.Warn("config watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()
	r.closeTelemetry()

	return nil
}

// setup builds everything between the config and the HTTP listener.
func (r *Runtime) setup(ctx context.Context) error {
	cfg := r.Config()

	profiles, err := profilestore.Open(ctx, cfg.Profiles, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open profile store: %w", err)
	}
	r.profiles = profiles

	texts := content.NewTextRegistry()
	cache, err := content.NewMemoryCache(cfg.Fetch.CacheSize)
	if err != nil {
		return fmt.Errorf("failed to create segment cache: %w", err)
	}
	gen, err := tts.New(cfg.TTS, cfg.Audio.SampleRate, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create tts generator: %w", err)
	}
	fetcher := content.NewFetcher(cfg.Fetch, cache, texts, gen, r.logger)

	r.handles = r.opts.Handles
	if r.handles == nil {
		r.handles = r.openAudio(cfg.Audio)
	}

	if cfg.Bus.Enabled {
		if err := r.connectBus(ctx, cfg); err != nil {
			return err
		}
	}

	var pubs []hostbridge.Publisher
	if cfg.Host.WebSocket {
		r.hub = hostbridge.NewHub(hostbridge.DispatchFunc(func(ctx context.Context, cmd protocol.Command) protocol.Reply {
			return r.registry.Dispatch(ctx, cmd)
		}), r.logger)
		pubs = append(pubs, r.hub)
	}
	if cfg.Host.NATS && r.bus != nil {
		pubs = append(pubs, hostbridge.NewNATSPublisher(r.bus, cfg.Host.SubjectPrefix, r.logger))
	}
	host := hostbridge.NewHost(r.logger, pubs...)
	observer := newLogObserver(r.logger)

	factory := func(id string, host orchestrator.Host, layout autoscroll.Layout) (*orchestrator.Session, error) {
		return orchestrator.New(id, r.Config(), orchestrator.Deps{
			Chunks:   fetcher,
			Handles:  r.handles,
			Profiles: profiles,
			Host:     host,
			Layout:   layout,
			Clock:    clock.Real{},
			Observer: observer,
			Logger:   r.logger,
		})
	}
	r.registry = hostbridge.NewRegistry(factory, host, texts, r.logger)

	if cfg.Host.NATS && r.bus != nil {
		r.commands = hostbridge.NewCommandService(ctx, r.bus, cfg.Host.SubjectPrefix, r.registry, r.logger)
		if err := r.commands.Start(); err != nil {
			return fmt.Errorf("failed to start command service: %w", err)
		}
	}
	return nil
}

// openAudio initialises the speaker. Without one every session fails to
// play with ErrDeviceUnavailable but the rest of the runtime keeps serving.
func (r *Runtime) openAudio(cfg config.AudioConfig) playback.Factory {
	out, err := beepaudio.Open(cfg)
	if err != nil {
		r.logger.Warn("audio output unavailable", slog.String("error", err.Error()))
		return func() (playback.Handle, error) {
			return nil, err
		}
	}
	r.audio = out
	return out.NewHandle
}

func (r *Runtime) connectBus(ctx context.Context, cfg config.Config) error {
	busCfg := cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		r.embedded = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

// teardown releases whatever setup managed to create, in reverse order.
func (r *Runtime) teardown() {
	if r.commands != nil {
		r.commands.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.audio != nil {
		r.audio.Close()
	}
	if r.profiles != nil {
		if err := r.profiles.Close(); err != nil {
			r.logger.Warn("profile store close failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/debug/sessions", r.handleSessions)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	if r.hub != nil {
		mux.Handle("/ws", r.hub)
	}
	return mux
}

// frameLoop drives every session at the display frame rate.
func (r *Runtime) frameLoop(ctx context.Context, rate int) {
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.registry.Frame()
		}
	}
}

// applyConfig takes a reloaded config. Running sessions keep theirs; the
// log level and sessions created from now on pick up the change.
func (r *Runtime) applyConfig(cfg config.Config) {
	r.cfg.Store(&cfg)
	if r.opts.Level != nil {
		r.opts.Level.Set(cfg.Telemetry.SlogLevel())
	}
	r.logger.Info("config applied", slog.String("log_level", cfg.Telemetry.LogLevel))
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type sessionView struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
	Key           content.ChunkKey `json:"key"`
	Segment       int              `json:"segment"`
	Segments      int              `json:"segments"`
	Word          int              `json:"word"`
	OffsetMS      int64            `json:"offset_ms"`
	Confidence    float64          `json:"confidence"`
	Samples       int              `json:"samples"`
	Fallback      bool             `json:"fallback"`
	ScrollUpdates int              `json:"scroll_updates"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := r.registry.Snapshots()
	views := make([]sessionView, 0, len(snaps))
	for _, s := range snaps {
		v := sessionView{
			ID:            s.ID,
			Status:        s.Status.String(),
			Key:           s.Key,
			Segment:       s.Segment,
			Segments:      s.Segments,
			Word:          s.Word,
			OffsetMS:      s.Offset.Milliseconds(),
			Confidence:    s.Calibration.Confidence,
			Samples:       s.Calibration.Samples,
			Fallback:      s.Highlight.Fallback,
			ScrollUpdates: s.ScrollUpdates,
		}
		if s.Err != nil {
			v.Error = s.Err.Error()
		}
		views = append(views, v)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		r.logger.Warn("failed to encode sessions", slog.String("error", err.Error()))
	}
}
