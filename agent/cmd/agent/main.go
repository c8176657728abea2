package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/obsidianstack/depwatch/agent/internal/alerts"
	"github.com/obsidianstack/depwatch/agent/internal/api"
	"github.com/obsidianstack/depwatch/agent/internal/auth"
	"github.com/obsidianstack/depwatch/agent/internal/config"
	"github.com/obsidianstack/depwatch/agent/internal/graph"
	"github.com/obsidianstack/depwatch/agent/internal/impact"
	"github.com/obsidianstack/depwatch/agent/internal/live"
	"github.com/obsidianstack/depwatch/agent/internal/metrics"
	"github.com/obsidianstack/depwatch/agent/internal/source"
	"github.com/obsidianstack/depwatch/agent/internal/store"
	"github.com/obsidianstack/depwatch/agent/internal/topology"
	"github.com/obsidianstack/depwatch/agent/internal/transport"
	"github.com/obsidianstack/depwatch/agent/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve the UI static files from this directory; leave empty to disable")
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(config.NewLogger(os.Stdout, "json", level))

	slog.Info("depwatch-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := config.ApplyLevel(level, cfg.Agent.Log.Level); err != nil {
		slog.Warn("invalid log level, keeping info", "err", err)
	}
	slog.SetDefault(config.NewLogger(os.Stdout, cfg.Agent.Log.Format, level))

	a := cfg.Agent
	slog.Info("config loaded",
		"endpoint", a.Endpoint,
		"source", a.Source,
		"live_mode", a.Live.Mode,
		"poll", a.Poll.On(),
		"listen", a.Listen,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fetcher, topoFetcher, closeFetcher, err := source.New(a)
	if err != nil {
		slog.Error("failed to build status source", "err", err)
		os.Exit(1)
	}
	defer closeFetcher() //nolint:errcheck

	dialer, err := buildDialer(a)
	if err != nil {
		slog.Error("failed to build live channel", "err", err)
		os.Exit(1)
	}

	// Store, aggregator and metrics.
	st := store.New()
	agg := impact.NewAggregator(graph.Empty(), sets.New(a.OutageRoots...))
	st.Subscribe(agg.Observe)
	m := metrics.New(agg.Tally)

	coord := transport.New(st, transport.Options{
		Fetcher:             fetcher,
		Live:                dialer,
		DisablePoll:         !a.Poll.On(),
		BaseInterval:        a.Poll.BaseInterval,
		AcceleratedInterval: a.Poll.AcceleratedInterval,
		ReconnectDelay:      a.ReconnectDelay,
		Observer:            m,
	})

	// Topology: fetch once before the first batch so it requests the right ids.
	topo := topology.New(topoFetcher, st, topology.Options{
		Interval: a.TopologyInterval,
		Tracker:  coord,
	})
	topo.Subscribe(agg.SetGraph)
	if _, err := topo.Refresh(ctx); err != nil {
		slog.Warn("initial topology fetch failed, retrying on interval", "err", err)
	}

	// Outage alerts.
	alertOpts := alerts.Options{
		Graph:        topo.Current,
		OnTransition: m.AlertTransition,
	}
	if a.Alerts.NATS.URL != "" {
		pub, err := alerts.NewNATSPublisher(a.Alerts.NATS.URL, a.Alerts.NATS.Subject)
		if err != nil {
			slog.Error("nats publisher disabled", "err", err)
		} else {
			defer pub.Close() //nolint:errcheck
			alertOpts.Publisher = pub
		}
	}
	alertEngine := alerts.New(a.Alerts, alertOpts)
	st.Subscribe(alertEngine.Evaluate)

	// View API and push feed.
	apiHandler := api.New(api.Deps{
		Store:      st,
		Aggregator: agg,
		Transport:  coord,
		Alerts:     alertEngine,
	})
	hub := ws.New(apiHandler, 30*time.Second)
	st.Subscribe(func(store.Snapshot) { hub.Notify() })
	topo.Subscribe(func(*graph.Graph) { hub.Notify() })
	go hub.Run(ctx)

	coord.Start(ctx)
	go topo.Run(ctx)

	// Hot reload: log level, outage roots and alert watchers.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			u := updated.Agent
			if err := config.ApplyLevel(level, u.Log.Level); err != nil {
				slog.Warn("config reload: invalid log level", "err", err)
			}
			agg.SetOutageRoots(sets.New(u.OutageRoots...))
			alertEngine.SetWatchers(u.Alerts.Watchers)
			hub.Notify()
			slog.Info("config hot-reloaded",
				"outage_roots", len(u.OutageRoots),
				"watchers", len(u.Alerts.Watchers),
			)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	protect := auth.Middleware(a.APIAuth.Mode, a.APIAuth.Header, a.APIAuth.Key())
	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", protect(apiHandler))
	httpMux.Handle("/ws/stream", protect(hub))
	httpMux.Handle("/metrics", m.Handler())
	httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	// Optional: serve the pre-built UI. Unknown paths serve index.html.
	if *uiDir != "" {
		fs := http.FileServer(http.Dir(*uiDir))
		httpMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := *uiDir + r.URL.Path
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, r, *uiDir+"/index.html")
				return
			}
			fs.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", *uiDir)
	}

	httpSrv := &http.Server{
		Addr:              a.Listen,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "addr", a.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("depwatch-agent shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	coord.Dispose()
	alertEngine.Wait()
}

// buildDialer returns the live channel selected by cfg.Live.Mode, or nil for
// polling only.
func buildDialer(cfg config.AgentConfig) (live.Dialer, error) {
	switch cfg.Live.Mode {
	case config.LiveStream:
		client, err := source.NewHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		// The stream body stays open for the life of the channel.
		client.Timeout = 0
		return live.NewStream(client, cfg.Endpoint+cfg.Live.StreamPath), nil
	case config.LiveSocket:
		tlsCfg, err := source.TLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return live.NewSocket(live.WebSocketURL(cfg.Endpoint, cfg.Live.SocketPath), tlsCfg, source.AuthHeader(cfg.Auth)), nil
	default:
		return nil, nil
	}
}
