// Command voxgate is the main entry point for the voxgate device gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/bus"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/gateway"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/internal/security"
	"github.com/voxgate/voxgate/internal/transport"
	"github.com/voxgate/voxgate/pkg/provider/llm"
	"github.com/voxgate/voxgate/pkg/provider/llm/anyllm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt/whisper"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts/piper"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxgate: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Security gate ─────────────────────────────────────────────────────────
	gate, err := security.New(cfg.Security.Gate())
	if err != nil {
		slog.Error("failed to create security gate", "err", err)
		return 1
	}

	// ── Event bus ─────────────────────────────────────────────────────────────
	var eventBus bus.Bus
	if cfg.Bus.NATSURL != "" {
		nb, err := bus.NewNATS(cfg.Bus.NATSURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "url", cfg.Bus.NATSURL, "err", err)
			return 1
		}
		eventBus = nb
		slog.Info("event bus connected", "backend", "nats", "url", cfg.Bus.NATSURL)
	} else {
		eventBus = bus.NewMemory()
		slog.Info("event bus ready", "backend", "memory")
	}
	defer eventBus.Close()

	// ── Providers ─────────────────────────────────────────────────────────────
	sttProv, ttsProv, llmProv, err := buildProviders(cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Transports and gateway ────────────────────────────────────────────────
	// The UDP server and the gateway reference each other: the server delivers
	// datagrams to the gateway, the gateway registers sessions with the
	// server. The late handler breaks the cycle; Serve starts only after the
	// gateway is in place.
	deps := gateway.Deps{
		Gate:    gate,
		Bus:     eventBus,
		Metrics: metrics,
		STT:     sttProv,
		TTS:     ttsProv,
		LLM:     llmProv,
	}

	late := &lateHandler{}
	var udpSrv *transport.UDPServer
	if cfg.Server.UDPAddr != "" {
		udpSrv, err = transport.NewUDPServer(cfg.Server.UDPAddr, late, gate)
		if err != nil {
			slog.Error("failed to bind UDP listener", "addr", cfg.Server.UDPAddr, "err", err)
			return 1
		}
		defer udpSrv.Close()
		deps.UDP = udpSrv
	}

	gw := gateway.New(gateway.Config{
		MaxConnections: cfg.Pool.MaxConnections,
		Tracker:        cfg.Liveness.Tracker(),
		Audio:          cfg.Audio.Pipeline(),
		PublicHost:     publicHost(cfg.Server),
	}, deps)
	defer gw.Close()
	late.set(gw)

	var mqttSrv *transport.MQTTServer
	if cfg.Server.MQTTAddr != "" {
		mqttSrv, err = transport.NewMQTTServer(cfg.Server.MQTTAddr, gw, gate)
		if err != nil {
			slog.Error("failed to create MQTT broker", "addr", cfg.Server.MQTTAddr, "err", err)
			return 1
		}
		defer mqttSrv.Close()
	}

	mux := http.NewServeMux()
	mux.Handle("/voxgate/v1", transport.NewWSServer(gw, gate))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"version":  version,
			"sessions": gw.Sessions().Len(),
		})
	})
	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)
	slog.Info("server ready — press Ctrl+C to shut down")

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	if mqttSrv != nil {
		g.Go(func() error {
			if err := mqttSrv.Serve(); err != nil {
				return fmt.Errorf("mqtt: %w", err)
			}
			return nil
		})
	}
	if udpSrv != nil {
		g.Go(func() error {
			if err := udpSrv.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("udp: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		gw.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the collaborators named in cfg. An empty name
// leaves that stage nil and the gateway degrades accordingly.
func buildProviders(cfg *config.Config) (stt.Provider, tts.Provider, llm.Provider, error) {
	var (
		sttProv stt.Provider
		ttsProv tts.Provider
		llmProv llm.Provider
		err     error
	)

	switch name := cfg.Providers.STT.Name; name {
	case "":
	case "mock":
		sttProv = &sttmock.Provider{Text: "mock transcript"}
	case "whisper":
		var opts []whisper.Option
		if cfg.Providers.STT.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Providers.STT.Model))
		}
		sttProv, err = whisper.New(cfg.Providers.STT.BaseURL, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create stt provider %q: %w", name, err)
		}
		// An empty transcript from the fallback makes flushes degrade to a
		// no-op instead of failing the turn outright.
		chain := resilience.NewSTTFallback(name, sttProv)
		chain.AddFallback("mock", &sttmock.Provider{})
		sttProv = chain
	default:
		return nil, nil, nil, fmt.Errorf("unknown stt provider %q", name)
	}

	switch name := cfg.Providers.TTS.Name; name {
	case "":
	case "mock":
		ttsProv = &ttsmock.Provider{}
	case "piper":
		var opts []piper.Option
		if cfg.Providers.TTS.Model != "" {
			opts = append(opts, piper.WithVoice(cfg.Providers.TTS.Model))
		}
		ttsProv, err = piper.New(cfg.Providers.TTS.BaseURL, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		chain := resilience.NewTTSFallback(name, ttsProv)
		chain.AddFallback("mock", &ttsmock.Provider{})
		ttsProv = chain
	default:
		return nil, nil, nil, fmt.Errorf("unknown tts provider %q", name)
	}

	switch name := cfg.Providers.LLM.Name; name {
	case "":
	case "mock":
		llmProv = &llmmock.Provider{}
	case "anyllm":
		var opts []anyllmlib.Option
		if cfg.Providers.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.Providers.LLM.APIKey))
		}
		if cfg.Providers.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.Providers.LLM.BaseURL))
		}
		llmProv, err = anyllm.New(cfg.Providers.LLM.Backend, cfg.Providers.LLM.Model, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create llm provider %q: %w", name, err)
		}
		chain := resilience.NewLLMFallback(name, llmProv)
		chain.AddFallback("mock", &llmmock.Provider{})
		llmProv = chain
	default:
		return nil, nil, nil, fmt.Errorf("unknown llm provider %q", name)
	}

	for kind, name := range map[string]string{
		"stt": cfg.Providers.STT.Name,
		"tts": cfg.Providers.TTS.Name,
		"llm": cfg.Providers.LLM.Name,
	} {
		if name != "" {
			slog.Info("provider created", "kind", kind, "name", name)
		}
	}
	return sttProv, ttsProv, llmProv, nil
}

// publicHost resolves the hostname advertised to devices for the UDP channel.
func publicHost(server config.ServerConfig) string {
	if server.PublicHost != "" {
		return server.PublicHost
	}
	host, _, err := net.SplitHostPort(server.UDPAddr)
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}

// lateHandler delegates to a transport.Handler assigned after construction.
type lateHandler struct {
	h transport.Handler
}

func (l *lateHandler) set(h transport.Handler) { l.h = h }

func (l *lateHandler) OnConnect(ctx context.Context, conn transport.Conn) error {
	return l.h.OnConnect(ctx, conn)
}

func (l *lateHandler) OnText(ctx context.Context, conn transport.Conn, data []byte) {
	l.h.OnText(ctx, conn, data)
}

func (l *lateHandler) OnBinary(ctx context.Context, conn transport.Conn, data []byte) {
	l.h.OnBinary(ctx, conn, data)
}

func (l *lateHandler) OnDisconnect(conn transport.Conn, err error) {
	l.h.OnDisconnect(conn, err)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxgate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printLine("WebSocket", cfg.Server.ListenAddr+"/voxgate/v1")
	if cfg.Server.MQTTAddr != "" {
		printLine("MQTT", cfg.Server.MQTTAddr)
	} else {
		printLine("MQTT", "(disabled)")
	}
	if cfg.Server.UDPAddr != "" {
		printLine("UDP audio", cfg.Server.UDPAddr)
	} else {
		printLine("UDP audio", "(disabled)")
	}
	if cfg.Bus.NATSURL != "" {
		printLine("Event bus", "nats")
	} else {
		printLine("Event bus", "memory")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printLine(kind, value)
}

func printLine(kind, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
