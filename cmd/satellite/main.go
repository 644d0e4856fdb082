// Command satellite runs the voice assistant satellite: it captures the
// microphone, detects the wake word, streams speech to the assistant server
// and plays back the synthesized answer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/satellite/internal/assistant"
	"github.com/MrWong99/satellite/internal/automation"
	"github.com/MrWong99/satellite/internal/config"
	"github.com/MrWong99/satellite/internal/control"
	"github.com/MrWong99/satellite/internal/health"
	"github.com/MrWong99/satellite/internal/link"
	"github.com/MrWong99/satellite/internal/observe"
	"github.com/MrWong99/satellite/internal/resilience"
	"github.com/MrWong99/satellite/pkg/audio"
	"github.com/MrWong99/satellite/pkg/audio/pipe"
	"github.com/MrWong99/satellite/pkg/provider/vad"
	"github.com/MrWong99/satellite/pkg/provider/vad/energy"
	"github.com/MrWong99/satellite/pkg/provider/wakeword"
	"github.com/MrWong99/satellite/pkg/provider/wakeword/streaming"
	"github.com/MrWong99/satellite/pkg/transport/websocket"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 10 * time.Second
	// stallTimeout fails /healthz when the assistant loop stops ticking.
	stallTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file with secrets such as SATELLITE_API_KEY")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "satellite: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "satellite: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "satellite: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("satellite starting",
		"version", version,
		"config", *configPath,
		"server_url", cfg.Transport.URL,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "satellite",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Devices and detectors ─────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	deps, err := buildDevices(cfg, reg)
	if err != nil {
		slog.Error("failed to set up audio", "err", err)
		return 1
	}
	defer deps.close()

	// ── Server link ───────────────────────────────────────────────────────────
	client := websocket.New(cfg.Transport.URL,
		websocket.WithAPIKey(cfg.Transport.APIKey),
		websocket.WithCodec(string(cfg.Transport.Codec)),
		websocket.WithQueueSizes(cfg.Transport.SendQueue, cfg.Transport.RecvQueue),
		websocket.WithPingInterval(cfg.Transport.PingInterval),
		websocket.WithWriteTimeout(cfg.Transport.WriteTimeout),
	)
	defer client.Shutdown()

	cb := cfg.Transport.CircuitBreaker
	reconnector := link.New(client, link.Config{
		MaxRetries:     cfg.Transport.Reconnect.MaxRetries,
		InitialBackoff: cfg.Transport.Reconnect.InitialBackoff,
		MaxBackoff:     cfg.Transport.Reconnect.MaxBackoff,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "server",
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		}),
	})

	// ── Assistant ─────────────────────────────────────────────────────────────
	bus := assistant.NewBus()
	opts := []assistant.Option{assistant.WithBus(bus)}
	if deps.speaker != nil {
		opts = append(opts, assistant.WithSpeaker(deps.speaker))
	}
	if deps.wake != nil {
		opts = append(opts, assistant.WithWakeWord(deps.wake))
	}
	if deps.vad != nil {
		opts = append(opts, assistant.WithVAD(deps.vad))
	}
	a, err := assistant.New(deps.mic, client, assistantConfig(cfg), opts...)
	if err != nil {
		slog.Error("failed to create assistant", "err", err)
		return 1
	}

	rules, err := automation.Compile(cfg.Automations)
	if err != nil {
		slog.Error("invalid automations", "err", err)
		return 1
	}
	runner := automation.New(rules)
	runner.Attach(bus)

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), new, &level, a, runner)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error { return reconnector.Run(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, watcher) })
	}
	if cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           newHTTPHandler(a),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("satellite ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if changed, err := w.Reload(); err == nil && !changed {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// registerBuiltins wires the detector and device factories that ship with the
// satellite. Wake-word models are not bundled: the "command" provider runs
// one as a child process, and builds that embed a model register it with
// [config.Registry.RegisterWakeWord] before [buildDevices] runs.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterWakeWord("command", func(e config.ProviderEntry) (wakeword.Engine, error) {
		argv, timeout, err := modelCommand(e)
		if err != nil {
			return nil, err
		}
		return streaming.New(streaming.CommandModel(argv, timeout)), nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	reg.RegisterMicrophone(config.BackendPipe, func(dev config.DeviceConfig, frameDur time.Duration) (audio.Microphone, error) {
		return pipe.NewMicrophone(pipe.FileReader(dev.Path), deviceFormat(dev), frameDur, dev.Queue), nil
	})
	reg.RegisterMicrophone(config.BackendCommand, func(dev config.DeviceConfig, frameDur time.Duration) (audio.Microphone, error) {
		return pipe.NewMicrophone(pipe.CommandReader(dev.Command), deviceFormat(dev), frameDur, dev.Queue), nil
	})

	reg.RegisterSpeaker(config.BackendPipe, func(dev config.DeviceConfig) (audio.Speaker, error) {
		return pipe.NewSpeaker(pipe.FileWriter(dev.Path), deviceFormat(dev), dev.Queue)
	})
	reg.RegisterSpeaker(config.BackendCommand, func(dev config.DeviceConfig) (audio.Speaker, error) {
		return pipe.NewSpeaker(pipe.CommandWriter(dev.Command), deviceFormat(dev), dev.Queue)
	})
}

// defaultModelTimeout bounds one wake-word inference by a model process.
const defaultModelTimeout = 500 * time.Millisecond

// modelCommand reads options.command (the argv) and options.timeout of a
// "command" wake-word provider.
func modelCommand(e config.ProviderEntry) ([]string, time.Duration, error) {
	raw, ok := e.Options["command"].([]any)
	if !ok || len(raw) == 0 {
		return nil, 0, errors.New("wake_word command: options.command must be a non-empty list")
	}
	argv := make([]string, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, 0, fmt.Errorf("wake_word command: options.command[%d] is not a string", i)
		}
		argv[i] = s
	}
	timeout := defaultModelTimeout
	if v, ok := e.Options["timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, 0, fmt.Errorf("wake_word command: invalid options.timeout %q", v)
		}
		timeout = d
	}
	return argv, timeout, nil
}

func deviceFormat(dev config.DeviceConfig) audio.Format {
	return audio.Format{SampleRate: dev.SampleRate, Channels: dev.Channels}
}

// devices holds everything built from the registry.
type devices struct {
	mic     audio.Microphone
	speaker audio.Speaker
	wake    wakeword.Engine
	vad     vad.Engine
}

func (d *devices) close() {
	if c, ok := d.speaker.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("speaker close error", "err", err)
		}
	}
}

func buildDevices(cfg *config.Config, reg *config.Registry) (*devices, error) {
	d := &devices{}

	mic, err := reg.CreateMicrophone(cfg.Audio.Microphone, cfg.Audio.FrameDuration)
	if err != nil {
		return nil, fmt.Errorf("create microphone: %w", err)
	}
	d.mic = mic
	slog.Info("microphone configured", "backend", cfg.Audio.Microphone.Backend,
		"sample_rate", cfg.Audio.Microphone.SampleRate, "channels", cfg.Audio.Microphone.Channels)

	if spk := cfg.Audio.Speaker; spk != nil {
		d.speaker, err = reg.CreateSpeaker(*spk)
		if err != nil {
			return nil, fmt.Errorf("create speaker: %w", err)
		}
		slog.Info("speaker configured", "backend", spk.Backend)
	}

	if name := cfg.Providers.WakeWord.Name; name != "" {
		d.wake, err = reg.CreateWakeWord(cfg.Providers.WakeWord)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("create wake_word provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "wake_word", "name", name)
	}

	if name := cfg.Providers.VAD.Name; name != "" && cfg.Assistant.VADThreshold != nil {
		d.vad, err = reg.CreateVAD(cfg.Providers.VAD)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("create vad provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "vad", "name", name)
	}

	return d, nil
}

// assistantConfig maps the YAML schema onto the assistant's settings.
func assistantConfig(cfg *config.Config) assistant.Config {
	a := cfg.Assistant
	return assistant.Config{
		UseWakeWord:           a.UseWakeWord,
		UseLocalWakeWord:      a.UseLocalWakeWord,
		VADThreshold:          a.VADThreshold,
		VADSpeechLevel:        a.VADSpeechLevel,
		NoiseSuppressionLevel: a.NoiseSuppressionLevel,
		AutoGain:              int(a.AutoGain),
		VolumeMultiplier:      a.VolumeMultiplier,
		SilenceDetection:      a.SilenceDetectionDefault(),
		SilenceTimeout:        a.SilenceTimeout,
		NoSpeechTimeout:       a.NoSpeechTimeout,
		WakeWordThreshold:     a.WakeWordThreshold,
		WakeWordWindow:        a.WakeWordWindow,
		MaxFrameDrops:         a.MaxFrameDrops,
		ResponseTimeout:       a.ResponseTimeout,
		ErrorRetryDelay:       a.ErrorRetryDelay,
		TickInterval:          a.TickInterval,
		FramesPerTick:         a.FramesPerTick,
		SampleRate:            cfg.Audio.SampleRate,
		FrameDuration:         cfg.Audio.FrameDuration,
	}
}

// newHTTPHandler serves health probes, Prometheus metrics and the control API.
func newHTTPHandler(a *assistant.Assistant) http.Handler {
	mux := http.NewServeMux()
	health.New(health.Connected("server", a.IsConnected)).
		Liveness(health.Fresh("assistant", a.LastTick, stallTimeout)).
		Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	control.New(a).Register(mux)
	return observe.Middleware(observe.DefaultMetrics(), "/healthz", "/readyz", "/metrics")(mux)
}

// volumeSetter and ruleReplacer are the parts of the assistant and runner a
// config reload touches.
type volumeSetter interface{ SetVolume(v float64) }

type ruleReplacer interface{ Replace(rules []automation.Rule) }

// applyReload applies the runtime-adjustable part of a config change.
func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, vol volumeSetter, rr ruleReplacer) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VolumeChanged {
		vol.SetVolume(d.NewVolume)
		slog.Info("volume changed", "volume_multiplier", d.NewVolume)
	}
	if d.AutomationsChanged {
		rules, err := automation.Compile(cfg.Automations)
		if err != nil {
			slog.Warn("ignoring changed automations", "err", err)
		} else {
			rr.Replace(rules)
		}
	}
	if len(d.Restart) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.Restart)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Satellite: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Server", cfg.Transport.URL)
	printRow("Codec", string(cfg.Transport.Codec))
	printRow("Microphone", cfg.Audio.Microphone.Backend)
	if cfg.Audio.Speaker != nil {
		printRow("Speaker", cfg.Audio.Speaker.Backend)
	} else {
		printRow("Speaker", "(disabled)")
	}
	switch {
	case cfg.Assistant.UseLocalWakeWord:
		printRow("Wake word", "local / "+cfg.Providers.WakeWord.Name)
	case cfg.Assistant.UseWakeWord:
		printRow("Wake word", "server")
	default:
		printRow("Wake word", "(disabled)")
	}
	if cfg.Assistant.VADThreshold != nil {
		printRow("VAD", "local / "+cfg.Providers.VAD.Name)
	} else {
		printRow("VAD", "server")
	}
	fmt.Printf("║  %-12s    : %-19d ║\n", "Automations", len(cfg.Automations))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
