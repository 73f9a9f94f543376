// Command atprouter runs the ATP control plane: it wires the Session
// Manager, Fair Scheduler, Adapter Registry, Routing Engine, Dispatcher,
// Observation Sink, admin HTTP surface, and the WebSocket transport
// through the Lifecycle Coordinator's dependency-ordered startup, then
// blocks until a termination signal triggers the staged shutdown.
// Grounded on examples/basic-agent/main.go's context-cancel-on-signal
// idiom and examples/ai-multi-provider/main.go's env-gated provider
// setup, restructured around this module's own staged lifecycle instead
// of BaseAgent.Start/Stop.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelmesh/atprouter/adapters"
	"github.com/modelmesh/atprouter/ai"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/config"
	"github.com/modelmesh/atprouter/internal/dispatcher"
	"github.com/modelmesh/atprouter/internal/httpapi"
	"github.com/modelmesh/atprouter/internal/idgen"
	"github.com/modelmesh/atprouter/internal/lifecycle"
	"github.com/modelmesh/atprouter/internal/metrics"
	"github.com/modelmesh/atprouter/internal/observation"
	"github.com/modelmesh/atprouter/internal/ports"
	"github.com/modelmesh/atprouter/internal/registry"
	"github.com/modelmesh/atprouter/internal/routing"
	"github.com/modelmesh/atprouter/internal/scheduler"
	"github.com/modelmesh/atprouter/internal/transport"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		println("config error:", err.Error())
		os.Exit(1)
	}
	logger := cfg.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal, draining", nil)
		cancel()
	}()

	coordinator := lifecycle.New(logger, lifecycle.ShutdownBudget{
		Total: time.Duration(cfg.Shutdown.DrainTimeoutMs) * time.Millisecond,
	})

	gen := idgen.NewUUIDGenerator()
	clock := idgen.SystemClock{}

	// A Recorder is only built when an OTel collector endpoint is
	// configured, the same gate pkg/telemetry/otel.go's own provider uses;
	// every component below treats a nil Recorder as instrumentation-off.
	var metricsRecorder metrics.Recorder
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		metricsRecorder = metrics.NewOTelRecorder("atprouter")
		logger.Info("ATP metrics instrumentation enabled", map[string]interface{}{"endpoint": endpoint})
	}

	reg := registry.New(registry.DefaultConfig(), time.Now)
	bandit := newBandit(cfg)
	engine := routing.New(routing.EngineConfig{
		Weights:            routing.DefaultWeights(),
		ShadowProbability:  cfg.Routing.ShadowProbability,
		StalenessThreshold: 30 * time.Second,
		Metrics:            metricsRecorder,
	}, bandit, nil)

	breakers := map[string]*registry.AdapterBreaker{}
	adapterPorts := map[string]ports.Adapter{}
	registerConfiguredAdapters(cfg, logger, reg, breakers, adapterPorts, metricsRecorder)

	var distSync *registry.DistributedSync
	if sync, err := registry.NewDistributedSync(cfg.Redis.URL, "atprouter", 60*time.Second, logger); err != nil {
		logger.Warn("distributed registry sync unavailable, running single-instance", map[string]interface{}{"error": err.Error()})
	} else {
		distSync = sync
	}

	sched := scheduler.New(scheduler.Config{
		WeightGold:                        cfg.Scheduler.TenantWeightGold,
		WeightSilver:                      cfg.Scheduler.TenantWeightSilver,
		WeightBronze:                      cfg.Scheduler.TenantWeightBronze,
		GlobalConcurrencyCap:              256,
		TenantConcurrencyCap:              32,
		QueueHighWatermark:                100,
		QueueLowWatermark:                 20,
		StarvationP95Threshold:            time.Duration(cfg.Scheduler.StarvationP95ThresholdMs) * time.Millisecond,
		SilverPreemptsBronzeWaitThreshold: time.Second,
		StarvationBoostFactor:             2,
		Metrics:                           metricsRecorder,
	})

	sink := make(chan ports.Observation, 4096)
	disp := dispatcher.New(dispatcher.DefaultConfig(),
		func(name string) (ports.Adapter, bool) { a, ok := adapterPorts[name]; return a, ok },
		func(name string) (*registry.AdapterBreaker, bool) { b, ok := breakers[name]; return b, ok },
		engine, sink)

	obsSink := observation.New(observation.DefaultConfig(), logger, rewardFromObservation, bandit, nil)
	go forwardObservations(ctx, obsSink, sink)

	manager := atp.NewManager(atp.ManagerConfig{
		Encodings:         []atp.Encoding{atp.EncodingJSON, atp.EncodingBinary},
		Features:          map[string]bool{"resumption": true, "shadow": true},
		MaxFrameBytes:     cfg.Protocol.MaxFrameBytes,
		HeartbeatInterval: time.Duration(cfg.Protocol.HeartbeatIntervalMs) * time.Millisecond,
		HeartbeatsMissed:  cfg.Session.IdleMissedHeartbeats,
		AntiReplayWindow:  time.Duration(cfg.Session.AntiReplayWindowMs) * time.Millisecond,
		Reassembly:        atp.ReassemblyConfig{GapTimeout: time.Duration(cfg.Session.GapTimeoutMs) * time.Millisecond},
		Metrics:           metricsRecorder,
	}, gen, clock)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", transport.NewHandler(transport.Config{
		Logger:     logger,
		Manager:    manager,
		Scheduler:  sched,
		Registry:   reg,
		Engine:     engine,
		Dispatcher: disp,
		Gen:        gen,
		Clock:      clock,
	}))
	mux.Handle("/", httpapi.NewHandler(httpapi.Deps{
		Logger:      logger,
		Coordinator: coordinator,
		Registry:    reg,
		Engine:      engine,
		Dispatcher:  disp,
	}))

	var httpServer *http.Server

	var stopRegistrySync context.CancelFunc
	stages := []lifecycle.Stage{
		{Name: "registry-sync", Start: func(ctx context.Context) error {
			if distSync == nil {
				return nil
			}
			if records, err := distSync.LoadAll(ctx); err == nil {
				for _, rec := range records {
					if _, exists := reg.Get(rec.Name); !exists {
						reg.Register(rec.Name, rec.Capability)
					}
				}
			}
			syncCtx, cancelSync := context.WithCancel(context.Background())
			stopRegistrySync = cancelSync
			go distSync.RunSync(syncCtx, reg, 15*time.Second)
			return nil
		}, Stop: func(ctx context.Context) error {
			if stopRegistrySync != nil {
				stopRegistrySync()
			}
			return nil
		}},
		{Name: "observation", Start: func(ctx context.Context) error { return nil }, Stop: func(ctx context.Context) error {
			obsSink.Stop()
			return nil
		}},
		{Name: "sessions", Start: func(ctx context.Context) error { return nil }},
		{Name: "http", Start: func(ctx context.Context) error {
			httpServer = &http.Server{Addr: cfg.HTTP.Address, Handler: mux}
			ln, err := net.Listen("tcp", cfg.HTTP.Address)
			if err != nil {
				return err
			}
			go func() {
				if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("http server exited", map[string]interface{}{"error": err.Error()})
				}
			}()
			return nil
		}, Stop: func(ctx context.Context) error {
			if httpServer == nil {
				return nil
			}
			return httpServer.Shutdown(ctx)
		}},
	}

	coordinator.SetProbes(
		func() bool { return true },
		func() bool { return reg != nil },
		func() bool { return httpServer != nil },
	)

	if err := coordinator.Start(ctx, stages); err != nil {
		logger.Error("startup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	logger.Info("atprouter started", map[string]interface{}{"http_address": cfg.HTTP.Address})

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Shutdown.DrainTimeoutMs)*time.Millisecond)
	defer shutdownCancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("atprouter stopped gracefully", nil)
}

// forwardObservations relays every Observation the Dispatcher emits into
// the bounded Observation Sink until ctx is cancelled.
func forwardObservations(ctx context.Context, sink *observation.Sink, ch chan ports.Observation) {
	for {
		select {
		case <-ctx.Done():
			drainAndForward(sink, ch)
			return
		case obs := <-ch:
			sink.Record(obs)
		}
	}
}

// drainAndForward flushes any observations still sitting in the channel
// buffer into the sink before it stops, matching spec.md §4.10's "flush
// the observation buffer" shutdown phase.
func drainAndForward(sink *observation.Sink, ch chan ports.Observation) {
	for {
		select {
		case obs := <-ch:
			sink.Record(obs)
		default:
			return
		}
	}
}

func newBandit(cfg *config.Config) routing.Bandit {
	switch routing.Strategy(cfg.Routing.Strategy) {
	case routing.StrategyUCB:
		return routing.NewUCBBandit(1.0)
	case routing.StrategyGreedy:
		return routing.NewGreedyBandit(0.1, nil)
	default:
		return routing.NewThompsonBandit(nil)
	}
}

// rewardFromObservation derives a bandit reward from a dispatch outcome,
// generalizing spec.md §4.5's "Reward computation" to the Observation
// Sink's own record shape.
func rewardFromObservation(obs ports.Observation) (string, float64, bool) {
	if obs.AdapterName == "" {
		return "", 0, false
	}
	if !obs.Succeeded {
		return obs.AdapterName, 0, false
	}
	return obs.AdapterName, obs.Reward, true
}

// registerConfiguredAdapters wires one adapter per AI provider whose API
// key is present in the environment, following
// examples/ai-multi-provider/main.go's env-gated setup. A mock adapter
// is registered only when no provider adapter was registered, so the
// router still has one reachable candidate without provider credentials.
func registerConfiguredAdapters(cfg *config.Config, logger core.Logger, reg *registry.Registry, breakers map[string]*registry.AdapterBreaker, adapterPorts map[string]ports.Adapter, metricsRecorder metrics.Recorder) {
	register := func(name string, cap registry.Capability, adapter ports.Adapter) {
		reg.Register(name, cap)
		breakerCfg := registry.DefaultBreakerConfig()
		breakerCfg.FMax = cfg.Breaker.FMax
		breakerCfg.CooldownInitial = time.Duration(cfg.Breaker.CooldownInitialMs) * time.Millisecond
		breakerCfg.CooldownMax = time.Duration(cfg.Breaker.CooldownMaxMs) * time.Millisecond
		breaker, err := registry.NewAdapterBreaker(name, breakerCfg, logger)
		if err != nil {
			logger.Error("failed to build breaker", map[string]interface{}{"adapter": name, "error": err.Error()})
			return
		}
		breaker.WithMetrics(metricsRecorder)
		reg.AttachBreaker(name, breaker)
		breakers[name] = breaker
		adapterPorts[name] = adapter
		reg.UpdateHealth(name, 0, 0)
		logger.Info("adapter registered", map[string]interface{}{"adapter": name})
	}

	chatCapability := registry.Capability{TaskTypes: []string{"chat", "completion"}}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		adapter := adapters.NewOpenAI(adapters.Config{Name: "openai-primary", Model: "gpt-4o-mini"}, apiKey, "", "openai", logger)
		register("openai-primary", chatCapability, adapter)
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		adapter := adapters.NewAnthropic(adapters.Config{Name: "anthropic-primary", Model: "claude-3-sonnet"}, apiKey, "", logger)
		register("anthropic-primary", chatCapability, adapter)
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		adapter := adapters.NewGemini(adapters.Config{Name: "gemini-primary", Model: "gemini-pro"}, apiKey, "", logger)
		register("gemini-primary", chatCapability, adapter)
	}
	if len(adapterPorts) == 0 {
		mockAdapter, mockClient := adapters.NewMock(adapters.Config{Name: "mock-default"}, &ai.AIConfig{})
		mockClient.SetResponses("no AI provider configured; returning a mock response")
		register("mock-default", chatCapability, mockAdapter)
	}
}
