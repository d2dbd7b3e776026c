package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ngoyal88/relaylog/pkg/api"
	"github.com/ngoyal88/relaylog/pkg/cache"
	"github.com/ngoyal88/relaylog/pkg/config"
	"github.com/ngoyal88/relaylog/pkg/hostmetrics"
	"github.com/ngoyal88/relaylog/pkg/middleware"
	"github.com/ngoyal88/relaylog/pkg/proxy"
	"github.com/ngoyal88/relaylog/pkg/record"
	"github.com/ngoyal88/relaylog/pkg/sink"
)

func main() {
	configPath := flag.String("config", "", "config file (default ./configs/config.yaml)")
	flag.Parse()

	setupLogging(true, "info")

	// 1. Load Config with hot reload
	cfgStore, err := config.LoadAndWatch(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgStore.Get()
	setupLogging(cfg.Diagnostics.Pretty, cfg.Diagnostics.Level)

	identity := record.NewIdentity()
	log.Info().
		Str("instance", identity.InstanceID).
		Str("platform", identity.Platform).
		Str("hostname", identity.Hostname).
		Msg("starting relaylog")

	// 2. Host metrics
	proc := hostmetrics.NewProcSource(cfg.Metrics.ProcMount)
	host := hostmetrics.NewCached(proc, cfg.Metrics.RefreshInterval)

	// 3. Initialize Redis (if enabled)
	var rdb *cache.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to redis")
		}
		log.Info().Str("address", cfg.Redis.Address).Msg("connected to redis")
	}

	// 4. Sinks
	sinks, breakers, err := buildSinks(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up sinks")
	}
	diag := sink.NewDiagnostics(log.Logger.With().Str("component", "sink").Logger(), cfg.Diagnostics.MaxReportsPerSecond)

	// 5. Request logging, re-tuned on every config reload
	logging := middleware.NewRequestLogging(middleware.Config{
		Sink:        sinks,
		Host:        host,
		Memory:      proc,
		Identity:    identity,
		Diagnostics: diag,
		Options:     loggingOptions(cfg.Logging),
	})
	cfgStore.Subscribe(func(c *config.Config) {
		logging.SetOptions(loggingOptions(c.Logging))
		setLevel(c.Diagnostics.Level)
	})

	// 6. Create Proxy or Load Balancer
	var upstream http.Handler
	var lb *proxy.LoadBalancer
	if cfg.LoadBalancer.Enabled {
		targets := make([]proxy.TargetConfig, 0, len(cfg.LoadBalancer.Targets))
		for _, t := range cfg.LoadBalancer.Targets {
			targets = append(targets, proxy.TargetConfig{URL: t.URL, Weight: t.Weight})
		}
		lb, err = proxy.NewLoadBalancer(targets, cfg.LoadBalancer.Strategy, cfg.LoadBalancer.HealthInterval)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create load balancer")
		}
		upstream = lb
		log.Info().Int("targets", len(targets)).Str("strategy", cfg.LoadBalancer.Strategy).Msg("load balancer ready")
	} else {
		gw, err := proxy.New(cfg.Proxy.Target)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create proxy")
		}
		upstream = gw
		log.Info().Str("target", gw.Target()).Msg("proxy ready")
	}

	// 7. Setup HTTP Server
	access := middleware.AccessLog(log.Logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", access(promhttp.Handler()))
	mux.Handle("/health", access(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})))

	if cfg.Admin.Key != "" {
		deps := api.Deps{
			Logging:  logging,
			Host:     host,
			Balancer: lb,
			Sinks:    breakers,
			Identity: identity,
			Stream:   cfg.Sink.Redis.Stream,
		}
		if rdb != nil {
			deps.Records = rdb
		}
		adminMux := http.NewServeMux()
		api.NewAdminAPI(deps, cfg.Admin.Key).RegisterRoutes(adminMux)
		mux.Handle("/admin/", access(adminMux))
		log.Info().Msg("admin API enabled at /admin/*")
	}

	mux.Handle("/", logging.Handler(upstream))

	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Port).Msg("server listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := logging.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("pending log records were dropped")
	}
	if err := sinks.Close(); err != nil {
		log.Error().Err(err).Msg("closing sinks")
	}
	if lb != nil {
		lb.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	log.Info().Msg("shut down gracefully")
}

func setupLogging(pretty bool, level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	setLevel(level)
}

func setLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func loggingOptions(c config.LoggingConfig) middleware.Options {
	// Validated when the config was loaded.
	trusted, _ := c.ProxyPrefixes()
	return middleware.Options{
		ExcludePaths: c.ExcludePaths,
		ExcludeMatch: c.ExcludeMatch,
		Record: record.Options{
			LogRequestBody:  c.LogRequestBody,
			LogResponseBody: c.LogResponseBody,
			LogHeaders:      c.LogHeaders,
			MaxBodySize:     c.MaxBodySize,
			SensitiveFields: c.SensitiveFields,
		},
		Async:          c.Async,
		EmitTimeout:    c.EmitTimeout,
		TrustedProxies: trusted,
	}
}

// buildSinks opens every enabled sink. Network sinks sit behind a circuit
// breaker; their breakers are returned for the admin API.
func buildSinks(cfg *config.Config, rdb *cache.Client) (*sink.Multi, map[string]api.BreakerState, error) {
	multi := sink.NewMulti()
	breakers := make(map[string]api.BreakerState)
	sc := cfg.Sink

	if sc.Console.Enabled {
		if sc.Console.Pretty {
			multi.Add("console", sink.NewPrettyWriter(os.Stdout, false))
		} else {
			multi.Add("console", sink.NewWriter(os.Stdout))
		}
	}

	if sc.File.Enabled {
		w, err := sink.OpenFile(sc.File.Path)
		if err != nil {
			return nil, nil, err
		}
		multi.Add("file", w)
	}

	if sc.Redis.Enabled {
		if rdb == nil {
			return nil, nil, errors.New("redis sink needs redis.enabled")
		}
		b := sink.NewBreaker("redis", sink.NewRedis(rdb, sink.RedisOptions{
			Stream:  sc.Redis.Stream,
			MaxLen:  sc.Redis.MaxLen,
			Channel: sc.Redis.Channel,
		}), sc.Breaker.Failures, sc.Breaker.Cooldown)
		multi.Add("redis", b)
		breakers["redis"] = b
	}

	if sc.Kafka.Enabled {
		if sc.Kafka.CreateTopic {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := sink.CreateTopic(ctx, sc.Kafka.Brokers[0], sc.Kafka.Topic)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("topic", sc.Kafka.Topic).Msg("failed to create kafka topic")
			}
		}
		b := sink.NewBreaker("kafka", sink.NewKafka(sc.Kafka.Brokers, sc.Kafka.Topic, sc.Kafka.BatchTimeout), sc.Breaker.Failures, sc.Breaker.Cooldown)
		multi.Add("kafka", b)
		breakers["kafka"] = b
	}

	if multi.Len() == 0 {
		log.Warn().Msg("no sinks enabled, records will be dropped")
	}
	return multi, breakers, nil
}
