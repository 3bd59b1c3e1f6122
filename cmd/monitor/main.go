package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/broadcast"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/catalog"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/cfg"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/health"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/monitorhttp"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/opshttp"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/ratelimit"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/httpserver"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/metrics"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/otelx"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/prof"
	v "github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/version"
)

const appName = "healthcheck-monitor"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildDate, vi.GoVersion, vi.Dirty,
		)
		os.Exit(0)
	}

	// env names are the upper-cased flag names, e.g. API_URL, CLIENT_URL, PORT
	cfg.FillFromEnv(flag.CommandLine, "", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             appName,
		Version:         vi.Version,
		Environment:     conf.Environment,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JSON:            conf.LogJSON,
		ErrorLinks:      conf.ErrorLinks,
		MaxErrorLinks:   conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "monitor")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty,
		"environment", conf.Environment,
		"port", conf.Port,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"api_url", conf.APIURL,
		"client_url", conf.ClientURL,
		"proxy_url", conf.ProxyURL,
		"probe_timeout", conf.ProbeTimeout.String(),
		"tick_interval", conf.TickInterval.String(),
		"services_source", conf.ServicesSource,
		"allowed_origins", conf.Origins(),
	)

	m := metrics.New()
	m.SetBuildInfo(appName, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":         appName,
			"version":     vi.Version,
			"commit":      vi.Commit,
			"environment": conf.Environment,
		},
		Active: m.SetProfilingActive,
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// collector runs next to the process, plaintext is fine
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     appName,
		Version:     vi.Version,
		Environment: conf.Environment,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	services, err := catalog.Resolve(ctx,
		catalog.NewLoader(catalog.LoaderOptions{Logger: L}),
		conf.ServicesSource,
		catalog.Defaults(conf),
	)
	if err != nil {
		L.Error(ctx, err, "failed to resolve service catalog", "source", conf.ServicesSource)
		os.Exit(1)
	}
	m.SetCatalogSize(len(services))
	for _, d := range services {
		L.Info(ctx, "monitoring service", "service", d.Name, "kind", string(d.Kind), "timeout", d.Timeout.String())
	}

	aggOpts := []health.Option{
		health.WithRecorder(m),
		health.WithLogger(L),
		health.WithStarted(m.Started()),
	}
	if conf.Production() {
		aggOpts = append(aggOpts, health.WithRedactedFaults())
	}
	agg := health.NewAggregator(probe.NewDispatcher(L), services, aggOpts...)

	hub := broadcast.NewHub(conf.Origins(),
		broadcast.WithHubLogger(L),
		broadcast.WithStats(m),
		broadcast.WithQueueSize(conf.WSQueueSize),
	)

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())

	var rateLimitMW func(http.Handler) http.Handler
	if conf.RateLimitRPS > 0 {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			// the websocket is one long request, its upgrade is not worth a token
			ratelimit.WithExemptPaths("/ws"),
			ratelimit.WithOnDenied(func(ip string) {
				m.IncRateLimitDenied()
			}),
			// logged once per ip until its bucket is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, new visitors share the overflow bucket")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	api := monitorhttp.NewAPI(monitorhttp.Options{
		Checker:        agg,
		Metrics:        m,
		Realtime:       http.HandlerFunc(hub.HandleConnect),
		DegradedStatus: conf.DegradedStatus,
		ExposeErrors:   !conf.Production(),
		Logger:         L,
	})

	publicHTTPStop, err := httpserver.Start(ctx,
		httpserver.Options{
			Logger:         L,
			Port:           conf.Port,
			UseRecoverMW:   true,
			OnPanic:        m.IncHttpPanic,
			ExposeErrors:   !conf.Production(),
			MetricsMW:      m.Middleware,
			RateLimitMW:    rateLimitMW,
			Build:          vi,
			AllowedOrigins: conf.Origins(),
			Readiness:      readiness,
			Routes:         api.RegisterRoutes,
			// /health runs a full cycle before writing
			WriteTimeout:   agg.CycleBound() + 5*time.Second,
		},
		hub.Close,
	)
	if err != nil {
		L.Error(ctx, err, "failed to start public http listener")
		os.Exit(1)
	}
	defer func() { _ = publicHTTPStop(context.Background()) }()

	// admin listener rejects public peers in middleware, keep it off the load balancer anyway
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// the broadcaster outlives the signal context so subscribers keep
	// receiving ticks during the drain period; each tick runs a health cycle
	runCtx, cancelRun := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	bc := broadcast.NewBroadcaster(hub, m, agg, conf.TickInterval, L)
	g.Go(func() error { return bc.Run(gctx) })

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "reason", err.Error())
	}

	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed", "drain_period", conf.DrainPeriod.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cancelRun()
	if err := g.Wait(); err != nil {
		L.Error(context.Background(), err, "metrics broadcaster exited")
	}

	if err := publicHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}
	stopProf()

	L.Info(context.Background(), "shutdown complete")
}

// notifySystemd sends READY=1 when started by systemd with Type=notify.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify write")
	}
	return xerrors.Wrap(conn.Close(), "systemd notify close")
}
