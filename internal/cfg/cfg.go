// Package cfg holds the monitor's runtime configuration. Values come from
// command line flags, then environment variables, then inline defaults.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	ErrorLinks      bool
	MaxErrorLinks   int
	Environment     string

	Port        int
	AdminPort   int
	DrainPeriod time.Duration

	EnablePprof     bool
	EnableTracing   bool
	EnablePyroscope bool
	OTLPEndpoint    string
	TraceSample     float64
	PyroServer      string
	PyroTenantID    string

	APIURL         string
	ClientURL      string
	ProxyURL       string
	HealthPath     string
	ProbeTimeout   time.Duration
	TickInterval   time.Duration
	DegradedStatus int
	ServicesSource string
	DatabaseURL    string

	AllowedOrigins string
	RateLimitRPS   float64
	RateLimitBurst int
	WSQueueSize    int
}

// Register binds all config fields to fs with defaults inline.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.ErrorLinks, "include-error-links", true, "include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.StringVar(&c.Environment, "environment", EnvDevelopment, "development|production")

	fs.IntVar(&c.Port, "port", 3001, "public listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 5*time.Second, "time to report not-ready before shutting down listeners")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "enable pprof profiling (admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "enable pushing profiles to pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for pyro-server")

	fs.StringVar(&c.APIURL, "api-url", "http://localhost:8000", "base url of the api service")
	fs.StringVar(&c.ClientURL, "client-url", "http://localhost:3000", "base url of the client service")
	fs.StringVar(&c.ProxyURL, "proxy-url", "http://localhost:80", "base url of the reverse proxy")
	fs.StringVar(&c.HealthPath, "health-path", "/health", "health path appended to each default service url")
	fs.DurationVar(&c.ProbeTimeout, "probe-timeout", 5*time.Second, "per-probe deadline")
	fs.DurationVar(&c.TickInterval, "tick-interval", 5*time.Second, "metrics broadcast interval")
	fs.IntVar(&c.DegradedStatus, "degraded-status", 503, "http status for a degraded /health (200 or 503)")
	fs.StringVar(&c.ServicesSource, "services-source", "", "service catalog: file path, ssm:<param> or s3://bucket/key")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres dsn; adds a db probe when set")

	fs.StringVar(&c.AllowedOrigins, "allowed-origins", "", "comma separated browser origins allowed for CORS and websocket")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per-ip request rate on the public listener (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 40, "per-ip burst on the public listener")
	fs.IntVar(&c.WSQueueSize, "ws-queue-size", 16, "pending messages per websocket subscriber before it is dropped")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// Origins splits AllowedOrigins into trimmed, non-empty entries.
func (c App) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c App) Production() bool { return c.Environment == EnvProduction }

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func validBaseURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate returns every invalid field joined into one error, or nil.
func Validate(c App) error {
	var errs []error

	if !validPort(c.Port) {
		errs = append(errs, fmt.Errorf("invalid PORT %d (must be 1..65535)", c.Port))
	}
	if !validPort(c.AdminPort) {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.Port == c.AdminPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and PORT must differ (both %d)", c.Port))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL: %w", err))
		}
	}
	if c.ErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be %s or %s (got %q)", EnvDevelopment, EnvProduction, c.Environment))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, errors.New("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if !validBaseURL(c.PyroServer) {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, errors.New("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// the catalog replaces the three defaults entirely when a source is set
	if c.ServicesSource == "" {
		for name, v := range map[string]string{"API_URL": c.APIURL, "CLIENT_URL": c.ClientURL, "PROXY_URL": c.ProxyURL} {
			if !validBaseURL(v) {
				errs = append(errs, fmt.Errorf("%s must be an http(s) URL (got %q)", name, v))
			}
		}
	}
	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("HEALTH_PATH must start with / (got %q)", c.HealthPath))
	}
	if c.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROBE_TIMEOUT must be positive (got %s)", c.ProbeTimeout))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("TICK_INTERVAL must be positive (got %s)", c.TickInterval))
	}
	if c.DegradedStatus != 200 && c.DegradedStatus != 503 {
		errs = append(errs, fmt.Errorf("DEGRADED_STATUS must be 200 or 503 (got %d)", c.DegradedStatus))
	}
	if c.DrainPeriod < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_PERIOD must not be negative (got %s)", c.DrainPeriod))
	}
	if c.RateLimitRPS < 0 || (c.RateLimitRPS > 0 && c.RateLimitBurst < 1) {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 and RATE_LIMIT_BURST >= 1 when enabled (got %.1f/%d)", c.RateLimitRPS, c.RateLimitBurst))
	}
	if c.WSQueueSize < 1 {
		errs = append(errs, fmt.Errorf("WS_QUEUE_SIZE must be >= 1 (got %d)", c.WSQueueSize))
	}
	for _, o := range c.Origins() {
		if !validBaseURL(o) {
			errs = append(errs, fmt.Errorf("ALLOWED_ORIGINS entry %q is not an http(s) origin", o))
		}
	}

	return errors.Join(errs...)
}
