// Package probe checks the health of one dependent service. Every prober
// converts its failures into a Result; nothing escapes as an error or panic.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type Kind string

const (
	KindHTTP     Kind = "http"
	KindPostgres Kind = "postgres"
	KindS3       Kind = "s3"
	KindGRPC     Kind = "grpc"
)

func (k Kind) Valid() bool {
	switch k {
	case KindHTTP, KindPostgres, KindS3, KindGRPC:
		return true
	}
	return false
}

const (
	DefaultHealthPath = "/health"
	DefaultTimeout    = 5 * time.Second
)

// Descriptor identifies a service to probe. It is built once at startup and
// never modified afterwards.
type Descriptor struct {
	Name       string
	Kind       Kind
	BaseURL    string
	HealthPath string
	Timeout    time.Duration
	Options    map[string]string
}

// WithDefaults fills unset fields.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Kind == "" {
		d.Kind = KindHTTP
	}
	if d.HealthPath == "" && d.Kind == KindHTTP {
		d.HealthPath = DefaultHealthPath
	}
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	return d
}

func (d Descriptor) Option(key string) string {
	if d.Options == nil {
		return ""
	}
	return d.Options[key]
}

type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusTimeout     Status = "timeout"
	StatusUnreachable Status = "unreachable"
)

var (
	ErrTimeout     = errors.New("response time exceeded")
	ErrUnreachable = errors.New("service unreachable")
	ErrHTTPStatus  = errors.New("unexpected http status")
	ErrReported    = errors.New("service reported unhealthy")
	ErrKind        = errors.New("unsupported probe kind")
	ErrPanic       = errors.New("prober panicked")
)

// Result is the outcome of one probe. Err keeps the underlying cause for
// logs and is not serialized.
type Result struct {
	Service      string
	Status       Status
	ResponseTime time.Duration
	Message      string
	CheckedAt    time.Time
	Err          error
}

func (r Result) Healthy() bool { return r.Status == StatusHealthy }

func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status       Status `json:"status"`
		ResponseTime int64  `json:"responseTime"`
		Message      string `json:"message,omitempty"`
		CheckedAt    int64  `json:"checkedAt"`
	}{
		Status:       r.Status,
		ResponseTime: r.ResponseTime.Milliseconds(),
		Message:      r.Message,
		CheckedAt:    r.CheckedAt.UnixMilli(),
	})
}

// Prober runs a single check. Implementations must return within
// d.Timeout and never panic.
type Prober interface {
	Probe(ctx context.Context, d Descriptor) Result
}

type ProberFunc func(ctx context.Context, d Descriptor) Result

func (f ProberFunc) Probe(ctx context.Context, d Descriptor) Result { return f(ctx, d) }

// clock lets tests pin timestamps.
var now = time.Now

// outcome builds a Result; it is the single constructor used by probers.
func outcome(d Descriptor, start time.Time, st Status, msg string, err error) Result {
	t := now()
	elapsed := t.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return Result{
		Service:      d.Name,
		Status:       st,
		ResponseTime: elapsed,
		Message:      msg,
		CheckedAt:    t,
		Err:          err,
	}
}

func timedOut(d Descriptor, start time.Time, cause error) Result {
	return outcome(d, start, StatusTimeout, ErrTimeout.Error(), errors.Join(ErrTimeout, cause))
}

func unreachable(d Descriptor, start time.Time, cause error) Result {
	return outcome(d, start, StatusUnreachable, cause.Error(), errors.Join(ErrUnreachable, cause))
}

// deadlineHit reports whether the probe's own deadline fired, as opposed to
// the caller cancelling.
func deadlineHit(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
