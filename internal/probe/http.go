package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxHealthBody = 64 << 10

// HTTPProber issues GET BaseURL+HealthPath and classifies the response.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber returns a prober whose outbound requests are traced with
// otelhttp. Redirects are followed at most three times.
func NewHTTPProber() *HTTPProber {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 2
	return &HTTPProber{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(tr,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "probe " + r.URL.Host
				}),
			),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// healthBody is the optional payload services return from their health path.
type healthBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func joinURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q needs a scheme and host", base)
	}
	if path == "" {
		return u.String(), nil
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return u.String(), nil
}

func (p *HTTPProber) Probe(ctx context.Context, d Descriptor) Result {
	d = d.WithDefaults()
	start := now()

	target, err := joinURL(d.BaseURL, d.HealthPath)
	if err != nil {
		return unreachable(d, start, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return unreachable(d, start, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "healthcheck-monitor")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if deadlineHit(ctx, err) || isNetTimeout(err) {
			return timedOut(d, start, err)
		}
		return unreachable(d, start, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxHealthBody))
		msg := fmt.Sprintf("http status %d", resp.StatusCode)
		return outcome(d, start, StatusUnhealthy, msg, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		// the headers arrived in time, but the body did not
		if deadlineHit(ctx, err) {
			return timedOut(d, start, err)
		}
		return unreachable(d, start, err)
	}
	return classifyBody(d, start, body)
}

func classifyBody(d Descriptor, start time.Time, body []byte) Result {
	var hb healthBody
	// a non-JSON 2xx body still counts as healthy
	if len(body) > 0 && json.Unmarshal(body, &hb) == nil && hb.Status != "" &&
		!strings.EqualFold(hb.Status, string(StatusHealthy)) {
		msg := hb.Message
		if msg == "" {
			msg = "reported status " + hb.Status
		}
		return outcome(d, start, StatusUnhealthy, msg, fmt.Errorf("%w: %s", ErrReported, hb.Status))
	}
	msg := hb.Message
	if msg == "" {
		msg = "ok"
	}
	return outcome(d, start, StatusHealthy, msg, nil)
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
