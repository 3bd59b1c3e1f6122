package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// S3Prober checks an S3 compatible object store. With Options["bucket"]
// it asks whether the bucket exists, otherwise it lists buckets.
//
// Recognised options: bucket, region, access_key, secret_key.
type S3Prober struct {
	Transport http.RoundTripper
}

func (p S3Prober) client(d Descriptor) (*minio.Client, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("object store url %q has no host", d.BaseURL)
	}
	tr := p.Transport
	if tr == nil {
		tr = otelhttp.NewTransport(http.DefaultTransport)
	}
	return minio.New(u.Host, &minio.Options{
		Creds:      credentials.NewStaticV4(d.Option("access_key"), d.Option("secret_key"), ""),
		Secure:     u.Scheme == "https",
		Region:     d.Option("region"),
		Transport:  tr,
		// one attempt per probe; 1 turns off minio's retry loop
		MaxRetries: 1,
	})
}

func (p S3Prober) Probe(ctx context.Context, d Descriptor) Result {
	d = d.WithDefaults()
	start := now()

	mc, err := p.client(d)
	if err != nil {
		return outcome(d, start, StatusUnhealthy, "invalid object store url", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	if bucket := d.Option("bucket"); bucket != "" {
		ok, err := mc.BucketExists(ctx, bucket)
		if err != nil {
			return classifyS3Err(ctx, d, start, err)
		}
		if !ok {
			return outcome(d, start, StatusUnhealthy, "bucket "+bucket+" not found", fmt.Errorf("%w: bucket %s missing", ErrReported, bucket))
		}
		return outcome(d, start, StatusHealthy, "ok", nil)
	}

	if _, err := mc.ListBuckets(ctx); err != nil {
		return classifyS3Err(ctx, d, start, err)
	}
	return outcome(d, start, StatusHealthy, "ok", nil)
}

func classifyS3Err(ctx context.Context, d Descriptor, start time.Time, err error) Result {
	if deadlineHit(ctx, err) || isNetTimeout(err) {
		return timedOut(d, start, err)
	}
	// an error response means the store answered
	if er := minio.ToErrorResponse(err); er.Code != "" || er.StatusCode != 0 {
		msg := er.Code
		if msg == "" {
			msg = fmt.Sprintf("http status %d", er.StatusCode)
		}
		return outcome(d, start, StatusUnhealthy, msg, err)
	}
	return unreachable(d, start, err)
}
