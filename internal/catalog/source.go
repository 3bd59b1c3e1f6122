package catalog

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// MaxDocumentSize bounds a catalog read from any source.
const MaxDocumentSize = 1 << 20

const (
	ssmPrefix = "ssm:"
	s3Prefix  = "s3://"
)

// SSMAPI is the subset of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the subset of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger
	// AWSConfig is used for ssm: and s3:// sources; the default chain is
	// loaded on first use when nil.
	AWSConfig *aws.Config
	SSM       SSMAPI
	S3        S3API
}

// Loader reads a catalog document from its source and parses it.
type Loader struct {
	logger log.Logger

	mu     sync.Mutex
	awsCfg *aws.Config
	ssm    SSMAPI
	s3     S3API
}

func NewLoader(opts LoaderOptions) *Loader {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Loader{logger: opts.Logger, awsCfg: opts.AWSConfig, ssm: opts.SSM, s3: opts.S3}
}

// Load reads source, which is a file path, ssm:<parameter name> or
// s3://bucket/key, and returns the validated descriptors.
func (l *Loader) Load(ctx context.Context, source string) ([]probe.Descriptor, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, xerrors.New("empty catalog source")
	}

	data, err := l.fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	ds, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "catalog source %s", source)
	}

	names := make([]string, len(ds))
	for i, d := range ds {
		names[i] = d.Name
	}
	l.logger.Info(ctx, "service catalog loaded", "source", source, "services", names)
	return ds, nil
}

func (l *Loader) fetch(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, ssmPrefix):
		return l.fetchSSM(ctx, strings.TrimPrefix(source, ssmPrefix))
	case strings.HasPrefix(source, s3Prefix):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(source, s3Prefix), "/")
		if !ok || bucket == "" || key == "" {
			return nil, xerrors.Newf("malformed s3 source %q, want s3://bucket/key", source)
		}
		return l.fetchS3(ctx, bucket, key)
	default:
		return readFile(source)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open catalog %s", path)
	}
	defer f.Close()
	return readLimited(f, path)
}

func (l *Loader) fetchSSM(ctx context.Context, name string) ([]byte, error) {
	if name == "" {
		return nil, xerrors.New("ssm source has no parameter name")
	}
	client, err := l.ssmClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil || strings.TrimSpace(*out.Parameter.Value) == "" {
		return nil, xerrors.Newf("SSM parameter %s is empty", name)
	}
	return []byte(*out.Parameter.Value), nil
}

func (l *Loader) fetchS3(ctx context.Context, bucket, key string) ([]byte, error) {
	client, err := l.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()
	return readLimited(out.Body, "s3://"+bucket+"/"+key)
}

func readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxDocumentSize+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read catalog %s", name)
	}
	if len(data) > MaxDocumentSize {
		return nil, xerrors.Newf("catalog %s exceeds %d bytes", name, MaxDocumentSize)
	}
	return data, nil
}

func (l *Loader) aws(ctx context.Context) (aws.Config, error) {
	if l.awsCfg != nil {
		return *l.awsCfg, nil
	}
	c, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	l.awsCfg = &c
	return c, nil
}

func (l *Loader) ssmClient(ctx context.Context) (SSMAPI, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ssm == nil {
		c, err := l.aws(ctx)
		if err != nil {
			return nil, err
		}
		l.ssm = ssm.NewFromConfig(c)
	}
	return l.ssm, nil
}

func (l *Loader) s3Client(ctx context.Context) (S3API, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.s3 == nil {
		c, err := l.aws(ctx)
		if err != nil {
			return nil, err
		}
		l.s3 = s3.NewFromConfig(c)
	}
	return l.s3, nil
}

// Resolve returns the catalog for the running configuration: the source
// when one is set, the built-in defaults otherwise.
func Resolve(ctx context.Context, l *Loader, source string, defaults []probe.Descriptor) ([]probe.Descriptor, error) {
	if strings.TrimSpace(source) == "" {
		return defaults, nil
	}
	return l.Load(ctx, source)
}
