// Package catalog produces the list of services the monitor probes: the
// three built-in defaults from configuration, or a YAML document read
// from a file, an SSM parameter or an S3 object.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/cfg"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/probe"
	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// Default service names, as reported in the health payload.
const (
	NameAPI    = "api"
	NameClient = "client"
	NameProxy  = "proxy"
	NameDB     = "db"
)

// Defaults returns api, client and proxy http descriptors, plus a
// postgres descriptor named db when a database url is configured.
func Defaults(c cfg.App) []probe.Descriptor {
	out := []probe.Descriptor{
		{Name: NameAPI, Kind: probe.KindHTTP, BaseURL: c.APIURL, HealthPath: c.HealthPath, Timeout: c.ProbeTimeout},
		{Name: NameClient, Kind: probe.KindHTTP, BaseURL: c.ClientURL, HealthPath: c.HealthPath, Timeout: c.ProbeTimeout},
		{Name: NameProxy, Kind: probe.KindHTTP, BaseURL: c.ProxyURL, HealthPath: c.HealthPath, Timeout: c.ProbeTimeout},
	}
	if c.DatabaseURL != "" {
		out = append(out, probe.Descriptor{Name: NameDB, Kind: probe.KindPostgres, BaseURL: c.DatabaseURL, Timeout: c.ProbeTimeout})
	}
	for i := range out {
		out[i] = out[i].WithDefaults()
	}
	return out
}

// Document is the YAML catalog layout.
type Document struct {
	Defaults Entry   `yaml:"defaults"`
	Services []Entry `yaml:"services"`
}

type Entry struct {
	Name    string            `yaml:"name"`
	Kind    probe.Kind        `yaml:"kind"`
	URL     string            `yaml:"url"`
	Path    string            `yaml:"path"`
	Timeout Duration          `yaml:"timeout"`
	Options map[string]string `yaml:"options"`
}

// Duration decodes Go duration strings ("750ms") or bare integers as
// seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("line %d: invalid duration %q", n.Line, s)
}

// Parse decodes a catalog document. Unknown fields are rejected and
// ${VAR} references in urls and option values are expanded from the
// environment, so credentials stay out of the document.
func Parse(data []byte) ([]probe.Descriptor, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Wrap(err, "decode service catalog")
	}
	if len(doc.Services) == 0 {
		return nil, xerrors.New("service catalog lists no services")
	}

	out := make([]probe.Descriptor, 0, len(doc.Services))
	for _, e := range doc.Services {
		d := probe.Descriptor{
			Name:       strings.TrimSpace(e.Name),
			Kind:       firstKind(e.Kind, doc.Defaults.Kind),
			BaseURL:    os.ExpandEnv(e.URL),
			HealthPath: firstString(e.Path, doc.Defaults.Path),
		}.WithDefaults()
		// negative values pass through for Validate to report
		if t := firstDuration(e.Timeout, doc.Defaults.Timeout); t != 0 {
			d.Timeout = t
		}
		if len(e.Options) > 0 || len(doc.Defaults.Options) > 0 {
			d.Options = make(map[string]string, len(e.Options)+len(doc.Defaults.Options))
			for k, v := range doc.Defaults.Options {
				d.Options[k] = os.ExpandEnv(v)
			}
			for k, v := range e.Options {
				d.Options[k] = os.ExpandEnv(v)
			}
		}
		out = append(out, d)
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

func firstKind(vs ...probe.Kind) probe.Kind {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDuration(vs ...Duration) time.Duration {
	for _, v := range vs {
		if v != 0 {
			return time.Duration(v)
		}
	}
	return 0
}

func firstString(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// Validate reports every problem in ds at once.
func Validate(ds []probe.Descriptor) error {
	var errs []error
	seen := make(map[string]struct{}, len(ds))
	for i, d := range ds {
		label := d.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			errs = append(errs, fmt.Errorf("service %s: name is required", label))
		} else if _, dup := seen[d.Name]; dup {
			errs = append(errs, fmt.Errorf("service %s: duplicate name", label))
		}
		seen[d.Name] = struct{}{}

		if !d.Kind.Valid() {
			errs = append(errs, fmt.Errorf("service %s: unknown kind %q", label, d.Kind))
		}
		if d.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("service %s: timeout must be positive (got %s)", label, d.Timeout))
		}
		if d.BaseURL == "" {
			errs = append(errs, fmt.Errorf("service %s: url is required", label))
			continue
		}
		switch d.Kind {
		case probe.KindHTTP, probe.KindS3:
			u, err := url.Parse(d.BaseURL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				errs = append(errs, fmt.Errorf("service %s: url must be absolute http(s) (got %q)", label, redact(d.BaseURL)))
			}
			if d.Kind == probe.KindHTTP && !strings.HasPrefix(d.HealthPath, "/") {
				errs = append(errs, fmt.Errorf("service %s: path must start with / (got %q)", label, d.HealthPath))
			}
		case probe.KindPostgres:
			if !strings.HasPrefix(d.BaseURL, "postgres://") && !strings.HasPrefix(d.BaseURL, "postgresql://") && !strings.Contains(d.BaseURL, "=") {
				errs = append(errs, fmt.Errorf("service %s: url is not a postgres dsn", label))
			}
		}
	}
	if len(errs) > 0 {
		return xerrors.Wrap(errors.Join(errs...), "invalid service catalog")
	}
	return nil
}

// redact hides userinfo so passwords never reach error messages.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
