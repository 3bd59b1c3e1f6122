package metrics

import (
	"bytes"
	"io"
	"math"
	"strconv"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/xerrors"
)

// TextContentType is the content type of the classic exposition format.
const TextContentType = "text/plain; version=0.0.4; charset=utf-8"

// Family is one metric family in the JSON snapshot.
type Family struct {
	Name   string   `json:"name"`
	Help   string   `json:"help"`
	Type   string   `json:"type"`
	Values []Sample `json:"values"`
}

// Sample is one line of a family. MetricName differs from the family name
// for histogram and summary series (_bucket, _sum, _count).
type Sample struct {
	Labels     map[string]string `json:"labels"`
	Value      float64           `json:"value"`
	MetricName string            `json:"metricName,omitempty"`
}

func (m *Registry) gather() ([]*dto.MetricFamily, error) {
	mfs, err := m.reg.Gather()
	if err != nil {
		return nil, xerrors.Wrap(err, "gather metrics")
	}
	return mfs, nil
}

// WriteText renders every family in the text exposition format.
func (m *Registry) WriteText(w io.Writer) error {
	mfs, err := m.gather()
	if err != nil {
		return err
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return xerrors.Wrapf(err, "write family %s", mf.GetName())
		}
	}
	return nil
}

// Text is WriteText into a string.
func (m *Registry) Text() (string, error) {
	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SnapshotJSON returns the registry as structured families. Samples whose
// value is NaN or infinite are left out because JSON cannot carry them.
func (m *Registry) SnapshotJSON() ([]Family, error) {
	mfs, err := m.gather()
	if err != nil {
		return nil, err
	}
	out := make([]Family, 0, len(mfs))
	for _, mf := range mfs {
		out = append(out, familyJSON(mf))
	}
	return out, nil
}

func familyJSON(mf *dto.MetricFamily) Family {
	f := Family{
		Name:   mf.GetName(),
		Help:   mf.GetHelp(),
		Type:   typeName(mf.GetType()),
		Values: []Sample{},
	}
	name := mf.GetName()
	add := func(metric string, labels map[string]string, v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		s := Sample{Labels: labels, Value: v}
		if metric != name {
			s.MetricName = metric
		}
		f.Values = append(f.Values, s)
	}

	for _, mt := range mf.GetMetric() {
		base := labelMap(mt.GetLabel())
		switch mf.GetType() {
		case dto.MetricType_COUNTER:
			add(name, base, mt.GetCounter().GetValue())
		case dto.MetricType_GAUGE:
			add(name, base, mt.GetGauge().GetValue())
		case dto.MetricType_UNTYPED:
			add(name, base, mt.GetUntyped().GetValue())
		case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
			h := mt.GetHistogram()
			sawInf := false
			for _, b := range h.GetBucket() {
				sawInf = sawInf || math.IsInf(b.GetUpperBound(), 1)
				add(name+"_bucket", with(base, "le", formatFloat(b.GetUpperBound())), float64(b.GetCumulativeCount()))
			}
			if !sawInf {
				add(name+"_bucket", with(base, "le", "+Inf"), float64(h.GetSampleCount()))
			}
			add(name+"_sum", base, h.GetSampleSum())
			add(name+"_count", base, float64(h.GetSampleCount()))
		case dto.MetricType_SUMMARY:
			s := mt.GetSummary()
			for _, q := range s.GetQuantile() {
				add(name, with(base, "quantile", formatFloat(q.GetQuantile())), q.GetValue())
			}
			add(name+"_sum", base, s.GetSampleSum())
			add(name+"_count", base, float64(s.GetSampleCount()))
		}
	}
	return f
}

func typeName(t dto.MetricType) string {
	switch t {
	case dto.MetricType_COUNTER:
		return "counter"
	case dto.MetricType_GAUGE:
		return "gauge"
	case dto.MetricType_HISTOGRAM, dto.MetricType_GAUGE_HISTOGRAM:
		return "histogram"
	case dto.MetricType_SUMMARY:
		return "summary"
	default:
		return "untyped"
	}
}

func labelMap(lps []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(lps))
	for _, lp := range lps {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func with(base map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(base)+1)
	for bk, bv := range base {
		out[bk] = bv
	}
	out[k] = v
	return out
}

// formatFloat matches the exposition format's rendering of bucket bounds.
func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "+Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
