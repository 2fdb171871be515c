package observability

import (
	"context"
	"strings"
	"testing"

	"throttler/internal/models"
	"throttler/internal/version"

	promclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// setupIsolatedProvider installs a metrics provider backed by its own registry.
func setupIsolatedProvider(t *testing.T) (*Provider, *promclient.Registry) {
	t.Helper()
	reg := promclient.NewRegistry()
	metrics := models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090}
	obs := models.ObservabilityConfig{ServiceName: "test"}

	provider, err := setup(metrics, obs, version.Info{}, reg)
	require.NoError(t, err)
	t.Cleanup(func() { provider.Shutdown(context.Background()) })
	return provider, reg
}

// metricValue returns the value of the first sample whose family name contains
// namePart and whose labels include every pair in labels.
func metricValue(t *testing.T, reg *promclient.Registry, namePart string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, f := range families {
		if !strings.Contains(f.GetName(), namePart) {
			continue
		}
		for _, m := range f.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount()), true
			}
		}
	}
	return 0, false
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		got[l.GetName()] = l.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
