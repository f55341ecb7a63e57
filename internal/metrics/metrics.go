// Package metrics wires the OpenTelemetry meter provider to a
// Prometheus exporter and declares the instruments recorded by the
// host. The /metrics endpoint served by Handler exposes them in
// Prometheus exposition format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the host's instruments. A nil *Metrics is valid and
// records nothing, so components can be constructed without a metrics
// pipeline in tests.
type Metrics struct {
	handler http.Handler

	busConnections  metric.Int64UpDownCounter
	busRouted       metric.Int64Counter
	busDenied       metric.Int64Counter
	proxyRequests   metric.Int64Counter
	proxyWebsockets metric.Int64UpDownCounter
	lroTransitions  metric.Int64Counter
	tunnelRestarts  metric.Int64Counter
	codexSwept      metric.Int64Counter
}

// New builds the meter provider backed by a dedicated Prometheus
// registry and registers it as the global OTel provider.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("cocalc-host")

	m := &Metrics{
		handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	if m.busConnections, err = meter.Int64UpDownCounter("conat_connections",
		metric.WithDescription("Open websocket connections on the host bus.")); err != nil {
		return nil, err
	}
	if m.busRouted, err = meter.Int64Counter("conat_messages_routed",
		metric.WithDescription("Messages delivered to bus subscribers.")); err != nil {
		return nil, err
	}
	if m.busDenied, err = meter.Int64Counter("conat_denied",
		metric.WithDescription("Bus operations rejected by the subject ACL.")); err != nil {
		return nil, err
	}
	if m.proxyRequests, err = meter.Int64Counter("proxy_requests",
		metric.WithDescription("HTTP requests handled by the project proxy.")); err != nil {
		return nil, err
	}
	if m.proxyWebsockets, err = meter.Int64UpDownCounter("proxy_websockets",
		metric.WithDescription("Live websocket connections relayed by the proxy.")); err != nil {
		return nil, err
	}
	if m.lroTransitions, err = meter.Int64Counter("lro_transitions",
		metric.WithDescription("Long-running operation status transitions.")); err != nil {
		return nil, err
	}
	if m.tunnelRestarts, err = meter.Int64Counter("tunnel_restarts",
		metric.WithDescription("Reverse tunnel process restarts.")); err != nil {
		return nil, err
	}
	if m.codexSwept, err = meter.Int64Counter("codex_credentials_swept",
		metric.WithDescription("Cached codex credentials removed by the GC sweep.")); err != nil {
		return nil, err
	}
	return m, nil
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

func (m *Metrics) BusConnection(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.busConnections.Add(ctx, delta)
}

func (m *Metrics) BusRouted(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.busRouted.Add(ctx, n)
}

// BusDenied records an ACL rejection. op is "pub" or "sub".
func (m *Metrics) BusDenied(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.busDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// ProxyRequest records a proxy outcome such as "ok", "unauthorized",
// "forbidden" or "bad_gateway".
func (m *Metrics) ProxyRequest(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.proxyRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ProxyWebsocket(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.proxyWebsockets.Add(ctx, delta)
}

func (m *Metrics) LROTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.lroTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) TunnelRestart(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.tunnelRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("name", name)))
}

func (m *Metrics) CodexSwept(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.codexSwept.Add(ctx, n)
}
