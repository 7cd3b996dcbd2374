package telemetry

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName 是上报 trace 时使用的服务名。
const ServiceName = "offline-proxy"

// Config 控制 trace 导出，全部来自环境变量。
type Config struct {
	Enabled  bool   `env:"OFFLINE_PROXY_OTEL_ENABLED" envDefault:"true"`
	Endpoint string `env:"OFFLINE_PROXY_OTEL_ENDPOINT"`
}

// Active 表示是否需要安装 SDK。
func (c Config) Active() bool {
	return c.Enabled && c.Endpoint != ""
}

// LoadConfig 从环境变量读取 Config。
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse telemetry env: %w", err)
	}
	return cfg, nil
}

// Setup 按 Config 安装全局 TracerProvider。未配置 endpoint 或显式关闭时
// 不注册任何 provider，分发器的 span 保持 noop。返回的 shutdown 会刷新
// 尚未导出的 span，调用方应在退出前执行。
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Active() {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(ServiceName)))
	if err != nil {
		return noop, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}
