package telemetry

import (
	"context"
	"errors"
	"log/slog"

	"kidsactivity-backend/lib/configutil"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
)

var tracerProvider *trace.TracerProvider
var meterProvider *metric.MeterProvider

var setupTestEnvironments = map[string]bool{}

// sets up telemetry in a testing environment, ensuring that it isn't
// set up more than once
func SetupForTesting(serviceName string) func() {
	_, setupAlready := setupTestEnvironments[serviceName]
	if setupAlready {
		return func() {}
	}
	setupTestEnvironments[serviceName] = true

	InitSlog(true)
	err := SetupFromEnv(context.Background(), serviceName)
	if err != nil {
		return func() {}
	}

	return func() {
		err := Shutdown(context.Background())
		if err != nil {
			panic(err)
		}
	}
}

// searches up the filesystem from the cwd to find a file
// called telemetry.json5, once found it will then use it
// as a config to setup telemetry
func SetupFromEnv(ctx context.Context, serviceName string) error {
	config, err := configutil.ReadRecursively[config]("telemetry.json5")
	if err != nil {
		return err
	}
	return Setup(ctx, serviceName, config)
}

// Setup installs the configured otel providers. A signal with no
// endpoint configured stays on the default no-op provider instead of
// exporting into the void.
func Setup(ctx context.Context, serviceName string, config config) error {
	r, err := newResource(serviceName)
	if err != nil {
		return err
	}

	if config.Otlp.Traces.configured() {
		tracerProvider, err = newTraceProvider(ctx, r, config.Otlp.Traces)
		if err != nil {
			return err
		}
		otel.SetTracerProvider(tracerProvider)
	} else {
		slog.Info("trace export disabled, no otlp endpoint configured")
	}

	if config.Otlp.Metrics.configured() {
		meterProvider, err = newMetricProvider(ctx, r, config.Otlp.Metrics)
		if err != nil {
			return err
		}
		otel.SetMeterProvider(meterProvider)
	} else {
		slog.Info("metric export disabled, no otlp endpoint configured")
	}

	return nil
}

func Shutdown(ctx context.Context) error {
	errlist := []error{}
	if tracerProvider != nil {
		err := tracerProvider.Shutdown(ctx)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	if meterProvider != nil {
		err := meterProvider.Shutdown(ctx)
		if err != nil {
			errlist = append(errlist, err)
		}
	}
	return errors.Join(errlist...)
}
