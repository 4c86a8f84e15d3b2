package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/fyrsmithlabs/knowledged/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	lognoop "go.opentelemetry.io/otel/log/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled is always valid", mutate: func(c *Config) { c.Enabled = false; c.Endpoint = "" }},
		{name: "enabled local", mutate: func(c *Config) { c.Enabled = true }},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "" },
			wantErr: "endpoint is required",
		},
		{
			name:    "insecure remote",
			mutate:  func(c *Config) { c.Enabled = true; c.Endpoint = "collector.example.com:4317" },
			wantErr: "insecure connections",
		},
		{
			name:   "secure remote",
			mutate: func(c *Config) { c.Enabled = true; c.Insecure = false; c.Endpoint = "https://collector.example.com" },
		},
		{
			name:    "bad protocol",
			mutate:  func(c *Config) { c.Enabled = true; c.Protocol = "udp" },
			wantErr: "protocol",
		},
		{
			name:    "bad sampling",
			mutate:  func(c *Config) { c.Enabled = true; c.SamplingRate = 2 },
			wantErr: "sampling rate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	assert.True(t, isLocalEndpoint("localhost:4317"))
	assert.True(t, isLocalEndpoint("127.0.0.1:4317"))
	assert.True(t, isLocalEndpoint("[::1]:4317"))
	assert.True(t, isLocalEndpoint("http://localhost:4318"))
	assert.False(t, isLocalEndpoint("otel.example.com:4317"))
}

func TestFromSettings(t *testing.T) {
	s := config.Default().Observability
	s.EnableTelemetry = true
	s.Protocol = "http/protobuf"
	s.ExportInterval = config.Duration(time.Minute)

	cfg := FromSettings(s, "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.Equal(t, time.Minute, cfg.ExportInterval)
	require.NoError(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.False(t, tel.Enabled())
	assert.False(t, tel.Degraded())
	assert.Nil(t, tel.LoggerProvider())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_LogsInstallGlobalProvider(t *testing.T) {
	t.Cleanup(func() {
		global.SetLoggerProvider(lognoop.NewLoggerProvider())
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	})

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.MetricsEnabled = false
	cfg.LogsEnabled = true

	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, tel.Degraded())

	lp := tel.LoggerProvider()
	require.NotNil(t, lp)
	assert.Equal(t, lp, global.GetLoggerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestNew_LogsOffByDefault(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(tracenoop.NewTracerProvider()) })

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.MetricsEnabled = false

	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRecordSpans(t *testing.T) {
	rec := RecordSpans(t)

	_, span := otel.Tracer("knowledged.test").Start(context.Background(), "Store.ImportRaw")
	span.End()

	rec.AssertSpan(t, "Store.ImportRaw")
	assert.Equal(t, []string{"Store.ImportRaw"}, rec.Names())
	assert.Nil(t, rec.Span("missing"))
}
