package telemetry

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRedactorScrubsLogOutput(t *testing.T) {
	var buf bytes.Buffer
	redactor := NewRedactor(nil)
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json"},
		WithWriter(&buf), WithRedactor(redactor))
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("before tracking: hunter22")
	redactor.Track("hunter22")
	logger.WithField("password", "hunter22").Info("after tracking: hunter22")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got: %d", len(lines))
	}
	if !strings.Contains(lines[0], "hunter22") {
		t.Errorf("Expected untracked value to be logged as is, got: %s", lines[0])
	}
	if strings.Contains(lines[1], "hunter22") {
		t.Errorf("Expected tracked value to be redacted, got: %s", lines[1])
	}
	if strings.Count(lines[1], RedactedPlaceholder) != 2 {
		t.Errorf("Expected 2 redactions, got: %s", lines[1])
	}
}

func TestRedactorEscapedForm(t *testing.T) {
	var buf bytes.Buffer
	redactor := NewRedactor(nil)
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json"},
		WithWriter(&buf), WithRedactor(redactor))
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	secret := `pa"ss\word`
	redactor.Track(secret)
	logger.WithField("value", secret).Info("quoted")

	if strings.Contains(buf.String(), `pa\"ss\\word`) {
		t.Errorf("Expected JSON-escaped secret to be redacted, got: %s", buf.String())
	}
}

func TestRedactorLongestFirst(t *testing.T) {
	r := NewRedactor(nil)
	r.Track("abcd")
	r.Track("abcdefgh")

	got := r.Redact("x abcdefgh y")
	if got != "x "+RedactedPlaceholder+" y" {
		t.Errorf("Expected whole secret replaced, got: %s", got)
	}
}

func TestRedactorIgnoresShortValues(t *testing.T) {
	r := NewRedactor(nil)
	r.Track("")
	r.Track("ab")
	if r.Count() != 0 {
		t.Errorf("Expected short values to be ignored, got: %d tracked", r.Count())
	}
}

func TestEventPublisherOrdering(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	}, nil)

	for i := 0; i < 20; i++ {
		if err := ep.Publish(Event{Type: "info", Message: string(rune('a' + i))}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("Expected 20 events, got: %d", len(got))
	}
	for i, m := range got {
		if m != string(rune('a'+i)) {
			t.Fatalf("Expected events in publish order, got %s at %d", m, i)
		}
	}

	if err := ep.Publish(Event{Message: "late"}); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestEventFilters(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByLevel(EventLevelWarning))

	_ = ep.Publish(Event{Level: EventLevelInfo})
	_ = ep.Publish(Event{Level: EventLevelWarning})
	_ = ep.Publish(Event{Level: EventLevelError})
	_ = ep.Shutdown(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Errorf("Expected 2 events at warning or above, got: %d", count)
	}
}

func TestDisabledComponents(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordRunStarted("s")
	m.RequestStarted()
	m.RecordRequest("k", "create", "ready", time.Second)
	m.RecordError("BUILD_FAILED")

	ep := NewEventPublisher(EventsConfig{Enabled: false})
	if err := ep.Publish(Event{}); err != nil {
		t.Errorf("Expected disabled publisher to accept events, got: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected disabled shutdown to succeed, got: %v", err)
	}
}

func TestProviderOperationMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := NewTelemetry(cfg, WithWriter(&bytes.Buffer{}))
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())
	ctx := tel.WithContext(context.Background())

	_ = RecordProviderOperation(ctx, "azure", "apply", func() error { return nil })
	_ = RecordProviderOperation(ctx, "azure", "apply", func() error { return context.Canceled })

	if got := testutil.ToFloat64(tel.Metrics.providerCalls.WithLabelValues("azure", "apply")); got != 2 {
		t.Errorf("Expected 2 provider calls, got: %v", got)
	}
	if got := testutil.ToFloat64(tel.Metrics.providerErrors.WithLabelValues("azure", "apply")); got != 1 {
		t.Errorf("Expected 1 provider error, got: %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to be valid, got: %v", err)
	}

	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid level to fail validation")
	}

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected otlp without endpoint to fail validation")
	}
}
