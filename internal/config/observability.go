package config

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/project-kessel/dirfed/internal/probe"
	"github.com/project-kessel/dirfed/internal/service"
)

// disabledLevel is above every level slog emits
const disabledLevel = slog.Level(1000)

// NewObserver creates an application observer from configuration.
// This is a convenience wrapper that creates its own logger from cfg.
func NewObserver(cfg *ObservabilityConfig, registerer prometheus.Registerer) (service.ApplicationObserver, error) {
	return NewObserverWithLogger(cfg, NewLogger(cfg), registerer)
}

// NewObserverWithLogger creates an application observer using the provided logger.
// Metrics observers register their collectors with registerer.
func NewObserverWithLogger(cfg *ObservabilityConfig, logger *slog.Logger, registerer prometheus.Registerer) (service.ApplicationObserver, error) {
	if cfg == nil {
		return &service.NoOpApplicationObserver{}, nil
	}

	switch cfg.Type {
	case "logging":
		return probe.NewLoggingObserver(logger), nil
	case "metrics":
		if registerer == nil {
			return nil, fmt.Errorf("metrics observer requires a prometheus registerer")
		}
		return probe.NewMetricsObserver(registerer)
	case "noop", "":
		return &service.NoOpApplicationObserver{}, nil
	case "composite":
		return newCompositeObserver(cfg, logger, registerer)
	default:
		return nil, fmt.Errorf("unknown observability type: %s (supported: logging, metrics, noop, composite)", cfg.Type)
	}
}

// NewLogger creates a structured logger writing to stdout.
// Returns slog.Default() if cfg is nil.
func NewLogger(cfg *ObservabilityConfig) *slog.Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a structured logger writing to w
func NewLoggerWithWriter(cfg *ObservabilityConfig, w io.Writer) *slog.Logger {
	if cfg == nil {
		return slog.Default()
	}
	return slog.New(createEventFilteringHandler(cfg, w, parseLogLevel(cfg.LogLevel)))
}

// newCompositeObserver creates a composite observer; children share the parent's logger
func newCompositeObserver(cfg *ObservabilityConfig, logger *slog.Logger, registerer prometheus.Registerer) (service.ApplicationObserver, error) {
	if len(cfg.Observers) == 0 {
		return nil, fmt.Errorf("composite observer requires at least one sub-observer")
	}

	var observers []service.ApplicationObserver
	for i, subCfg := range cfg.Observers {
		observer, err := NewObserverWithLogger(&subCfg, logger, registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to create observer %d: %w", i, err)
		}
		observers = append(observers, observer)
	}

	return service.NewCompositeObserver(observers...), nil
}

// createEventFilteringHandler creates a handler that filters log events based on the event attribute
func createEventFilteringHandler(cfg *ObservabilityConfig, w io.Writer, defaultLevel slog.Level) slog.Handler {
	eventLevels := make(map[string]slog.Level)
	for event, ec := range map[string]*EventConfig{
		"federation": cfg.Federation,
		"resolve":    cfg.Resolve,
	} {
		switch {
		case ec == nil:
		case ec.Enabled != nil && !*ec.Enabled:
			eventLevels[event] = disabledLevel
		case ec.LogLevel != "":
			eventLevels[event] = parseLogLevel(ec.LogLevel)
		}
	}

	// The base handler accepts everything; eventFilteringHandler decides.
	minLevel := defaultLevel
	for _, level := range eventLevels {
		minLevel = min(minLevel, level)
	}

	return &eventFilteringHandler{
		next:         createHandler(cfg.LogFormat, w, minLevel),
		eventLevels:  eventLevels,
		defaultLevel: defaultLevel,
		minLevel:     minLevel,
	}
}

// eventFilteringHandler wraps a handler and filters based on the event attribute.
// Probes attach "event" with Logger.With, so it is tracked through WithAttrs.
type eventFilteringHandler struct {
	next         slog.Handler
	eventLevels  map[string]slog.Level
	defaultLevel slog.Level
	minLevel     slog.Level
	event        string
}

func (h *eventFilteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.threshold()
}

func (h *eventFilteringHandler) threshold() slog.Level {
	if h.event == "" {
		return h.minLevel
	}
	if level, ok := h.eventLevels[h.event]; ok {
		return level
	}
	return h.defaultLevel
}

func (h *eventFilteringHandler) Handle(ctx context.Context, record slog.Record) error {
	event := h.event
	if event == "" {
		record.Attrs(func(attr slog.Attr) bool {
			if attr.Key == "event" {
				event = attr.Value.String()
				return false
			}
			return true
		})
	}

	threshold := h.defaultLevel
	if level, ok := h.eventLevels[event]; ok {
		threshold = level
	}
	if record.Level < threshold {
		return nil
	}

	return h.next.Handle(ctx, record)
}

func (h *eventFilteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.next = h.next.WithAttrs(attrs)
	for _, attr := range attrs {
		if attr.Key == "event" {
			c.event = attr.Value.String()
		}
	}
	return &c
}

func (h *eventFilteringHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.next = h.next.WithGroup(name)
	return &c
}

// createHandler creates a slog handler based on format and level
func createHandler(format string, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// parseLogLevel parses a log level string, defaulting to info
func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
