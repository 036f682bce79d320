package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

type logLevel uint8

const (
	levelDebug logLevel = iota
	levelInfo
	levelWarn
	levelError
)

// observeOperation records the total counter and duration histogram of one
// service operation and logs it. Backpressure is logged as a warning; every
// other failure as an error.
func (s *Service) observeOperation(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if s == nil {
		return
	}
	operation = metricOperation(operation)
	elapsed := time.Since(startedAt)
	status := "success"
	if err != nil {
		status = "failure"
	}

	event := RedactSensitiveMap(fields)
	event["event_type"] = operation
	event["status"] = status
	event["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		event["error"] = err.Error()
	}

	tags := map[string]string{"operation": operation, "status": status}
	for _, key := range []string{"capability", "outcome"} {
		value, ok := event[key]
		if !ok || value == nil {
			continue
		}
		if text := strings.TrimSpace(fmt.Sprint(value)); text != "" {
			tags[key] = text
		}
	}
	s.recordCounter(ctx, metricsPrefix+operation+".total", 1, tags)
	s.recordHistogram(ctx, metricsPrefix+operation+".duration_ms", float64(elapsed.Milliseconds()), tags)

	switch {
	case err == nil:
		s.log(ctx, levelDebug, operation+" succeeded", event)
	case IsNoAvailableCredential(err):
		s.log(ctx, levelWarn, operation+" found no available credential", event)
	default:
		s.log(ctx, levelError, operation+" failed", event)
	}
}

func (s *Service) observeCycle(report CycleReport) {
	ctx := context.Background()
	tags := map[string]string{"operation": "refresh_cycle"}
	name := metricsPrefix + "refresh_cycle."
	s.recordCounter(ctx, name+"total", 1, tags)
	for suffix, value := range map[string]int{
		"refreshed":   report.Refreshed,
		"quarantined": report.Quarantined,
		"failed":      report.Failed,
	} {
		s.recordCounter(ctx, name+suffix, int64(value), tags)
	}
	s.recordHistogram(ctx, name+"duration_ms", float64(report.Duration.Milliseconds()), tags)
}

func (s *Service) logInfo(ctx context.Context, message string, fields map[string]any) {
	s.log(ctx, levelInfo, message, fields)
}

// log writes message through the service logger. Loggers that accept
// structured fields receive them directly; the sorted key/value pairs are
// always passed as args as well.
func (s *Service) log(ctx context.Context, level logLevel, message string, fields map[string]any) {
	if s == nil || s.logger == nil {
		return
	}
	logger := s.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		scoped := map[string]any{}
		maps.Copy(scoped, fields)
		logger = fieldsLogger.WithFields(scoped)
	}

	keys := slices.Sorted(maps.Keys(fields))
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}

	switch level {
	case levelError:
		logger.Error(message, args...)
	case levelWarn:
		logger.Warn(message, args...)
	case levelDebug:
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func (s *Service) recordCounter(ctx context.Context, name string, value int64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.IncCounter(ctx, name, value, cloneTags(tags))
}

func (s *Service) recordHistogram(ctx context.Context, name string, value float64, tags map[string]string) {
	if s == nil || s.metricsRecorder == nil {
		return
	}
	s.metricsRecorder.ObserveHistogram(ctx, name, value, cloneTags(tags))
}

// metricOperation turns an operation label into a metric name segment.
func metricOperation(operation string) string {
	operation = strings.ToLower(strings.TrimSpace(operation))
	operation = strings.NewReplacer(" ", "_", "-", "_").Replace(operation)
	if operation == "" {
		return "unknown"
	}
	return operation
}
