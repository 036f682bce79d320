package gologger

import (
	"context"
	"io"
	"os"
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
	plog "github.com/phuslu/log"
)

// Logger names handed to the provider by the pool components.
const (
	ComponentService   = "tokenpool.service"
	ComponentScheduler = "tokenpool.scheduler"
	ComponentExchange  = "tokenpool.exchange"
	ComponentJobs      = "tokenpool.jobs"
	ComponentHTTP      = "tokenpool.http"
)

// Resolve uses deterministic precedence provider > logger > nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// Loggers is the resolved logging surface of one pool process, including the
// go-job bridges used by the refresh worker.
type Loggers struct {
	Provider    glog.LoggerProvider
	Root        glog.Logger
	JobProvider job.LoggerProvider
	Job         job.Logger
}

func ResolveLoggers(provider glog.LoggerProvider, logger glog.Logger) Loggers {
	resolvedProvider, resolvedLogger := Resolve(ComponentService, provider, logger)
	jobLogger := resolvedLogger
	if resolvedProvider != nil {
		jobLogger = glog.Ensure(resolvedProvider.GetLogger(ComponentJobs))
	}
	return Loggers{
		Provider:    resolvedProvider,
		Root:        resolvedLogger,
		JobProvider: job.GoLoggerProvider(resolvedProvider),
		Job:         job.GoLogger(jobLogger),
	}
}

// For returns the logger of a named component.
func (l Loggers) For(component string) glog.Logger {
	if l.Provider == nil {
		return glog.Ensure(l.Root)
	}
	return glog.Ensure(l.Provider.GetLogger(component))
}

// Format selects the phuslu writer used by NewProvider.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Provider hands out phuslu-backed loggers tagged with their component name.
type Provider struct {
	level  plog.Level
	writer plog.Writer
}

func NewProvider(level string, format Format, out io.Writer) *Provider {
	if out == nil {
		out = os.Stderr
	}
	var writer plog.Writer = &plog.IOWriter{Writer: out}
	if strings.EqualFold(string(format), string(FormatConsole)) {
		writer = &plog.ConsoleWriter{Writer: out, EndWithMessage: true}
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	parsed := plog.ParseLevel(level)
	return &Provider{level: parsed, writer: writer}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	logger := &plog.Logger{
		Level:  p.level,
		Writer: p.writer,
	}
	if name = strings.TrimSpace(name); name != "" {
		logger.Context = plog.NewContext(nil).Str("logger", name).Value()
	}
	return &phusluLogger{logger: logger}
}

type phusluLogger struct {
	logger *plog.Logger
}

func (l *phusluLogger) Trace(msg string, args ...any) {
	l.logger.Trace().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) Debug(msg string, args ...any) {
	l.logger.Debug().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) Info(msg string, args ...any) {
	l.logger.Info().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) Warn(msg string, args ...any) {
	l.logger.Warn().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) Error(msg string, args ...any) {
	l.logger.Error().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) Fatal(msg string, args ...any) {
	l.logger.Fatal().KeysAndValues(args...).Msg(msg)
}

func (l *phusluLogger) WithContext(context.Context) glog.Logger {
	return l
}

var (
	_ glog.LoggerProvider = (*Provider)(nil)
	_ glog.Logger         = (*phusluLogger)(nil)
)
