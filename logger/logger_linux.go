//go:build linux

// Package logger is the process-wide log facade. It hides two
// interchangeable backends behind one small Sink interface: a syslog
// backend (used under a service manager) and a structured zap backend
// (used for standalone/info/command modes and anywhere stderr is a
// terminal). Call sites never know which is active, the same way the
// original wrapper hid plain syslog behind package-level LogXxx calls.
package logger

import (
	sl "log/syslog"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Priority is the logger priority, kept syslog-compatible so severity
// constants below still line up with /usr/include/sys/syslog.h.
type Priority = sl.Priority

// nolint: golint
const (
	// Severity.
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

// nolint: golint
const (
	// Facility.
	LOG_KERN Priority = iota << 3
	LOG_USER
	LOG_MAIL
	LOG_DAEMON
	LOG_AUTH
	LOG_SYSLOG
	LOG_LPR
	LOG_NEWS
	LOG_UUCP
	LOG_CRON
	LOG_AUTHPRIV
	LOG_FTP
)

// Sink is the minimal interface both backends satisfy.
type Sink interface {
	Emerg(string) error
	Alert(string) error
	Crit(string) error
	Err(string) error
	Warning(string) error
	Notice(string) error
	Info(string) error
	Debug(string) error
	Write([]byte) (int, error)
	Close() error
}

// Writer is kept as a type alias to preserve the old call shape
// (logger.Writer used to be *sl.Writer); it is now the Sink interface.
type Writer = Sink

var l Sink

// syslogSink adapts *sl.Writer to Sink (already satisfies it structurally).
type syslogSink struct{ *sl.Writer }

// zapSink adapts a zap.Logger to Sink for standalone/info/command modes.
type zapSink struct {
	z     *zap.Logger
	level zap.AtomicLevel
}

func (z *zapSink) Emerg(s string) error   { z.z.Fatal(s); return nil }
func (z *zapSink) Alert(s string) error   { z.z.Error(s, zap.String("severity", "alert")); return nil }
func (z *zapSink) Crit(s string) error    { z.z.Error(s, zap.String("severity", "crit")); return nil }
func (z *zapSink) Err(s string) error     { z.z.Error(s); return nil }
func (z *zapSink) Warning(s string) error { z.z.Warn(s); return nil }
func (z *zapSink) Notice(s string) error  { z.z.Info(s, zap.String("severity", "notice")); return nil }
func (z *zapSink) Info(s string) error    { z.z.Info(s); return nil }
func (z *zapSink) Debug(s string) error   { z.z.Debug(s); return nil }
func (z *zapSink) Write(b []byte) (int, error) {
	z.z.Info(string(b))
	return len(b), nil
}
func (z *zapSink) Close() error { return z.z.Sync() }

// New returns a new syslog-backed Writer, same signature the teacher's
// logger.New had; used when the process is running under a service
// manager (systemd sets INVOCATION_ID in the environment).
func New(flags Priority, tag string) (w *Writer, e error) {
	sw, e := sl.New(flags, tag)
	if e != nil {
		return nil, e
	}
	s := &syslogSink{sw}
	l = s
	var sink Sink = s
	return &sink, nil
}

// NewStructured returns a zap-backed Writer for standalone/info/command
// modes, where there usually is no syslog daemon worth writing to (e.g.
// inside a container, or a developer's terminal). level is the
// log_level config value, parsed as a zap level name; a value zap does
// not recognise falls back to info. There is no command-line flag for it.
func NewStructured(level string) (w *Writer, e error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	cfg.OutputPaths = []string{"stderr"}
	atom := zap.NewAtomicLevel()
	if lvl, perr := zapcore.ParseLevel(level); perr == nil {
		atom.SetLevel(lvl)
	} else {
		atom.SetLevel(zapcore.InfoLevel)
	}
	cfg.Level = atom
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	s := &zapSink{z: z, level: atom}
	l = s
	var sink Sink = s
	return &sink, nil
}

// underServiceManager reports whether the process was started by
// systemd, matching the "Backend syslog" selection rule.
func underServiceManager() bool {
	_, ok := os.LookupEnv("INVOCATION_ID")
	return ok
}

// Select picks syslog or structured logging per the ambient-logging
// rule: under a service manager use syslog, otherwise structured.
func Select(facility Priority, tag, level string) (*Writer, error) {
	if underServiceManager() {
		return New(facility, tag)
	}
	return NewStructured(level)
}

// Alert returns a log Alert error
func Alert(s string) error {
	if l != nil {
		return l.Alert(s)
	}
	return nil
}

// LogClose closes the log Writer.
func LogClose() error {
	if l != nil {
		return l.Close()
	}
	return nil
}

// LogCrit returns a log Alert error
func LogCrit(s string) error {
	if l != nil {
		return l.Crit(s)
	}
	return nil
}

// LogDebug returns a log Debug error
func LogDebug(s string) error {
	if l != nil {
		return l.Debug(s)
	}
	return nil
}

// LogEmerg returns a log Emerg error
func LogEmerg(s string) error {
	if l != nil {
		return l.Emerg(s)
	}
	return nil
}

// LogErr returns a log Err error
func LogErr(s string) error {
	if l != nil {
		return l.Err(s)
	}
	return nil
}

// LogInfo returns a log Info error
func LogInfo(s string) error {
	if l != nil {
		return l.Info(s)
	}
	return nil
}

// LogNotice returns a log Notice error
func LogNotice(s string) error {
	if l != nil {
		return l.Notice(s)
	}
	return nil
}

// LogWarning returns a log Warning error
func LogWarning(s string) error {
	if l != nil {
		return l.Warning(s)
	}
	return nil
}

// LogWrite writes to the logger at default level
func LogWrite(b []byte) (int, error) {
	if l != nil {
		return l.Write(b)
	}
	return len(b), nil
}
