// Package logging configures the process-wide logrus logger and carries
// request ids through request contexts.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	writerMu  sync.Mutex
	logWriter *lumberjack.Logger
)

// Options configures Setup.
type Options struct {
	// Level is a logrus level name; empty means info.
	Level string
	// File enables rotating file output at this path. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// ReportCaller adds file:line to each entry.
	ReportCaller bool
}

// LogFormatter renders entries as
// [2025-12-23 20:14:04] [a1b2c3d4] [info ] [handler.go:52] message key=value
type LogFormatter struct{}

// logFieldOrder lists the fields printed after the message, in order.
// Unlisted fields are not printed.
var logFieldOrder = []string{
	"component", "method", "path", "status", "duration",
	"has_code", "code_len", "has_verifier", "has_nonce", "has_refresh_token", "refresh_token_len",
	"has_access_token", "access_token_len", "has_id_token", "expires_in", "has_login_hint", "return_to",
	"outcome", "kind", "provider_status", "error",
}

// Format implements log.Formatter.
func (f *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var buffer *bytes.Buffer
	if entry.Buffer != nil {
		buffer = entry.Buffer
	} else {
		buffer = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	levelStr := fmt.Sprintf("%-5s", level)

	var fieldsStr string
	if len(entry.Data) > 0 {
		var fields []string
		for _, k := range logFieldOrder {
			if v, ok := entry.Data[k]; ok {
				fields = append(fields, fmt.Sprintf("%s=%v", k, v))
			}
		}
		if len(fields) > 0 {
			fieldsStr = " " + strings.Join(fields, " ")
		}
	}

	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] [%s:%d] %s%s\n", timestamp, reqID, levelStr, filepath.Base(entry.Caller.File), entry.Caller.Line, message, fieldsStr)
	} else {
		fmt.Fprintf(buffer, "[%s] [%s] [%s] %s%s\n", timestamp, reqID, levelStr, message, fieldsStr)
	}
	return buffer.Bytes(), nil
}

// Setup configures the standard logrus logger. It may be called again to
// switch outputs; a previous log file is closed.
func Setup(opts Options) error {
	level := log.InfoLevel
	if opts.Level != "" {
		lvl, err := log.ParseLevel(opts.Level)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		level = lvl
	}

	writerMu.Lock()
	defer writerMu.Unlock()

	log.SetLevel(level)
	log.SetReportCaller(opts.ReportCaller)
	log.SetFormatter(&LogFormatter{})

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}

	if opts.File == "" {
		log.SetOutput(os.Stderr)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	maxSize := opts.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	logWriter = &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, logWriter))
	log.RegisterExitHandler(Close)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
}
