// Package logging contains the structured logger used across the client and
// helpers for the optional status endpoint's access log.
package logging

import (
	"io"
	golog "log"
	"net/http"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/gorilla/handlers"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger logs structured JSON on the standard error. Measurement output
// goes to the standard output, so the two never mix.
var Logger = log.Logger{
	Handler: json.New(os.Stderr),
	Level:   log.InfoLevel,
}

// RotatingFile returns a writer that appends to path and rotates the file
// once it grows past maxSizeMB megabytes, keeping maxBackups old copies.
func RotatingFile(path string, maxSizeMB, maxBackups int) io.WriteCloser {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
}

// SetOutput points Logger at w, keeping the JSON format.
func SetOutput(w io.Writer) {
	Logger.Handler = json.New(w)
}

// SetLevel parses level ("debug", "info", ...) and applies it to Logger.
func SetLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.Level = l
	return nil
}

// MakeAccessLogHandler wraps |handler| with another handler that logs
// access to each resource on the standard output, in the common log format.
func MakeAccessLogHandler(handler http.Handler) http.Handler {
	return handlers.LoggingHandler(golog.Writer(), handler)
}
