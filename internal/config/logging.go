package config

import (
	"io"
	"log/slog"
	"os"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/grpclog"
)

// NewLibraryLogger returns the logrus logger used for third-party libraries
// that expect one. It writes JSON to w at the level matching level.
func NewLibraryLogger(w io.Writer, level slog.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	switch {
	case level <= slog.LevelDebug:
		l.SetLevel(logrus.DebugLevel)
	case level <= slog.LevelInfo:
		l.SetLevel(logrus.InfoLevel)
	case level <= slog.LevelWarn:
		l.SetLevel(logrus.WarnLevel)
	default:
		l.SetLevel(logrus.ErrorLevel)
	}
	return l
}

// InstallGRPCLogger routes grpc-go's internal logging through logrus. gRPC
// info output is only kept at debug level. The returned func closes the
// underlying pipes.
func InstallGRPCLogger(level slog.Level) func() {
	l := NewLibraryLogger(os.Stderr, level).WithField("component", "grpc")

	var info io.Writer = io.Discard
	var closers []io.Closer
	if level <= slog.LevelDebug {
		w := l.WriterLevel(logrus.InfoLevel)
		info, closers = w, append(closers, w)
	}
	warn := l.WriterLevel(logrus.WarnLevel)
	errw := l.WriterLevel(logrus.ErrorLevel)
	closers = append(closers, warn, errw)

	grpclog.SetLoggerV2(grpclog.NewLoggerV2(info, warn, errw))
	return func() {
		for _, c := range closers {
			c.Close()
		}
	}
}
