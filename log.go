package arlens

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields are structured log fields.
type Fields = logrus.Fields

// logger is used by all package functions that report progress. It logs at info level to stderr
// until SetLogger installs a configured logger.
var logger = logrus.New()

// NewLogger returns a logger writing to stderr and, if logDir is not empty, to a rotated daily
// log file in logDir.
func NewLogger(level logrus.Level, logDir string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&formatter.Formatter{
		TimestampFormat: "02 Jan 06 - 15:04:05",
		CallerFirst:     true,
		CustomCallerFormatter: func(f *runtime.Frame) string {
			s := strings.Split(f.Function, ".")
			return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, s[len(s)-1])
		},
	})

	writers := []io.Writer{os.Stderr}
	if logDir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   path.Join(logDir, fmt.Sprintf("arlens-%s.log", time.Now().Format("2006-01-02"))),
			LocalTime:  true,
			Compress:   true,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 3,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))
	l.SetReportCaller(level >= logrus.DebugLevel)

	return l
}

// SetLogger replaces the package logger. A nil l is ignored.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}
