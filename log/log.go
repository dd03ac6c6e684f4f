// Package log provides the structured, contextual logger used throughout
// the node, mirroring the go-ethereum `log` package's Info/Debug/Warn/
// Error/Crit idiom (key/value pairs, per-component contextual loggers).
package log

import (
	"os"

	"github.com/inconshreveable/log15"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the interface every component logs through. It is satisfied
// by log15.Logger plus the package-level root below.
type Logger interface {
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) log15.Logger
}

var root log15.Logger = log15.New()

func init() {
	root.SetHandler(log15.StreamHandler(os.Stderr, log15.TerminalFormat()))
}

// Init installs a level-filtered handler, optionally rotated through a
// lumberjack file sink when filePath is non-empty. lvl follows log15's
// Lvl scale (Crit=0 .. Debug=4).
func Init(lvl log15.Lvl, filePath string) {
	if filePath == "" {
		root.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.TerminalFormat())))
		return
	}
	sink := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
	root.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(sink, log15.LogfmtFormat())))
}

// New returns a contextual logger, e.g. log.New("task", taskID, "algo", kind).
func New(ctx ...interface{}) log15.Logger { return root.New(ctx...) }

func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
