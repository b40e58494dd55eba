// Copyright The devmem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

// Level is a logging severity level.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})

	// Debugf is an alias for Debug.
	Debugf(format string, args ...interface{})
	// Infof is an alias for Info.
	Infof(format string, args ...interface{})
	// Warnf is an alias for Warn.
	Warnf(format string, args ...interface{})
	// Errorf is an alias for Error.
	Errorf(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
	// SlogHandler returns an slog.Handler for this Logger.
	SlogHandler() slog.Handler
}

// logger implements Logger.
type logger struct {
	source string
}

// logging is the shared state of all loggers.
type logging struct {
	sync.RWMutex
	level   Level
	dbgmap  srcmap
	forced  map[string]bool
	prefix  bool
	loggers map[string]logger
	maxlen  int
}

var (
	log = &logging{
		level:   DefaultLevel,
		dbgmap:  make(srcmap),
		forced:  make(map[string]bool),
		loggers: make(map[string]logger),
	}
	deflog = log.get("default")
)

// Get returns the named Logger.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

// EnableDebug enables or disables debug logging for the given source.
func EnableDebug(source string, enable bool) bool {
	return log.get(source).EnableDebug(enable)
}

// DebugEnabled checks if debug logging is enabled for the given source.
func DebugEnabled(source string) bool {
	return log.get(source).DebugEnabled()
}

// SetLevel sets the minimum severity for emitted non-debug messages.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// Flush flushes any pending log messages.
func Flush() {
	klog.Flush()
}

func (l *logging) get(source string) logger {
	l.Lock()
	defer l.Unlock()

	if lg, ok := l.loggers[source]; ok {
		return lg
	}

	lg := logger{source: source}
	l.loggers[source] = lg
	if len(source) > l.maxlen {
		l.maxlen = len(source)
	}

	return lg
}

func (l *logging) setDbgMap(m srcmap) {
	l.dbgmap = m
}

func (l *logging) setPrefix(prefix bool) {
	l.prefix = prefix
}

func (l *logging) debugEnabled(source string) bool {
	l.RLock()
	defer l.RUnlock()

	if state, ok := l.forced[source]; ok {
		return state
	}
	if state, ok := l.dbgmap[source]; ok {
		return state
	}
	if state, ok := l.dbgmap["*"]; ok {
		return state
	}
	return l.level <= LevelDebug
}

func (l *logging) format(source, format string, args ...interface{}) string {
	l.RLock()
	prefix, maxlen := l.prefix, l.maxlen
	l.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if !prefix {
		return msg
	}

	pad := ""
	if n := maxlen - len(source); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	return "[" + source + "]" + pad + " " + msg
}

func (l *logging) enabled(level Level) bool {
	l.RLock()
	defer l.RUnlock()
	return l.level <= level
}

func (lg logger) Debug(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Info(format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Warn(format string, args ...interface{}) {
	if !log.enabled(LevelWarn) {
		return
	}
	klog.WarningDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Error(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
}

func (lg logger) Fatal(format string, args ...interface{}) {
	klog.ErrorDepth(1, log.format(lg.source, format, args...))
	klog.Flush()
	os.Exit(1)
}

func (lg logger) Panic(format string, args ...interface{}) {
	msg := log.format(lg.source, format, args...)
	klog.ErrorDepth(1, msg)
	panic(msg)
}

func (lg logger) Debugf(format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	klog.InfoDepth(1, log.format(lg.source, "D: "+format, args...))
}

func (lg logger) Infof(format string, args ...interface{}) {
	lg.Info(format, args...)
}

func (lg logger) Warnf(format string, args ...interface{}) {
	lg.Warn(format, args...)
}

func (lg logger) Errorf(format string, args ...interface{}) {
	lg.Error(format, args...)
}

func (lg logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if !lg.DebugEnabled() {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "D: %s%s", prefix, line))
	}
}

func (lg logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if !log.enabled(LevelInfo) {
		return
	}
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		klog.InfoDepth(1, log.format(lg.source, "%s%s", prefix, line))
	}
}

func (lg logger) EnableDebug(enable bool) bool {
	old := log.debugEnabled(lg.source)

	log.Lock()
	log.forced[lg.source] = enable
	log.Unlock()

	return old
}

func (lg logger) DebugEnabled() bool {
	return log.debugEnabled(lg.source)
}

func (lg logger) Source() string {
	return lg.source
}

// loggerError returns a package-specific formatted error.
func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
