// SPDX-FileCopyrightText: 2022 SoftIron Limited <info@softiron.com>
// SPDX-License-Identifier: GNU General Public License v2.0 only WITH Classpath exception 2.0

/* Package logger is the process-wide, tag and directive based logger.

The master is single-threaded by design (see the command package's event loop), with exactly one
exception: logging. A worker's reply handler, the upgrade orchestrator's goroutine, and the main
loop can all want to log at once. Rather than make every caller serialize through a channel, the
logger takes a try-lock on every call and silently drops the line if another goroutine is already
mid-write. Losing an occasional interleaved log line is cheaper than ever blocking the event loop
on logging I/O.

A process is re-initialized once per successful upgrade: the successor calls Init with the tag
"MASTER" and the logging spec carried across in UpgradeData, bumping the generation counter so
operators can tell predecessor and successor apart in a shared log stream.
*/

package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

var palette = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgGreen),
}

// Logger is the process-wide log sink. The zero value is not usable; use Default or New.
type Logger struct {
	mu sync.Mutex

	directives []Directive
	backend    Backend
	tag        string
	generation int
	pid        int
}

// New builds a standalone Logger, defaulting to an error-only global directive and a stdout
// backend. Most callers want the process-wide Default() singleton instead; New exists for
// tests that want isolation from global state.
func New() *Logger {
	return &Logger{
		directives: []Directive{{Level: LevelError}},
		backend:    NewStdoutBackend(),
		tag:        "master",
		pid:        os.Getpid(),
	}
}

var defaultOnce sync.Once
var defaultLogger *Logger

// Default returns the process-wide singleton logger, constructing it on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = New()
	})
	return defaultLogger
}

// Init reconfigures a logger in place: tag, directives (parsed from spec) and backend. It is
// called once at normal startup and again by a successor master immediately after it
// reconstructs its ConfigState, so that the new process's log lines carry its own tag and
// generation rather than the ones it inherited.
//
// Malformed directives in spec are skipped and reported as warnings, matching ParseSpec; the
// caller decides whether to surface them (normally by logging them once the new directives are
// already in effect).
func (l *Logger) Init(tag string, spec string, backend Backend, generation int) []string {
	directives, warnings := ParseSpec(spec)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(directives) > 0 {
		l.directives = directives
	} else {
		l.directives = []Directive{{Level: LevelError}}
	}
	l.backend = backend
	l.tag = tag
	l.generation = generation

	return warnings
}

// SetDirectives reparses spec and swaps in the new directive list, leaving tag, backend and
// generation untouched. This is what a live `logging_filter` control request calls: unlike Init,
// it never touches where log lines go, only which ones pass the filter.
func (l *Logger) SetDirectives(spec string) []string {
	directives, warnings := ParseSpec(spec)

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(directives) > 0 {
		l.directives = directives
	} else {
		l.directives = []Directive{{Level: LevelError}}
	}

	return warnings
}

// Generation reports how many upgrades this process has witnessed (0 for an originally started
// master).
func (l *Logger) Generation() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.generation
}

// enabled reports, without taking the write path, whether a message at level from target would
// be emitted under the current directives. Exposed so callers can skip building an expensive log
// argument when it would be discarded anyway.
func (l *Logger) enabled(target string, level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return enabled(l.directives, target, level)
}

// log renders and emits one line if level is enabled for target. If the logger's mutex is
// already held by another goroutine, the line is dropped rather than waited for.
func (l *Logger) log(target string, level Level, format string, args ...interface{}) {
	if !l.mu.TryLock() {
		return
	}
	defer l.mu.Unlock()

	if !enabled(l.directives, target, level) {
		return
	}

	tag := l.colorForGeneration(l.generation).Sprintf("%s#%d", l.tag, l.generation)
	line := fmt.Sprintf("%s\t%d\t%s\t%s\t%s\t%s\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		l.pid,
		levelTag(level),
		tag,
		target,
		fmt.Sprintf(format, args...),
	)

	_, _ = l.backend.Write([]byte(line))
}

func (l *Logger) colorForGeneration(generation int) *color.Color {
	return palette[generation%len(palette)]
}

func levelTag(l Level) string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "OFF"
	}
}

// Entry is a lightweight handle bound to one module name, the idiomatic equivalent of
// module_path!() in the original's log! macro. Call sites hold one per package:
//
//	var log = logger.Get("command")
//	log.Infof("worker %d started", id)
type Entry struct {
	logger *Logger
	module string
}

// Get returns an Entry bound to module, logging through the process-wide Default logger.
func Get(module string) *Entry {
	return &Entry{logger: Default(), module: module}
}

// GetFrom returns an Entry bound to module on an explicit Logger, used by tests that construct
// their own Logger instead of sharing the global singleton.
func GetFrom(l *Logger, module string) *Entry {
	return &Entry{logger: l, module: module}
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.log(e.module, LevelError, format, args...)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.log(e.module, LevelWarn, format, args...)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.log(e.module, LevelInfo, format, args...)
}

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.log(e.module, LevelDebug, format, args...)
}

func (e *Entry) Tracef(format string, args ...interface{}) {
	e.logger.log(e.module, LevelTrace, format, args...)
}

// Enabled reports whether level is currently enabled for this entry's module, for callers that
// want to skip building an expensive argument.
func (e *Entry) Enabled(level Level) bool {
	return e.logger.enabled(e.module, level)
}
