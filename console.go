package jsbridge

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MaxConsoleEntries caps the console lines an extended runtime keeps.
	MaxConsoleEntries = 1000
	// MaxConsoleMessageSize caps a single captured console line.
	MaxConsoleMessageSize = 4096
)

// ConsoleEntry is one console.log/info/warn/error/debug line.
type ConsoleEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

const consoleJS = `
(function() {
	var levels = ['log', 'info', 'warn', 'error', 'debug'];
	var con = {};
	function render(arg) {
		if (typeof arg === 'string') return arg;
		if (typeof arg === 'object' && arg !== null && !(arg instanceof Error)) {
			try {
				var s = JSON.stringify(arg, function(k, v) { return typeof v === 'bigint' ? v.toString() + 'n' : v; });
				if (s !== undefined) return s;
			} catch (e) {}
		}
		return String(arg);
	}
	levels.forEach(function(lvl) {
		con[lvl] = function() {
			var parts = [];
			for (var j = 0; j < arguments.length; j++) parts.push(render(arguments[j]));
			__console(lvl, parts.join(' '));
		};
	});
	Object.defineProperty(globalThis, 'console', { value: con, writable: true, configurable: true });
})();
`

// consoleSink captures console output of one extended runtime and mirrors
// it to the bridge logger.
type consoleSink struct {
	runtime uint64

	mu      sync.Mutex
	entries []ConsoleEntry
}

func (s *consoleSink) setup(rt *Runtime) error {
	if err := rt.engine.RegisterFunc("__console", s.add); err != nil {
		return err
	}
	return rt.engine.Eval(consoleJS)
}

func (s *consoleSink) add(level, message string) {
	Logger().Check(consoleLevel(level), "script console").Write(
		zap.Uint64("runtime", s.runtime),
		zap.String("level", level),
		zap.String("message", message),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= MaxConsoleEntries {
		return
	}
	if len(message) > MaxConsoleMessageSize {
		message = message[:MaxConsoleMessageSize] + "...(truncated)"
	}
	s.entries = append(s.entries, ConsoleEntry{Level: level, Message: message, Time: time.Now()})
}

func (s *consoleSink) snapshot(reset bool) []ConsoleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]ConsoleEntry(nil), s.entries...)
	if reset {
		s.entries = nil
	}
	return out
}

func consoleLevel(level string) zapcore.Level {
	switch level {
	case "error":
		return zapcore.ErrorLevel
	case "warn":
		return zapcore.WarnLevel
	case "debug":
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// ConsoleLogs returns the console lines captured so far.
func (x *ExtendedRuntime) ConsoleLogs() []ConsoleEntry {
	return x.console.snapshot(false)
}

// DrainConsole returns the captured console lines and forgets them.
func (x *ExtendedRuntime) DrainConsole() []ConsoleEntry {
	return x.console.snapshot(true)
}
