package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLogger routes pion's internal logging into the process logger. Trace
// and debug output is only printed when debug logging is enabled.
type PionLogger struct {
	scope string
}

var _ logging.LoggerFactory = PionLogger{}

func (p PionLogger) NewLogger(scope string) logging.LeveledLogger {
	return PionLogger{scope: scope}
}

func (p PionLogger) prefix(msg string) string { return fmt.Sprintf("[pion/%s] %s", p.scope, msg) }

func (p PionLogger) Trace(msg string) { p.Debug(msg) }

func (p PionLogger) Tracef(format string, args ...interface{}) { p.Debugf(format, args...) }

func (p PionLogger) Debug(msg string) {
	if DebugEnabled() {
		LogDebug("%s", p.prefix(msg))
	}
}

func (p PionLogger) Debugf(format string, args ...interface{}) {
	p.Debug(fmt.Sprintf(format, args...))
}

func (p PionLogger) Info(msg string) { LogDebug("%s", p.prefix(msg)) }

func (p PionLogger) Infof(format string, args ...interface{}) { p.Info(fmt.Sprintf(format, args...)) }

func (p PionLogger) Warn(msg string) { LogWarning("%s", p.prefix(msg)) }

func (p PionLogger) Warnf(format string, args ...interface{}) { p.Warn(fmt.Sprintf(format, args...)) }

func (p PionLogger) Error(msg string) { LogError("%s", p.prefix(msg)) }

func (p PionLogger) Errorf(format string, args ...interface{}) { p.Error(fmt.Sprintf(format, args...)) }
