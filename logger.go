// SPDX-License-Identifier: GPL-3.0-or-later

package pkttest

import "github.com/apex/log"

// Logger is the logger we're using.
//
// The [github.com/apex/log] Log variable implements this interface.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return log.Log
}
