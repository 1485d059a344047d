/*
 * Copyright (c) 2017, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"github.com/linhanyu/dartssh/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// Logger exposes a logging interface that allows packages to implement
// logging without binding to a particular logging implementation. Host
// applications provide a Logger; NewLogrusLogger adapts a logrus entry.
type Logger interface {
	WithTrace() LogTrace
	WithTraceFields(fields LogFields) LogTrace
	LogMetric(metric string, fields LogFields)
}

// LogTrace is the interface for the log call sites returned by
// Logger.WithTrace/WithTraceFields. *logrus.Entry satisfies LogTrace.
type LogTrace interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warning(args ...interface{})
	Error(args ...interface{})
}

// LogFields is type-compatible with logrus.Fields.
type LogFields map[string]interface{}

// Add copies log fields from b to a, skipping fields which already exist,
// regardless of value, in a.
func (a LogFields) Add(b LogFields) {
	for name, value := range b {
		_, ok := a[name]
		if !ok {
			a[name] = value
		}
	}
}

// NewLogrusLogger makes a Logger that emits through the given logrus entry,
// adding a "trace" field containing the caller's function name and source
// file line number.
func NewLogrusLogger(entry *logrus.Entry) Logger {
	return &logrusLogger{entry: entry}
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) WithTrace() LogTrace {
	return l.entry.WithField(
		"trace", stacktrace.GetParentFunctionName())
}

func (l *logrusLogger) WithTraceFields(fields LogFields) LogTrace {
	return l.entry.WithFields(logrus.Fields(fields)).WithField(
		"trace", stacktrace.GetParentFunctionName())
}

func (l *logrusLogger) LogMetric(metric string, fields LogFields) {
	l.entry.WithFields(logrus.Fields(fields)).Info(metric)
}
