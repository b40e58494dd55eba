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
	"context"
	"log/slog"
	"strings"
)

type slogger struct {
	l     Logger
	attrs []slog.Attr
	group string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = log.get(source)
	}

	slog.SetDefault(slog.New(l.SlogHandler()))
}

func (lg logger) SlogHandler() slog.Handler {
	return &slogger{l: lg}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	case level < slog.LevelWarn:
		return log.enabled(LevelInfo)
	case level < slog.LevelError:
		return log.enabled(LevelWarn)
	}
	return true
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	b.WriteString(r.Message)
	for _, a := range s.attrs {
		s.appendAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		s.appendAttr(&b, a)
		return true
	})

	msg := b.String()
	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg)
	default:
		s.l.Error("%s", msg)
	}
	return nil
}

func (s *slogger) appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	if s.group != "" {
		b.WriteString(s.group)
		b.WriteByte('.')
	}
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &slogger{
		l:     s.l,
		attrs: append(append([]slog.Attr{}, s.attrs...), attrs...),
		group: s.group,
	}
}

func (s *slogger) WithGroup(name string) slog.Handler {
	group := name
	if s.group != "" {
		group = s.group + "." + name
	}
	return &slogger{l: s.l, attrs: s.attrs, group: group}
}
