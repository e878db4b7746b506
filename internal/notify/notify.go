package notify

import (
	"context"
	"log/slog"

	"github.com/mbd888/tonescrow/internal/escrow"
	"github.com/mbd888/tonescrow/internal/logging"
)

// Log writes every notice to the structured log.
type Log struct {
	logger *slog.Logger
}

var _ escrow.Notifier = (*Log)(nil)

// NewLog creates a log sink. The context logger wins over logger when set.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(ctx context.Context, userID, text string) {
	logging.L(logging.WithFallback(ctx, l.logger)).Info("notice sent", "user_id", userID, "text", text)
}

// Multi fans a notice out to every notifier in order. A panicking notifier
// does not stop the others.
type Multi struct {
	notifiers []escrow.Notifier
	logger    *slog.Logger
}

var _ escrow.Notifier = (*Multi)(nil)

// NewMulti combines notifiers; nil entries are skipped.
func NewMulti(logger *slog.Logger, notifiers ...escrow.Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

func (m *Multi) Send(ctx context.Context, userID, text string) {
	for _, n := range m.notifiers {
		m.safeSend(ctx, n, userID, text)
	}
}

func (m *Multi) safeSend(ctx context.Context, n escrow.Notifier, userID, text string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("notifier panicked", "user_id", userID, "panic", r)
		}
	}()
	n.Send(ctx, userID, text)
}
