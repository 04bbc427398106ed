package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}

	hn, _ := os.Hostname()
	return hn + "-" + uuid.NewString()[:8]
}

func commonAttr(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}

// Session-scoped attrs, used by the relay and the client alike.
func SessionAttr(sessionID string) slog.Attr { return slog.String("session_id", sessionID) }
func UserAttr(userID string) slog.Attr       { return slog.String("user_id", userID) }
func ConnAttr(connID string) slog.Attr       { return slog.String("conn_id", connID) }
func Err(err error) slog.Attr                { return slog.Any("err", err) }
