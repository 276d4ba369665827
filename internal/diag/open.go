package diag

import (
	"errors"
	"strings"

	logx "devicepool/pkg/logx"
)

// Open initializes the configured sink.
// It returns (nil, nil) if diagnostics are disabled.
func Open(cfg Config, log logx.Logger) (Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown diagnostics driver: " + driver)
	}
}
