package config

import (
	"io"
	"log"
	"os"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/xerrors"
)

// InitLog sets the jww thresholds from a level name (trace, debug, info,
// warn, error) and sends output to logPath, or stdout when logPath is "-"
// or empty.
func InitLog(level, logPath string) error {
	threshold, err := parseLevel(level)
	if err != nil {
		return err
	}

	if logPath != "-" && logPath != "" {
		out, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return xerrors.Errorf("failed to open log file %s: %w", logPath, err)
		}
		jww.SetStdoutOutput(io.Discard)
		jww.SetLogOutput(out)
	} else {
		jww.SetStdoutOutput(os.Stdout)
	}

	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.INFO.Printf("log level set to: %s", strings.ToUpper(level))
	return nil
}

func parseLevel(level string) (jww.Threshold, error) {
	switch strings.ToLower(level) {
	case "trace":
		return jww.LevelTrace, nil
	case "debug":
		return jww.LevelDebug, nil
	case "", "info":
		return jww.LevelInfo, nil
	case "warn", "warning":
		return jww.LevelWarn, nil
	case "error":
		return jww.LevelError, nil
	default:
		return jww.LevelInfo, xerrors.Errorf("unknown log level %q", level)
	}
}
