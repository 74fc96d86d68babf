// Package logutil configures the process-wide logger.
package logutil

import (
	"fmt"
	"os"
	"strings"

	log "github.com/charmbracelet/log"
)

func Configure(levelRaw string) error {
	levelRaw = strings.TrimSpace(levelRaw)
	if levelRaw == "" {
		levelRaw = "info"
	}
	level, err := log.ParseLevel(levelRaw)
	if err != nil {
		return fmt.Errorf("invalid loglevel %q", levelRaw)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(true)
	return nil
}
