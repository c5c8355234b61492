package main

import (
	"os"
	"time"

	cblog "github.com/charmbracelet/log"
)

// Shared CLI logger. Results go to stdout, logs to stderr.
var logger = cblog.NewWithOptions(os.Stderr, cblog.Options{
	ReportTimestamp: true,
	TimeFormat:      time.RFC3339,
})

// Call this once after flags are parsed.
func configureLogger(logLevel string) {
	switch logLevel {
	case "debug":
		logger.SetLevel(cblog.DebugLevel)
		logger.SetReportCaller(true)
	case "info":
		logger.SetLevel(cblog.InfoLevel)
	case "warn":
		logger.SetLevel(cblog.WarnLevel)
	default:
		logger.SetLevel(cblog.ErrorLevel)
	}
}
