// Package logging configures the process-wide structured logger.
package logging

import (
	log "github.com/sirupsen/logrus"
)

// SetDebug toggles debug-level logging.
func SetDebug(debug bool) {
	current := log.GetLevel()
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	if current != level {
		log.SetLevel(level)
		log.Infof("log level changed from %s to %s (debug=%t)", current, level, debug)
	}
}

// For returns a logger scoped to a provider/method pair for consistent
// structured fields across the auth manager and method providers.
func For(provider, method string) *log.Entry {
	return log.WithFields(log.Fields{
		"provider": provider,
		"method":   method,
	})
}
