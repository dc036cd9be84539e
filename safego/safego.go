// Package safego launches background goroutines with a recovered panic
// handler and a logger, so a spawned task can never crash the process.
// This replaces the "async void" fire-and-forget pattern the original
// implementation relied on (errors and panics silently vanished); every
// background task here is an owned goroutine with explicit error routing
// to a logger.
package safego

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// Go runs fn in its own goroutine. A returned error or recovered panic is
// logged with the given logger (or the standard logrus logger if nil);
// neither ever propagates to the caller or crashes the process.
func Go(logger *logrus.Entry, name string, fn func() error) {
	if logger == nil {
		logger = logrus.WithField("component", "safego")
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  name,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("recovered panic in background task")
			}
		}()
		if err := fn(); err != nil {
			logger.WithFields(logrus.Fields{
				"task":  name,
				"error": err.Error(),
			}).Warn("background task returned an error")
		}
	}()
}
