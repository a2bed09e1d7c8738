package internal

import "github.com/kairos-io/kairos-sdk/types/logger"

var Log logger.KairosLogger

// The init function initializes the default logger for the package.
// This ensures that logging is configured and ready for use throughout the package.
func init() {
	Log = logger.NewKairosLogger("ember", "info", false)
}
