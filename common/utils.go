package common

import (
	"time"

	logging "github.com/sirupsen/logrus"
)

// TimeTrack logs how long the named operation took. Use with defer.
func TimeTrack(start time.Time, name string) {
	logging.WithFields(logging.Fields{
		"operation": name,
		"elapsed":   time.Since(start).String(),
	}).Debug("operation finished")
}
