package telemetry

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	logging "github.com/sirupsen/logrus"
)

// Holds the reference to the registered metrics, keyed by prefix+name
var (
	counters   sync.Map
	gauges     sync.Map
	histograms sync.Map
)

var validName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// CounterMetadata holds what is needed to create and register a counter.
type CounterMetadata struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name"`
	Help   string `json:"help"`
}

// CreateAndRegister creates the counters and registers them with the default telemetry.
// All counters are attempted, failures are reported together.
func CreateAndRegister(countersMetadata []CounterMetadata) error {
	var failures []string
	for _, meta := range countersMetadata {
		fullName := meta.Prefix + meta.Name
		if !validName.MatchString(fullName) {
			failures = append(failures, fullName+": invalid name")
			continue
		}
		if _, ok := counters.Load(fullName); ok {
			logging.WithField("counter", fullName).Error("could not register, counter already exists")
			failures = append(failures, fullName+": already exists")
			continue
		}
		helpText := meta.Help
		if helpText == "" {
			helpText = "number of " + strings.Replace(meta.Name, "_", " ", -1)
		}
		counter := NewCounter(fullName, helpText)
		if err := Register(counter); err != nil {
			logging.WithField("counter", fullName).WithError(err).Error("could not register")
			failures = append(failures, fullName+": "+err.Error())
			continue
		}
		counters.Store(fullName, counter)
	}
	if len(failures) > 0 {
		return errors.Errorf("failed to create metrics: %s", strings.Join(failures, "; "))
	}
	return nil
}

// IncrementCounter increments the counter prefix+metricName, creating it on first use.
func IncrementCounter(metricName, prefix string) {
	name := prefix + metricName
	value, ok := counters.Load(name)
	if !ok {
		logging.WithField("counter", name).Debug("could not find the counter, creating")
		err := CreateAndRegister([]CounterMetadata{{Prefix: prefix, Name: metricName}})
		if err != nil {
			logging.WithField("counter", name).WithError(err).Debug("could not create the metric")
		}
		value, ok = counters.Load(name)
		if !ok {
			return
		}
	}
	value.(*Counter).Inc()
}

// IncrementGauge raises the gauge prefix+metricName by one, creating it on first use.
func IncrementGauge(metricName, prefix string) {
	if g := loadGauge(metricName, prefix); g != nil {
		g.Inc()
	}
}

// DecrementGauge lowers the gauge prefix+metricName by one.
func DecrementGauge(metricName, prefix string) {
	if g := loadGauge(metricName, prefix); g != nil {
		g.Dec()
	}
}

func loadGauge(metricName, prefix string) *Gauge {
	name := prefix + metricName
	if !validName.MatchString(name) {
		logging.WithField("gauge", name).Error("invalid gauge name")
		return nil
	}
	if value, ok := gauges.Load(name); ok {
		return value.(*Gauge)
	}
	fresh := NewGauge(name, "current "+strings.Replace(metricName, "_", " ", -1))
	value, loaded := gauges.LoadOrStore(name, fresh)
	if !loaded {
		if err := Register(fresh); err != nil {
			logging.WithField("gauge", name).WithError(err).Error("error while registering the gauge")
		}
	}
	return value.(*Gauge)
}

// ObserveDuration records d in seconds on the histogram prefix+metricName.
func ObserveDuration(metricName, prefix string, d time.Duration) {
	name := prefix + metricName
	if !validName.MatchString(name) {
		logging.WithField("histogram", name).Error("invalid histogram name")
		return
	}
	fresh := NewHistogram(name, strings.Replace(metricName, "_", " ", -1)+" in seconds")
	value, loaded := histograms.LoadOrStore(name, fresh)
	if !loaded {
		if err := Register(fresh); err != nil {
			logging.WithField("histogram", name).WithError(err).Error("error while registering the histogram")
		}
	}
	value.(*Histogram).Observe(d.Seconds())
}
