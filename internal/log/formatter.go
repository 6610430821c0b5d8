// Package log provides the shared logrus formatter configuration.
package log

import (
	"github.com/sirupsen/logrus"
)

// NewFormatter returns the text formatter used for all daemon output:
// full timestamps, sorted fields, colors unless disabled.
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:   noColors,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		SortingFunc:     sortFields,
	}
}

// sortFields keeps the fixed entry keys first, then the structured fields in
// their natural order.
func sortFields(keys []string) {
	weight := func(k string) int {
		switch k {
		case logrus.FieldKeyTime:
			return 0
		case logrus.FieldKeyLevel:
			return 1
		case logrus.FieldKeyMsg:
			return 2
		default:
			return 3
		}
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && weight(keys[j]) < weight(keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}
