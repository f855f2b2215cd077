package summary

import "github.com/sirupsen/logrus"

// LogWriter emits every metric as a structured log entry.
type LogWriter struct {
	entry *logrus.Entry
}

// NewLogWriter logs through logger, tagging entries with the model name
func NewLogWriter(logger *logrus.Logger, model string) *LogWriter {
	return &LogWriter{entry: logger.WithField("model", model)}
}

func (l *LogWriter) Scalar(name string, epoch int, value float32) error {
	l.entry.WithFields(logrus.Fields{"metric": name, "epoch": epoch, "value": value}).Info("metric")
	return nil
}

func (l *LogWriter) Vector(name string, epoch int, values []float32) error {
	l.entry.WithFields(logrus.Fields{"metric": name, "epoch": epoch, "values": values}).Info("metric")
	return nil
}

func (l *LogWriter) Close() error { return nil }
