package logrus

import (
	"github.com/sirupsen/logrus"

	autoupdate "github.com/OpenSlides/OpenSlides-sub003"
)

type LogrusLogger struct{ E *logrus.Entry }

var _ autoupdate.Logger = LogrusLogger{}

func (l LogrusLogger) Debug(msg string, f autoupdate.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l LogrusLogger) Info(msg string, f autoupdate.Fields) {
	l.E.WithFields(logrus.Fields(f)).Info(msg)
}
func (l LogrusLogger) Warn(msg string, f autoupdate.Fields) {
	l.E.WithFields(logrus.Fields(f)).Warn(msg)
}
func (l LogrusLogger) Error(msg string, f autoupdate.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
