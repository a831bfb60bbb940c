// Package log bridges third-party loggers onto logrus
package log

import "github.com/sirupsen/logrus"

// BadgerLogrusAdapter implements badger.Logger on a logrus entry.
// Badger is chatty at info level, so its info messages are demoted to debug.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

func (l *BadgerLogrusAdapter) Errorf(f string, v ...interface{})   { l.Entry.Errorf(f, v...) }
func (l *BadgerLogrusAdapter) Warningf(f string, v ...interface{}) { l.Entry.Warningf(f, v...) }
func (l *BadgerLogrusAdapter) Infof(f string, v ...interface{})    { l.Entry.Debugf(f, v...) }
func (l *BadgerLogrusAdapter) Debugf(f string, v ...interface{})   { l.Entry.Tracef(f, v...) }
