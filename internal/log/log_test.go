package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingBase struct {
	calls []string
}

func (r *recordingBase) Debug(args ...interface{}) { r.calls = append(r.calls, "debug") }
func (r *recordingBase) Info(args ...interface{})  { r.calls = append(r.calls, "info") }
func (r *recordingBase) Warn(args ...interface{})  { r.calls = append(r.calls, "warn") }
func (r *recordingBase) Error(args ...interface{}) { r.calls = append(r.calls, "error") }
func (r *recordingBase) Fatal(args ...interface{}) { r.calls = append(r.calls, "fatal") }

func TestLoggerGatesBelowMinimumLevel(t *testing.T) {
	base := &recordingBase{}
	l := NewLogger(base)
	l.SetLevel(WarnLevel)

	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")

	assert.Equal(t, []string{"warn", "error"}, base.calls)
}

func TestLoggerDefaultLevelIsInfo(t *testing.T) {
	base := &recordingBase{}
	l := NewLogger(base)

	l.Debug("x")
	l.Info("x")

	assert.Equal(t, []string{"info"}, base.calls)
}

func TestLoggerFormattedVariantsRespectLevel(t *testing.T) {
	base := &recordingBase{}
	l := NewLogger(base)
	l.SetLevel(ErrorLevel)

	l.Debugf("x %d", 1)
	l.Infof("x %d", 1)
	l.Warnf("x %d", 1)
	l.Errorf("x %d", 1)

	assert.Equal(t, []string{"error"}, base.calls)
}
