package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]zapcore.Level{
		"debug":  zapcore.DebugLevel,
		"INFO":   zapcore.InfoLevel,
		" warn ": zapcore.WarnLevel,
		"error":  zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(name)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got, test.ShouldEqual, want)
	}
	_, err := ParseLevel("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("sfm", true)
	test.That(t, logger, test.ShouldNotBeNil)
	test.That(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel), test.ShouldBeTrue)

	logger = NewLogger("sfm", false)
	test.That(t, logger.Desugar().Core().Enabled(zapcore.DebugLevel), test.ShouldBeFalse)
	test.That(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel), test.ShouldBeTrue)

	logger, err := NewLoggerAtLevel("sfm", zapcore.WarnLevel)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logger.Desugar().Core().Enabled(zapcore.InfoLevel), test.ShouldBeFalse)
}
