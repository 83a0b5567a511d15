package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAppliesLevelAndFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "detgraph.log")

	l := build(Options{Level: "debug", File: file, NoColors: true})
	require.NotNil(t, l)
	assert.Equal(t, logrus.DebugLevel, l.GetLevel())

	l.WithFields(Fields{"stage": "nms"}).Info("kept detections")

	data, err := os.ReadFile(file)
	require.NoError(t, err, "rotated log file should be written")
	assert.Contains(t, string(data), "kept detections")
	assert.Contains(t, string(data), "nms")
}

func TestBuildFallsBackToInfo(t *testing.T) {
	l := build(Options{Level: "loud"})
	assert.Equal(t, logrus.InfoLevel, l.GetLevel(), "unknown level names should fall back to info")
}

func TestNewIsSingleton(t *testing.T) {
	a := New(Options{Level: "warn", NoColors: true})
	b := New(Options{Level: "debug"})
	assert.Same(t, a, b)
}

func TestOrDiscard(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)

	assert.Equal(t, logrus.FieldLogger(l), OrDiscard(l))
	assert.NotNil(t, OrDiscard(nil))
	OrDiscard(nil).Info("dropped")
	assert.Empty(t, buf.String())
}
