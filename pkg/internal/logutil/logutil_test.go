package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestOrFallsBackToDefault(t *testing.T) {
	require.NotNil(t, Or(nil))
	require.Same(t, Default(), Or(nil))

	core, logs := observer.New(zap.DebugLevel)
	l := zap.New(core).Sugar()
	require.Same(t, l, Or(l))

	Infof(l, "hello %s", "world")
	Warnf(l, "careful")
	require.Equal(t, 2, logs.Len())
	require.Equal(t, "hello world", logs.All()[0].Message)
}

func TestSetJSONResetsDefault(t *testing.T) {
	before := Default()
	SetJSON(true)
	defer SetJSON(false)
	require.NotSame(t, before, Default())
}
