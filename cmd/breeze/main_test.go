package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divijg19/breeze/internal/core"
)

func TestBuildEditorCommand(t *testing.T) {
	_, err := buildEditorCommand("   ", "/tmp/config.yaml")
	require.Error(t, err)

	cmd, err := buildEditorCommand("sh -e", "/tmp/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"-e", "/tmp/config.yaml"}, cmd.Args[1:])

	_, err = buildEditorCommand("definitely-not-an-editor-binary", "/tmp/config.yaml")
	assert.Error(t, err)
}

type sinkStub struct {
	err    error
	breaks int
}

func (s *sinkStub) BreakCompleted(context.Context, string, core.CompletedBreakRecord) error {
	s.breaks++
	return s.err
}

func (s *sinkStub) MidnightEnded(context.Context, core.MidnightResult) error { return s.err }

func TestResultSinks_DeliversToAll(t *testing.T) {
	boom := errors.New("nats down")
	ok, failing := &sinkStub{}, &sinkStub{err: boom}
	sinks := resultSinks{failing, ok}

	err := sinks.BreakCompleted(t.Context(), "pet-1", core.CompletedBreakRecord{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, ok.breaks)
	assert.Equal(t, 1, failing.breaks)

	assert.NoError(t, resultSinks{ok}.MidnightEnded(t.Context(), core.MidnightResult{}))
}

func TestWindBar(t *testing.T) {
	assert.Equal(t, "[....................]", windBar(0))
	assert.Equal(t, "[##########..........]", windBar(50))
	assert.Equal(t, "[####################]", windBar(140))
	assert.Equal(t, "[....................]", windBar(-5))
}
