package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cerera/bft/internal/seqno"
)

func TestWithSeqAndViewTagEntries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	lg := zap.New(core).Sugar()

	WithSeq(lg, seqno.SeqNo(7)).Infow("deciding")
	WithView(lg, seqno.SeqNo(2)).Infow("installed")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "7", entries[0].ContextMap()["seq"])
	assert.Equal(t, "2", entries[1].ContextMap()["view"])
}

func TestLFallsBackToNopWithoutInit(t *testing.T) {
	// must not panic even when Init never ran in this process
	Named("consensus").Debugw("probe")
	assert.NotNil(t, L())
}
