package workerpool

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobs(t *testing.T) {
	p := New(4, 16)
	defer p.Close()

	var n atomic.Int64
	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func() {
			n.Add(1)
			done <- struct{}{}
		}))
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, int64(8), n.Load())
}

func TestRunReturnsTheJobError(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	want := errors.New("boom")
	assert.ErrorIs(t, p.Run(func() error { return want }), want)
	assert.NoError(t, p.Run(func() error { return nil }))
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p := New(1, 1)
	p.Close()
	assert.Error(t, p.Submit(func() {}))
}
