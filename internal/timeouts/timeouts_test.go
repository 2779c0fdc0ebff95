package timeouts

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/wire"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s := New(context.Background(), 5*time.Millisecond, zap.NewNop().Sugar())
	t.Cleanup(s.Close)
	return s
}

func req() wire.ClientRequest {
	return wire.ClientRequest{ID: uuid.New(), Operation: []byte("op")}
}

func waitEvent(t *testing.T, s *Service) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout event arrived")
		return Event{}
	}
}

func TestClientRequestExpiresPhase0ThenPhase1(t *testing.T) {
	s := newTestService(t)
	r := req()
	s.TimeoutClientRequests(10*time.Millisecond, []wire.ClientRequest{r})

	ev := waitEvent(t, s)
	require.Equal(t, EventClientRequests, ev.Kind)
	assert.Equal(t, Phase0, ev.Phase)
	require.Len(t, ev.Requests, 1)
	assert.Equal(t, r.ID, ev.Requests[0].ID)

	ev = waitEvent(t, s)
	require.Equal(t, EventClientRequests, ev.Kind)
	assert.Equal(t, Phase1, ev.Phase)
}

func TestCancelDisarmsRequests(t *testing.T) {
	s := newTestService(t)
	r := req()
	s.TimeoutClientRequests(20*time.Millisecond, []wire.ClientRequest{r})
	s.CancelClientRqTimeouts([]wire.ClientRequest{r})

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after cancel: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceivedPrePrepareDisarmsOrderedRequests(t *testing.T) {
	s := newTestService(t)
	r := req()
	s.TimeoutClientRequests(20*time.Millisecond, []wire.ClientRequest{r})
	s.ReceivedPrePrepare(0, []wire.ClientRequest{r})

	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after PRE-PREPARE: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCstTimerFiresUnlessQuorumReplies(t *testing.T) {
	s := newTestService(t)
	s.TimeoutCstRequest(10*time.Millisecond, 2, 1)

	ev := waitEvent(t, s)
	require.Equal(t, EventCst, ev.Kind)
	assert.Equal(t, uint32(1), uint32(ev.CstSeq))

	// quorum of replies disarms the next round
	s.TimeoutCstRequest(20*time.Millisecond, 2, 2)
	s.ReceivedCstRequest(1, 2)
	s.ReceivedCstRequest(2, 2)
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected event after quorum replied: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStaleCstReplyIsIgnored(t *testing.T) {
	s := newTestService(t)
	s.TimeoutCstRequest(30*time.Millisecond, 1, 5)
	s.ReceivedCstRequest(1, 4) // stale round, must not disarm

	ev := waitEvent(t, s)
	assert.Equal(t, EventCst, ev.Kind)
}
