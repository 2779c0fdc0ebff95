package preprocessor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cerera/bft/internal/wire"
)

func req(op string) wire.ClientRequest {
	return wire.ClientRequest{ID: uuid.New(), Operation: []byte(op)}
}

func TestAddRejectsDuplicates(t *testing.T) {
	p := New(0, zap.NewNop().Sugar())
	r := req("a")
	assert.True(t, p.Add(r))
	assert.False(t, p.Add(r))
	assert.Equal(t, 1, p.PendingLen())
}

func TestAddRejectsWhenFull(t *testing.T) {
	p := New(2, zap.NewNop().Sugar())
	assert.True(t, p.Add(req("a")))
	assert.True(t, p.Add(req("b")))
	assert.False(t, p.Add(req("c")))
}

func TestDrainPendingIsFIFOAndBounded(t *testing.T) {
	p := New(0, zap.NewNop().Sugar())
	a, b, c := req("a"), req("b"), req("c")
	p.Add(a)
	p.Add(b)
	p.Add(c)

	out := p.DrainPending(2)
	assert.Equal(t, []wire.ClientRequest{a, b}, out)
	assert.Equal(t, 1, p.PendingLen())

	out = p.DrainPending(0)
	assert.Equal(t, []wire.ClientRequest{c}, out)
	assert.Equal(t, 0, p.PendingLen())
}

func TestMarkExecutedBlocksResubmission(t *testing.T) {
	p := New(0, zap.NewNop().Sugar())
	r := req("a")
	p.Add(r)
	batch := p.DrainPending(0)
	p.MarkExecuted(batch)

	assert.False(t, p.Add(r), "an executed request must not re-enter the pool")
}

func TestRequeueSkipsExecuted(t *testing.T) {
	p := New(0, zap.NewNop().Sugar())
	a, b := req("a"), req("b")
	p.Add(a)
	p.Add(b)
	batch := p.DrainPending(0)

	p.MarkExecuted([]wire.ClientRequest{a})
	p.Requeue(batch)

	out := p.DrainPending(0)
	assert.Equal(t, []wire.ClientRequest{b}, out)
}
