package correlation

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-essam23/teamsync/pkg/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeliversOnce(t *testing.T) {
	table := New[string]()
	e, err := table.Register("c1", KindSubmit, uuid.New(), time.Second)
	require.NoError(t, err)

	assert.True(t, table.Resolve("c1", "ok"))
	assert.False(t, table.Resolve("c1", "again"))
	assert.False(t, table.Fail("c1", errors.New("late")))

	res := <-e.Done()
	assert.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Zero(t, table.Len())
}

func TestDuplicateIDRejected(t *testing.T) {
	table := New[string]()
	_, err := table.Register("c1", KindSubmit, uuid.New(), time.Second)
	require.NoError(t, err)
	_, err = table.Register("c1", KindRespond, uuid.New(), time.Second)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestTimeoutFails(t *testing.T) {
	table := New[int]()
	e, err := table.Register("c1", KindRespond, uuid.New(), 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case res := <-e.Done():
		assert.ErrorIs(t, res.Err, protocol.ErrTimeout)
		assert.Equal(t, "timeout: Request timeout", res.Err.Error())
	case <-time.After(time.Second):
		t.Fatal("entry did not time out")
	}
	assert.False(t, table.Resolve("c1", 1), "late replies are discarded")
	assert.Zero(t, table.Len())
}

func TestCancelConnOnlyTouchesThatConnection(t *testing.T) {
	table := New[int]()
	dropped, kept := uuid.New(), uuid.New()

	e1, _ := table.Register("a", KindSubmit, dropped, time.Second)
	e2, _ := table.Register("b", KindRespond, dropped, time.Second)
	_, _ = table.Register("c", KindSubmit, kept, time.Second)

	assert.Equal(t, 2, table.CancelConn(dropped, protocol.ErrDisconnected))
	assert.ErrorIs(t, (<-e1.Done()).Err, protocol.ErrDisconnected)
	assert.ErrorIs(t, (<-e2.Done()).Err, protocol.ErrDisconnected)
	assert.Equal(t, 1, table.Len())
	assert.Zero(t, table.CancelConn(dropped, protocol.ErrDisconnected))
}

func TestConcurrentResolveAndTimeout(t *testing.T) {
	table := New[int]()
	var delivered atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		id := uuid.NewString()
		e, err := table.Register(id, KindPing, uuid.Nil, time.Millisecond)
		require.NoError(t, err)
		wg.Add(2)
		go func() {
			defer wg.Done()
			table.Resolve(id, 1)
		}()
		go func() {
			defer wg.Done()
			<-e.Done()
			delivered.Add(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), delivered.Load())
	assert.Zero(t, table.CancelAll(protocol.ErrDisconnected))
}
