package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireIdleGrowsPool(t *testing.T) {
	m := NewManager()
	assert.Equal(t, 0, m.Count())

	ch1, err := m.AcquireIdle(0)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	ch2, err := m.AcquireIdle(0)
	require.NoError(t, err)
	assert.NotEqual(t, ch1.ID, ch2.ID)
	assert.Equal(t, 2, m.Count())
}

func TestAcquireIdleReusesReleasedChannel(t *testing.T) {
	m := NewManager()
	ch1, err := m.AcquireIdle(0)
	require.NoError(t, err)
	m.Release(ch1)

	ch2, err := m.AcquireIdle(0)
	require.NoError(t, err)
	assert.Equal(t, ch1.ID, ch2.ID)
	assert.Equal(t, 1, m.Count())
}

func TestAcquireIdleFailsAtMaxChannels(t *testing.T) {
	m := NewManager()
	_, err := m.AcquireIdle(1)
	require.NoError(t, err)

	_, err = m.AcquireIdle(1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoIdleChannel)
}

func TestDeliverUnknownChannelIsProtocolViolation(t *testing.T) {
	m := NewManager()
	err := m.Deliver(999, []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestChannelIsolationConcurrentRequests(t *testing.T) {
	m := NewManager()

	const n = 4
	channels := make([]*Channel, n)
	for i := 0; i < n; i++ {
		ch, err := m.AcquireIdle(0)
		require.NoError(t, err)
		channels[i] = ch
	}

	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, ok := channels[i].Await(time.After(time.Second))
			require.True(t, ok)
			results[i] = payload
		}(i)
	}

	// deliver out of order
	require.NoError(t, m.Deliver(channels[2].ID, []byte("reply-2")))
	require.NoError(t, m.Deliver(channels[0].ID, []byte("reply-0")))
	require.NoError(t, m.Deliver(channels[3].ID, []byte("reply-3")))
	require.NoError(t, m.Deliver(channels[1].ID, []byte("reply-1")))

	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, []byte("reply-"+string(rune('0'+i))), results[i])
	}
}

func TestAwaitTimesOutWithoutDelivery(t *testing.T) {
	m := NewManager()
	ch, err := m.AcquireIdle(0)
	require.NoError(t, err)

	_, ok := ch.Await(time.After(10 * time.Millisecond))
	assert.False(t, ok)
}

func TestClearAllResetsCount(t *testing.T) {
	m := NewManager()
	_, err := m.AcquireIdle(0)
	require.NoError(t, err)
	_, err = m.AcquireIdle(0)
	require.NoError(t, err)

	m.ClearAll()
	assert.Equal(t, 0, m.Count())
}
