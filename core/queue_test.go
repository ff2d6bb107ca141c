package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeadlineQueue(t *testing.T) {
	var q deadlineQueue
	_, ok := q.next()
	require.False(t, ok)

	start := time.Now()
	reqs := make([]*pendingRequest, 4)
	for i := range reqs {
		reqs[i] = &pendingRequest{digest: Digest{byte(i)}, index: -1}
	}
	q.schedule(reqs[0], start.Add(3*time.Second))
	q.schedule(reqs[1], start.Add(1*time.Second))
	q.schedule(reqs[2], start.Add(2*time.Second))
	q.schedule(reqs[3], start.Add(4*time.Second))

	next, ok := q.next()
	require.True(t, ok)
	require.Equal(t, start.Add(time.Second), next)

	// rescheduling moves a request rather than adding it twice
	q.schedule(reqs[1], start.Add(5*time.Second))
	require.Len(t, q, 4)
	next, _ = q.next()
	require.Equal(t, start.Add(2*time.Second), next)

	q.remove(reqs[0])
	require.Len(t, q, 3)
	require.Equal(t, -1, reqs[0].index)
	// removing twice is a no-op
	q.remove(reqs[0])
	require.Len(t, q, 3)

	due := q.popDue(start.Add(4 * time.Second))
	require.Equal(t, []*pendingRequest{reqs[2], reqs[3]}, due)
	require.Len(t, q, 1)

	require.Empty(t, q.popDue(start.Add(4*time.Second)))
	require.Equal(t, []*pendingRequest{reqs[1]}, q.popDue(start.Add(5*time.Second)))
	_, ok = q.next()
	require.False(t, ok)
}
