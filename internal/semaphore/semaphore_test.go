package semaphore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSemaphore(t *testing.T) {
	s := New(2)
	s.Wait()
	assert.True(t, s.TryWait())
	assert.False(t, s.TryWait())
	assert.Equal(t, 2, s.Len())

	stopC := make(chan struct{})
	close(stopC)
	assert.False(t, s.WaitOrStop(stopC))

	s.Signal()
	assert.True(t, s.WaitOrStop(nil))
}
