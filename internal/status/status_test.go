package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIs_MatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("stage 1: %w", Errorf(StreamSyncTimeout, "sync stream 3", "waited %s", "5s"))

	assert.True(t, errors.Is(err, ErrStreamSyncTimeout))
	assert.False(t, errors.Is(err, ErrKernelLaunch))
	assert.Equal(t, StreamSyncTimeout, CodeOf(err))
	assert.Contains(t, err.Error(), "STREAM_SYNC_TIMEOUT")
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Success, CodeOf(nil))
	assert.Equal(t, Internal, CodeOf(errors.New("plain")))
	assert.True(t, IsEOS(New(EndOfSequence, "sync", nil)))
	assert.Equal(t, "DEVICE_MEMORY_OPERATE_FAILED", MemoryAllocationFailed.String())
}
