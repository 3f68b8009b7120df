package kodiak

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(nil, "", []string{"email"}, nil)
	assert.Equal(t, "kodiak", s.prefix)
	require.NotNil(t, s.logger)
	require.NotNil(t, s.timers)
	assert.Equal(t, []string{"email"}, s.queues)
}

func TestNewSchedulerHonorsExplicitPrefix(t *testing.T) {
	s := NewScheduler(nil, "myapp", []string{"email"}, nil)
	assert.Equal(t, "myapp", s.prefix)
}
