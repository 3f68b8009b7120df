package kodiak

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronProducerRegisterAndUnregister(t *testing.T) {
	p := NewCronProducer(nil, nil)

	entryID, err := p.Register("@every 1m", "email", AddParams{ID: "job-1"})
	require.NoError(t, err)
	assert.Equal(t, "email:1", entryID)

	require.NoError(t, p.Unregister(entryID))

	err = p.Unregister(entryID)
	assert.Error(t, err, "unregistering an already-removed entry should fail")
}

func TestCronProducerUnregisterUnknownEntry(t *testing.T) {
	p := NewCronProducer(nil, nil)
	err := p.Unregister("no-such-entry")
	assert.Error(t, err)
}

func TestCronProducerRegisterRejectsInvalidSpec(t *testing.T) {
	p := NewCronProducer(nil, nil)
	_, err := p.Register("not a cron spec", "email", AddParams{ID: "job-1"})
	assert.Error(t, err)
}

func TestCronProducerRegisterAssignsDistinctEntryIDs(t *testing.T) {
	p := NewCronProducer(nil, nil)

	id1, err := p.Register("@every 1m", "email", AddParams{ID: "job-1"})
	require.NoError(t, err)
	id2, err := p.Register("@every 1m", "email", AddParams{ID: "job-2"})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}
