package kodiak

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddRejectsEmptyData(t *testing.T) {
	p := &Producer{}
	_, err := p.AddContext(context.Background(), "email", AddParams{})
	assert.ErrorIs(t, err, ErrEmptyData)
}

func TestAddRejectsInvalidQueueName(t *testing.T) {
	p := &Producer{}
	_, err := p.AddContext(context.Background(), "", AddParams{Data: []byte("x")})
	assert.Error(t, err)
}
