package helper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	acked    bool
	nacked   bool
	requeued bool
	err      error
}

func (d *delivery) Ack(bool) error {
	d.acked = true
	return d.err
}

func (d *delivery) Nack(_, requeue bool) error {
	d.nacked, d.requeued = true, requeue
	return d.err
}

func TestSettle(t *testing.T) {
	d := &delivery{}
	outcome, err := settle(d, nil)
	require.NoError(t, err)
	assert.Equal(t, outcomeAck, outcome)
	assert.True(t, d.acked)
	assert.False(t, d.nacked)

	d = &delivery{}
	outcome, err = settle(d, fmt.Errorf("save checkpoint: %w", context.Canceled))
	require.NoError(t, err)
	assert.Equal(t, outcomeRequeue, outcome)
	assert.False(t, d.acked)
	assert.True(t, d.requeued)

	d = &delivery{}
	outcome, err = settle(d, Permanent(errors.New("bad json")))
	require.NoError(t, err)
	assert.Equal(t, outcomeReject, outcome)
	assert.True(t, d.nacked)
	assert.False(t, d.requeued)
}

func TestSettleSurfacesChannelErrors(t *testing.T) {
	_, err := settle(&delivery{err: ErrClosed}, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPermanentKeepsCause(t *testing.T) {
	cause := errors.New("no user")
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}
