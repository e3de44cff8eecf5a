package hostmsg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/config"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/eventstore"
	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
	"github.com/invisible-tech/privacy-telemetry-sensor/pkg/transport"
)

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	first := eventstore.New(config.StoreConfig{}, nil, quietLogger())
	lb := NewLoopback(first)

	id, err := lb.ContextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID(), id)

	resp, err := lb.SendMessage(ctx, &types.Message{Type: types.MessageTrackingEvent, Payload: sampleEvent()})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, first.Stats().Events)

	lb.Detach()
	_, err = lb.ContextID(ctx)
	assert.ErrorIs(t, err, transport.ErrContextInvalidated)
	_, err = lb.SendMessage(ctx, &types.Message{Type: types.MessagePing})
	assert.ErrorIs(t, err, transport.ErrReceiverUnavailable)

	second := eventstore.New(config.StoreConfig{}, nil, quietLogger())
	lb.Attach(second)
	id, err = lb.ContextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.InstanceID(), id)
}

func TestLoopback_CanceledContext(t *testing.T) {
	lb := NewLoopback(eventstore.New(config.StoreConfig{}, nil, quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lb.ContextID(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = lb.SendMessage(ctx, &types.Message{Type: types.MessagePing})
	assert.ErrorIs(t, err, context.Canceled)
}
