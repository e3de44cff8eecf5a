package bridge

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/invisible-tech/privacy-telemetry-sensor/internal/types"
)

func TestEncodeDecode_Storage(t *testing.T) {
	now := time.UnixMilli(1760870000000)
	sig := &types.DetectionSignal{
		Method:    types.MethodStorage,
		Timestamp: now,
		Storage: &types.StorageEvidence{
			Operations: []types.StorageOperation{{Operation: "setItem", Key: "uid", Area: "localStorage", Timestamp: now}},
			Count:      12,
			UniqueKeys: 4,
		},
	}
	data, err := Encode(sig)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"storage-access"`)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, types.MethodStorage, got.Method)
	assert.True(t, got.Timestamp.Equal(now))
	require.NotNil(t, got.Storage)
	assert.Equal(t, 12, got.Storage.Count)
	assert.Equal(t, "uid", got.Storage.Operations[0].Key)
	assert.True(t, got.Storage.Operations[0].Timestamp.Equal(now))
}

func TestEncodeDecode_Pointer(t *testing.T) {
	data, err := Encode(&types.DetectionSignal{
		Method:  types.MethodPointer,
		Pointer: &types.PointerEvidence{EventsPerSecond: 62.5, Count: 125, SampleWindow: 2 * time.Second},
	})
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 62.5, got.Pointer.EventsPerSecond)
	assert.Equal(t, 2*time.Second, got.Pointer.SampleWindow)
}

func TestDecode_Rejects(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
	_, err = Decode([]byte(`{"type":"webgl","timestamp":1}`))
	assert.Error(t, err)
}

func TestBridge_DropsWhenFull(t *testing.T) {
	b := New(1, logrus.New())
	sig := &types.DetectionSignal{Method: types.MethodDevice, Device: &types.DeviceEvidence{APIs: []string{"screen.width"}}}
	assert.True(t, b.Dispatch(sig))
	assert.False(t, b.Dispatch(sig))
	dispatched, dropped := b.Stats()
	assert.Equal(t, int64(1), dispatched)
	assert.Equal(t, int64(1), dropped)

	data := <-b.Events()
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"screen.width"}, got.Device.APIs)
}

func TestBridge_DispatchAfterClose(t *testing.T) {
	b := New(4, logrus.New())
	b.Close()
	b.Close()
	assert.False(t, b.Dispatch(&types.DetectionSignal{Method: types.MethodCanvas, Canvas: &types.CanvasEvidence{}}))
	_, ok := <-b.Events()
	assert.False(t, ok)
}
