package queue

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var capturedAt = time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

func TestCaptureMessage(t *testing.T) {
	in := Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: 0.92, DeviceID: "DEVICE_001"}
	msg, err := NewCaptureMessage(in)
	require.NoError(t, err)
	assert.Equal(t, TypeCapture, msg.Type)

	out, err := msg.Capture()
	require.NoError(t, err)
	assert.True(t, in.CapturedAt.Equal(out.CapturedAt))
	out.CapturedAt = in.CapturedAt
	assert.Equal(t, in, out)

	_, err = Message{Type: "checkin", Body: msg.Body}.Capture()
	assert.Error(t, err)
}

func TestCaptureValidate(t *testing.T) {
	tests := []struct {
		name    string
		capture Capture
		ok      bool
	}{
		{"valid", Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: 0.5}, true},
		{"missing code", Capture{CapturedAt: capturedAt, Confidence: 0.5}, false},
		{"missing time", Capture{EnrollmentCode: "E-1", Confidence: 0.5}, false},
		{"confidence above one", Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: 1.2}, false},
		{"negative confidence", Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: -0.1}, false},
		{"confidence not a number", Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: math.NaN()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.capture.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestInMemory_PublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := NewCaptureMessage(Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case got := <-msgs:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer channel not closed")
	}
}

func TestInMemory_PublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: TypeCapture}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: TypeCapture}), context.DeadlineExceeded)
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	key := "attendsync:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), key) })
	q := NewRedisQueue(client, key)
	q.wait = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := NewCaptureMessage(Capture{EnrollmentCode: "E-1", CapturedAt: capturedAt, Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))
	require.NoError(t, client.LPush(ctx, key, "not json").Err())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case got := <-msgs:
		c, err := got.Capture()
		require.NoError(t, err)
		assert.Equal(t, "E-1", c.EnrollmentCode)
		assert.True(t, capturedAt.Equal(c.CapturedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}
}
