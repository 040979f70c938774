// Package capture drains recognition captures from the queue into the local store.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"attendsync/internal/attendance"
	"attendsync/internal/queue"
)

// Recorder queues a capture under the student id its enrollment code resolves to.
type Recorder interface {
	RecordCapture(ctx context.Context, enrollmentCode string, at time.Time, confidence float64, deviceID string) (attendance.Event, error)
}

// Result labels for the capture counter.
const (
	resultQueued     = "queued"
	resultDuplicate  = "duplicate"
	resultUnknown    = "unknown_enrollment"
	resultMalformed  = "malformed"
	resultStoreError = "store_error"
	resultLost       = "lost"
)

// Consumer records every capture message it receives. Only one consumer should
// run per local store.
type Consumer struct {
	queue    queue.Queue
	recorder Recorder
	deviceID string
	captures *prometheus.CounterVec

	// retryDelay pauses the loop after a store failure sent a capture back.
	retryDelay time.Duration
}

// NewConsumer registers its counter on reg when non-nil. deviceID is used for
// captures that do not name a device.
func NewConsumer(q queue.Queue, rec Recorder, deviceID string, reg prometheus.Registerer) *Consumer {
	c := &Consumer{
		queue:      q,
		recorder:   rec,
		deviceID:   deviceID,
		retryDelay: 2 * time.Second,
		captures:   prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "captures_total",
			Help:      "Captures received from the recognition pipeline, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(c.captures)
	}
	return c
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume captures: %w", err)
	}
	log.Println("capture consumer started, waiting for messages...")
	for msg := range msgs {
		err := c.Handle(ctx, msg)
		if err == nil {
			continue
		}
		log.Printf("capture: %v", err)
		if attendance.IsPersistence(err) {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
			}
		}
	}
	log.Println("capture consumer stopped")
	return nil
}

// Handle records a single message. A suppressed duplicate is not an error. When
// the local store fails the message is published again so the capture is not lost.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	capt, err := msg.Capture()
	if err == nil {
		err = capt.Validate()
	}
	if err != nil {
		c.captures.WithLabelValues(resultMalformed).Inc()
		return err
	}
	deviceID := capt.DeviceID
	if deviceID == "" {
		deviceID = c.deviceID
	}

	ev, err := c.recorder.RecordCapture(ctx, capt.EnrollmentCode, capt.CapturedAt, capt.Confidence, deviceID)
	switch {
	case err == nil:
		c.captures.WithLabelValues(resultQueued).Inc()
		log.Printf("capture: student %s queued as event %d (confidence %.2f)", ev.StudentKey, ev.LocalID, ev.Confidence)
		return nil
	case errors.Is(err, attendance.ErrDuplicateSuppressed):
		c.captures.WithLabelValues(resultDuplicate).Inc()
		log.Printf("capture: %s at %s suppressed as duplicate", capt.EnrollmentCode, capt.CapturedAt.UTC().Format(time.RFC3339))
		return nil
	case errors.Is(err, attendance.ErrUnknownEnrollment):
		c.captures.WithLabelValues(resultUnknown).Inc()
		return err
	case attendance.IsPersistence(err):
		c.captures.WithLabelValues(resultStoreError).Inc()
		if qerr := c.requeue(ctx, msg); qerr != nil {
			c.captures.WithLabelValues(resultLost).Inc()
			return fmt.Errorf("record %s: %w (capture lost: %v)", capt.EnrollmentCode, err, qerr)
		}
		return fmt.Errorf("record %s, requeued: %w", capt.EnrollmentCode, err)
	default:
		c.captures.WithLabelValues(resultStoreError).Inc()
		return fmt.Errorf("record %s: %w", capt.EnrollmentCode, err)
	}
}

// requeue publishes msg again, also while the consumer is shutting down.
func (c *Consumer) requeue(ctx context.Context, msg queue.Message) error {
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.queue.Publish(qctx, msg)
}
