// Package sensor reads the node's sensors and assembles the calibration and
// data records the delivery machine sends.
package sensor

import (
	"context"
	"errors"
	"log"
	"time"
)

var (
	ErrBusy    = errors.New("sensor: controller busy")
	ErrTimeout = errors.New("sensor: timed out")
)

// Bus is a binary semaphore guarding the shared sensor bus. Acquisitions
// do not nest.
type Bus struct {
	sem chan struct{}
}

func NewBus() *Bus {
	return &Bus{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the bus is free or ctx is done.
func (b *Bus) Acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Release() {
	select {
	case <-b.sem:
	default:
		log.Printf("[sensor] WARNING: bus released while not held")
	}
}

// Alert is posted by the controller when a task finishes.
type Alert struct {
	Output []byte
	Err    error
}

// Controller models the sensor coprocessor: one task at a time, whose
// completion is signalled through a single-slot alert channel.
type Controller struct {
	busy   chan struct{}
	alerts chan Alert
}

func NewController() *Controller {
	return &Controller{
		busy:   make(chan struct{}, 1),
		alerts: make(chan Alert, 1),
	}
}

// StartTask runs task asynchronously. It fails with ErrBusy while a
// previous task's alert has not been collected.
func (c *Controller) StartTask(task func() ([]byte, error)) error {
	select {
	case c.busy <- struct{}{}:
	default:
		return ErrBusy
	}
	go func() {
		out, err := task()
		c.alerts <- Alert{Output: out, Err: err}
	}()
	return nil
}

// WaitAlert collects the alert of the running task.
func (c *Controller) WaitAlert(ctx context.Context) (Alert, error) {
	select {
	case a := <-c.alerts:
		<-c.busy
		return a, nil
	case <-ctx.Done():
		return Alert{}, ctx.Err()
	}
}

// Run starts task and waits for its alert, bounded by timeout.
func (c *Controller) Run(ctx context.Context, timeout time.Duration, task func() ([]byte, error)) ([]byte, error) {
	err := c.StartTask(task)
	if errors.Is(err, ErrBusy) && c.discardStale() {
		err = c.StartTask(task)
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	a, err := c.WaitAlert(ctx)
	if err != nil {
		return nil, ErrTimeout
	}
	return a.Output, a.Err
}

// discardStale drops the alert of a task whose waiter gave up.
func (c *Controller) discardStale() bool {
	select {
	case <-c.alerts:
		<-c.busy
		log.Printf("[sensor] discarded stale controller alert")
		return true
	default:
		return false
	}
}
