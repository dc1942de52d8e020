// Copyright IBM Corp. All Rights Reserved.
//
// SPDX-License-Identifier: Apache-2.0
//

package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/marketmesh/engine/pkg/api"
	"github.com/marketmesh/engine/pkg/message"
	"github.com/marketmesh/engine/pkg/types"
)

// claimer is the optional conditional-update surface of a transport. When
// available it is used as the per-message mutual-exclusion lock; otherwise
// the dispatcher falls back to check-then-set, which is safe because there
// is a single dispatch loop.
type claimer interface {
	Claim(ctx context.Context, msgID string) (bool, error)
}

// Dispatcher is the scheduling loop of the engine: it polls stored
// envelopes in NEW and WAITING states, walks each through
// parse -> validate -> sequence-check -> apply, and persists the resulting
// terminal (or deferred) status. Time is injected through TickChan so tests
// drive the loop deterministically.
type Dispatcher struct {
	Logger    api.Logger
	Transport api.Transport
	Registry  *Registry
	Config    types.Configuration
	Metrics   *Metrics
	TickChan  <-chan time.Time

	// Now is the clock of the expiration check; defaults to time.Now.
	Now func() time.Time

	deliverChan chan *types.Envelope
	stopOnce    sync.Once
	stopChan    chan struct{}
	running     sync.WaitGroup
	sem         *semaphore.Weighted
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.Config = d.Config.WithDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	d.deliverChan = make(chan *types.Envelope, d.Config.BatchSize)
	d.stopChan = make(chan struct{})
	d.stopOnce = sync.Once{}
	d.sem = semaphore.NewWeighted(int64(d.Config.BatchSize))

	d.running.Add(1)
	go func() {
		defer d.running.Done()
		d.run()
	}()
}

// Stop terminates the dispatch loop and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
	d.running.Wait()
}

// Deliver hands a freshly received envelope to the dispatcher. The envelope
// is processed on the loop goroutine; callers never block on processing.
func (d *Dispatcher) Deliver(env *types.Envelope) {
	select {
	case d.deliverChan <- env:
	case <-d.stopChan:
	}
}

func (d *Dispatcher) run() {
	defer d.Logger.Infof("Dispatcher exiting")

	ctx := context.Background()
	for {
		select {
		case <-d.stopChan:
			return
		case env := <-d.deliverChan:
			d.processBatch(ctx, []types.Envelope{*env})
		case <-d.TickChan:
			d.pollOnce(ctx)
		}
	}
}

// pollOnce fetches one batch of candidates: fresh NEW envelopes first, then
// deferred WAITING ones, and processes them before the next tick starts.
func (d *Dispatcher) pollOnce(ctx context.Context) {
	for _, status := range []types.MessageStatus{types.StatusNew, types.StatusWaiting} {
		envs, err := d.Transport.Poll(ctx, api.PollFilter{
			Status:    status,
			Direction: types.Incoming,
			PageLimit: d.Config.BatchSize,
		})
		if err != nil {
			d.Logger.Errorf("Poll for %s messages failed: %v", status, err)
			continue
		}
		if len(envs) == 0 {
			continue
		}
		d.Logger.Debugf("Polled %d envelopes in status %s", len(envs), status)
		d.processBatch(ctx, envs)
	}
}

// processBatch runs one batch with bounded concurrency and waits for every
// status update to land before returning.
func (d *Dispatcher) processBatch(ctx context.Context, envs []types.Envelope) {
	for i := range envs {
		env := envs[i]
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer d.sem.Release(1)
			d.processEnvelope(ctx, &env)
		}()
	}
	// wait for the whole batch
	if err := d.sem.Acquire(ctx, int64(d.Config.BatchSize)); err != nil {
		return
	}
	d.sem.Release(int64(d.Config.BatchSize))
}

func (d *Dispatcher) processEnvelope(ctx context.Context, env *types.Envelope) {
	claimed, err := d.claim(ctx, env)
	if err != nil {
		d.Logger.Errorf("Claiming %s failed: %v", env.MsgID, err)
		return
	}
	if !claimed {
		// another cycle owns it
		return
	}

	start := d.Now()
	status := d.process(ctx, env)
	d.Metrics.ProcessingDuration.Observe(d.Now().Sub(start).Seconds())
	d.Metrics.CountOfProcessed.With("type", string(env.Type), "status", string(status)).Add(1)

	if _, err := d.Transport.UpdateStatus(ctx, env.MsgID, status); err != nil {
		d.Logger.Errorf("Updating %s to %s failed: %v", env.MsgID, status, err)
	}
}

// process walks one claimed envelope through the pipeline and returns the
// status to persist.
func (d *Dispatcher) process(ctx context.Context, env *types.Envelope) types.MessageStatus {
	m, err := message.Parse(env.Text)
	if err != nil {
		d.Logger.Errorf("Parsing %s failed: %v", env.MsgID, err)
		return types.StatusParsingFailed
	}

	handler, err := d.Registry.Resolve(m.Action.Type)
	if err != nil {
		// a missing registration is a configuration defect, not a
		// per-message failure; surface it loudly
		d.Logger.Panicf("No handler registered for %s: %v", m.Action.Type, err)
		return types.StatusProcessingFailed
	}

	if err := handler.Validate(m); err != nil {
		d.Logger.Errorf("Message %s validation failed: %v", env.MsgID, err)
		return types.StatusValidationFailed
	}
	if err := message.VerifyHash(m); err != nil {
		d.Logger.Errorf("Message %s rejected: %v", env.MsgID, err)
		return types.StatusValidationFailed
	}

	ready, err := handler.CheckSequence(ctx, m)
	if err != nil {
		d.Logger.Errorf("Sequence check of %s failed: %v", env.MsgID, err)
		return types.StatusProcessingFailed
	}
	if !ready {
		if env.Expired(d.Now()) {
			d.Logger.Errorf("Message %s expired before its prerequisites arrived", env.MsgID)
			return types.StatusProcessingFailed
		}
		d.Logger.Debugf("Message %s has an invalid sequence, waiting to process later", env.MsgID)
		d.Metrics.CountOfDeferred.Add(1)
		return types.StatusWaiting
	}

	if err := handler.Apply(ctx, env, m); err != nil {
		d.Logger.Errorf("Applying %s failed: %v", env.MsgID, err)
		return types.StatusProcessingFailed
	}
	return types.StatusProcessed
}

func (d *Dispatcher) claim(ctx context.Context, env *types.Envelope) (bool, error) {
	if c, ok := d.Transport.(claimer); ok {
		return c.Claim(ctx, env.MsgID)
	}
	if env.Status != types.StatusNew && env.Status != types.StatusWaiting {
		return false, nil
	}
	_, err := d.Transport.UpdateStatus(ctx, env.MsgID, types.StatusProcessing)
	if err != nil {
		return false, err
	}
	return true, nil
}
