package optimization

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/vnykmshr/bucketflow/pkg/async"
	"github.com/vnykmshr/bucketflow/pkg/common/errors"
	"github.com/vnykmshr/bucketflow/pkg/common/validation"
	"github.com/vnykmshr/bucketflow/pkg/ratelimit/distributed/command"
)

type delayOptimization struct {
	params     DelayParameters
	prediction *PredictionParameters
	opts       options
}

// Delay answers consumption commands from a local copy of the bucket and
// postpones writing the consumed tokens to the backend until either bound
// of params is reached. Nodes may together over-consume by up to
// MaxUnsynchronizedTokens each between synchronizations.
func Delay(params DelayParameters, opts ...Option) (Optimization, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	return delayOptimization{params: params, opts: newOptions(opts)}, nil
}

// Predictive is Delay that also forecasts the consumption of other nodes
// from past synchronizations, reducing over-consumption.
func Predictive(params DelayParameters, prediction PredictionParameters, opts ...Option) (Optimization, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	if err := prediction.validate(); err != nil {
		return nil, err
	}
	return delayOptimization{params: params, prediction: &prediction, opts: newOptions(opts)}, nil
}

func (p DelayParameters) validate() error {
	if err := validation.ValidatePositive("optimization", "max_unsynchronized_tokens", p.MaxUnsynchronizedTokens); err != nil {
		return err
	}
	return validation.ValidatePositiveDuration("optimization", "max_unsynchronized_timeout", p.MaxUnsynchronizedTimeout)
}

func (p PredictionParameters) validate() error {
	if p.MinSamples < 2 {
		return errors.NewValidationError("optimization", "min_samples", p.MinSamples, "must be at least 2").
			WithHint("a rate needs two samples")
	}
	if p.MaxSamples < p.MinSamples {
		return errors.NewValidationError("optimization", "max_samples", p.MaxSamples, "must not be below min_samples")
	}
	return validation.ValidatePositiveDuration("optimization", "sample_max_age", p.SampleMaxAge)
}

func (o delayOptimization) newDelayed() *delayed {
	d := &delayed{params: o.params, opts: o.opts}
	if o.prediction != nil {
		d.predictor = &predictor{params: *o.prediction}
	}
	return d
}

func (o delayOptimization) Apply(e command.CommandExecutor) command.CommandExecutor {
	return &syncDelayed{delayed: o.newDelayed(), remote: batching{opts: o.opts}.Apply(e)}
}

func (o delayOptimization) ApplyAsync(e command.AsyncCommandExecutor) command.AsyncCommandExecutor {
	return &asyncDelayed{delayed: o.newDelayed(), remote: batching{opts: o.opts}.ApplyAsync(e)}
}

// delayed holds the local view of one bucket.
type delayed struct {
	params    DelayParameters
	predictor *predictor
	opts      options

	mu        sync.Mutex
	snapshot  *command.RemoteBucketState
	postponed int64
	lastSync  int64
}

// pendingSync describes a synchronization in flight.
type pendingSync struct {
	cmd        command.Command
	now        int64
	postponed  int64
	index      int
	localAvail int64
	hasLocal   bool
}

func (d *delayed) now() int64 {
	return d.opts.clock.Now().UnixNano()
}

// tryLocal answers cmd from the snapshot when the drift bounds allow it.
func (d *delayed) tryLocal(cmd command.Command, now int64) (command.CommandResult, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.snapshot == nil {
		return command.CommandResult{}, false
	}
	since := now - d.lastSync
	if since >= int64(d.params.MaxUnsynchronizedTimeout) ||
		cmd.IsImmediateSyncRequired(d.postponed, since) ||
		satAdd(d.postponed, cmd.EstimateTokensToConsume()) > d.params.MaxUnsynchronizedTokens {
		return command.CommandResult{}, false
	}

	view := d.snapshot
	if d.predictor != nil {
		others, ok := d.predictor.predict(now, d.lastSync)
		if !ok {
			return command.CommandResult{}, false
		}
		if others > 0 {
			view = view.Copy()
			view.Refill(now)
			view.State.Consume(others)
		}
	}

	out := command.Execute(cmd, view, now)
	d.snapshot.Refill(now)
	if consumed := cmd.ConsumedTokens(out.Result.Data); consumed > 0 {
		d.snapshot.State.Consume(consumed)
		d.postponed += consumed
	}
	d.opts.listener.IncrementSkipCount(1)
	return out.Result, true
}

// prepareSync takes the postponed tokens and builds the command carrying
// them to the backend along with cmd.
func (d *delayed) prepareSync(cmd command.Command, now int64) (command.Command, pendingSync) {
	d.mu.Lock()
	p := pendingSync{cmd: cmd, now: now, postponed: d.postponed}
	d.postponed = 0
	if d.snapshot != nil {
		view := d.snapshot.Copy()
		view.Refill(now)
		p.localAvail, p.hasLocal = view.AvailableTokens(), true
	}
	d.mu.Unlock()

	cmds := make([]command.Command, 0, 3)
	if p.postponed > 0 {
		cmds = append(cmds, command.ConsumeIgnoringRateLimits{Tokens: p.postponed})
	}
	p.index = len(cmds)
	cmds = append(cmds, cmd, command.CreateSnapshot{})
	return command.Multi{Commands: cmds}, p
}

// completeSync installs the fresh snapshot and extracts the result of cmd.
func (d *delayed) completeSync(p pendingSync, res command.CommandResult, err error) (command.CommandResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err != nil {
		d.postponed += p.postponed
		return command.CommandResult{}, err
	}
	if res.NotFound {
		// The postponed tokens vanished with the bucket.
		d.snapshot = nil
		return res, nil
	}
	results, ok := res.Data.(command.MultiResult)
	if !ok || len(results) != p.index+2 {
		d.postponed += p.postponed
		return command.CommandResult{}, fmt.Errorf("%w: synchronization returned %T", command.ErrMalformed, res.Data)
	}

	if p.postponed > 0 {
		charge := command.ConsumeIgnoringRateLimits{Tokens: p.postponed}
		if charged := charge.ConsumedTokens(results[0].Data); charged < p.postponed {
			// Charge the remainder with the next synchronization.
			d.postponed += p.postponed - charged
		}
	}

	cmdResult := results[p.index]
	if snap, ok := results[p.index+1].Data.(*command.RemoteBucketState); ok && snap != nil {
		if d.predictor != nil {
			var others int64
			if p.hasLocal && !cmdResult.NotFound {
				others = p.localAvail - p.cmd.ConsumedTokens(cmdResult.Data) - snap.AvailableTokens()
			}
			d.predictor.record(p.now, max(others, 0))
		}
		// Tokens consumed locally while the request was in flight.
		snap.State.Consume(d.postponed)
		d.snapshot = snap
		d.lastSync = p.now
	}
	return cmdResult, nil
}

type syncDelayed struct {
	*delayed
	remote command.CommandExecutor
}

func (d *syncDelayed) Execute(ctx context.Context, cmd command.Command) (command.CommandResult, error) {
	now := d.now()
	if res, ok := d.tryLocal(cmd, now); ok {
		return res, nil
	}
	merged, p := d.prepareSync(cmd, now)
	res, err := d.remote.Execute(ctx, merged)
	return d.completeSync(p, res, err)
}

type asyncDelayed struct {
	*delayed
	remote command.AsyncCommandExecutor
}

func (d *asyncDelayed) ExecuteAsync(ctx context.Context, cmd command.Command) *async.Future[command.CommandResult] {
	now := d.now()
	if res, ok := d.tryLocal(cmd, now); ok {
		return async.Completed(res)
	}
	merged, p := d.prepareSync(cmd, now)
	promise := async.NewPromise[command.CommandResult]()
	d.remote.ExecuteAsync(ctx, merged).OnComplete(func(res command.CommandResult, err error) {
		promise.Complete(d.completeSync(p, res, err))
	})
	return promise.Future()
}

type sample struct {
	at     int64
	tokens int64
}

// predictor estimates the consumption rate of other nodes from the tokens
// that disappeared between synchronizations.
type predictor struct {
	params  PredictionParameters
	samples []sample
}

func (p *predictor) record(now, tokens int64) {
	p.samples = append(p.samples, sample{at: now, tokens: tokens})
	if extra := len(p.samples) - p.params.MaxSamples; extra > 0 {
		p.samples = p.samples[extra:]
	}
}

// predict returns the tokens other nodes likely consumed since lastSync. It
// returns false when there are too few fresh samples to tell.
func (p *predictor) predict(now, lastSync int64) (int64, bool) {
	cutoff := now - int64(p.params.SampleMaxAge)
	i := 0
	for i < len(p.samples) && p.samples[i].at < cutoff {
		i++
	}
	p.samples = p.samples[i:]
	if len(p.samples) < p.params.MinSamples {
		return 0, false
	}

	span := p.samples[len(p.samples)-1].at - p.samples[0].at
	if span <= 0 {
		return 0, false
	}
	var observed int64
	for _, s := range p.samples[1:] {
		observed = satAdd(observed, s.tokens)
	}
	predicted := float64(observed) * float64(now-lastSync) / float64(span)
	if predicted >= math.MaxInt64 {
		return math.MaxInt64, true
	}
	return int64(predicted), true
}

func satAdd(a, b int64) int64 {
	s := a + b
	switch {
	case b > 0 && s < a:
		return math.MaxInt64
	case b < 0 && s > a:
		return math.MinInt64
	}
	return s
}
