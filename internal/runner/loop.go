package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/market-sizer/internal/aggregator"
	"github.com/ChuLiYu/market-sizer/internal/credits"
	"github.com/ChuLiYu/market-sizer/internal/domain"
	"github.com/ChuLiYu/market-sizer/internal/segmenter"
	"github.com/ChuLiYu/market-sizer/internal/worker"
	"github.com/ChuLiYu/market-sizer/pkg/search"
	"github.com/ChuLiYu/market-sizer/pkg/types"
)

// nodeEvent carries a probed node and the credits its probe billed.
type nodeEvent struct {
	node    *segmenter.Node
	credits int64
}

type unit struct {
	seg types.Segment
	run func(context.Context) error
}

// personTarget is a company website person searches run against.
type personTarget struct {
	host string
	raw  string
	err  error
}

// loop owns every segment and result write of one job.
type loop struct {
	r *Runner

	ctx     context.Context // store writes; never cancelled
	jobCtx  context.Context
	stopCtx context.Context
	pool    *worker.Pool

	nodes   chan nodeEvent
	segDone chan struct{}

	queue      []unit
	open       map[string]types.Segment // submitted, not yet closed
	inflight   int
	segmenting bool
}

func (l *loop) run() {
	r := l.r
	l.nodes = make(chan nodeEvent)
	l.segDone = make(chan struct{})

	l.planTargets()
	if l.segmenting {
		go l.segment()
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	stopCh := r.stopCh
	abortCh := l.jobCtx.Done()
	for {
		l.dispatch()
		if !l.segmenting && len(l.queue) == 0 && l.inflight == 0 {
			return
		}

		select {
		case ev := <-l.nodes:
			l.onNode(ev)
		case <-l.segDone:
			l.segmenting = false
		case o := <-r.outcomes:
			l.apply(o)
		case res := <-l.pool.Results():
			l.onResult(res)
		case <-ticker.C:
			r.flush(l.ctx)
		case <-stopCh:
			stopCh = nil
			log.Info("stopping job", "job_id", r.job.ID, "queued", len(l.queue), "inflight", l.inflight)
			l.drain()
		case <-abortCh:
			abortCh = nil
			l.drain()
		}
	}
}

// halt returns why no new work may start, or nil.
func (l *loop) halt() error {
	if reason := l.r.failure(); reason != nil {
		return fmt.Errorf("%w: %v", ErrAborted, reason)
	}
	if l.r.stopped.Load() {
		return ErrStopped
	}
	return l.jobCtx.Err()
}

// ============================================================================
// Segmentation
// ============================================================================

// segment runs the segmenter and forwards every node to the loop.
func (l *loop) segment() {
	r := l.r
	defer func() { l.segDone <- struct{}{} }()

	var billed int64
	probe := func(ctx context.Context, def search.Definition) (int64, error) {
		total, n, err := r.probe(l.jobCtx, ctx, def)
		billed = n
		return total, err
	}
	visit := func(_ context.Context, n *segmenter.Node) error {
		ev := nodeEvent{node: n, credits: billed}
		billed = 0
		l.nodes <- ev
		return nil
	}

	_, err := r.seg.Segment(l.stopCtx, *r.sub.Company, probe, visit)
	switch {
	case err == nil:
	case r.stopped.Load() || l.jobCtx.Err() != nil:
		log.Debug("segmentation interrupted", "job_id", r.job.ID, "error", err)
	default:
		r.fail(fmt.Errorf("segment company search: %w", err))
	}
}

func (l *loop) onNode(ev nodeEvent) {
	r := l.r
	n := ev.node
	seg := r.companySegment(n)
	if err := r.store.AppendSegments(l.ctx, []types.Segment{seg}); err != nil {
		r.fail(fmt.Errorf("persist segment: %w", err))
		return
	}
	r.agg.Expect(1)

	if n.Parent == nil {
		r.mu.Lock()
		r.job.CreditsEstimated = credits.Plan(r.sub, n.Total, r.seg.Readable(n.Filters, n.Total)).Total
		r.mu.Unlock()
		log.Info("company search probed",
			"job_id", r.job.ID, "total", n.Total, "leaf", n.Leaf(), "credits_estimated", r.Job().CreditsEstimated)
	}

	switch {
	case n.Err != nil:
		l.apply(aggregator.Outcome{Segment: seg, Result: aggregator.Failure, Err: n.Err, Credits: ev.credits, Final: true})
	case !n.Leaf():
		l.apply(aggregator.Outcome{Segment: seg, Result: aggregator.Success, TotalCount: n.Total, Credits: ev.credits, Final: true})
	case n.Total == 0:
		l.apply(aggregator.Outcome{Segment: seg, Result: aggregator.NotFound, Credits: ev.credits, Final: true})
	default:
		if ev.credits > 0 {
			l.apply(aggregator.Outcome{Segment: seg, Result: aggregator.Success, Credits: ev.credits})
		}
		l.enqueue(unit{seg: seg, run: r.companyUnit(l.stopCtx, seg, n.Truncated)})
	}
}

// ============================================================================
// Person segments
// ============================================================================

// planTargets creates the person segments of explicit targets.
func (l *loop) planTargets() {
	r := l.r
	if !r.sub.RunsPeople() || len(r.sub.Targets) == 0 {
		return
	}
	targets := make([]personTarget, 0, len(r.sub.Targets))
	for _, raw := range r.sub.Targets {
		host, err := domain.Host(raw)
		targets = append(targets, personTarget{host: host, raw: raw, err: err})
	}
	l.addPeople("", targets)

	r.mu.Lock()
	r.job.CreditsEstimated = credits.Plan(r.sub, 0, 0).Total
	r.mu.Unlock()
}

// addPeople creates one person segment per person search and target.
func (l *loop) addPeople(parent types.SegmentID, targets []personTarget) {
	r := l.r
	segs := make([]types.Segment, 0, len(targets)*len(r.sub.People))
	var failed []aggregator.Outcome
	var ready []types.Segment
	for _, t := range targets {
		for _, def := range r.sub.People {
			seg := r.personSegment(parent, def, t.host)
			if t.err != nil {
				seg.Domain = t.raw
				failed = append(failed, aggregator.Outcome{Segment: seg, Result: aggregator.Failure, Err: t.err, Final: true})
			} else {
				ready = append(ready, seg)
			}
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		return
	}
	if err := r.store.AppendSegments(l.ctx, segs); err != nil {
		r.fail(fmt.Errorf("persist person segments: %w", err))
		return
	}
	r.agg.Expect(len(segs))

	for _, o := range failed {
		l.apply(o)
	}
	for _, seg := range ready {
		l.enqueue(unit{seg: seg, run: r.personUnit(l.stopCtx, seg, r.people[seg.Name])})
	}
}

// ============================================================================
// Scheduling
// ============================================================================

// enqueue queues u, or closes its segment at once when no work may start.
func (l *loop) enqueue(u unit) {
	if reason := l.halt(); reason != nil {
		l.apply(aggregator.Outcome{Segment: u.seg, Result: aggregator.Failure, Err: reason, Final: true})
		return
	}
	l.queue = append(l.queue, u)
}

// dispatch submits queued units while workers are free.
func (l *loop) dispatch() {
	r := l.r
	for l.inflight < r.cfg.Workers && len(l.queue) > 0 {
		if l.halt() != nil {
			return
		}
		u := l.queue[0]
		l.queue[0] = unit{}
		l.queue = l.queue[1:]

		running := u.seg
		running.Status = types.SegmentRunning
		if err := r.store.UpdateSegment(l.ctx, running); err != nil {
			r.fail(fmt.Errorf("mark segment running: %w", err))
			l.apply(aggregator.Outcome{Segment: u.seg, Result: aggregator.Failure, Err: err, Final: true})
			return
		}

		id := string(u.seg.ID)
		l.open[id] = u.seg
		if err := l.pool.Submit(worker.Task{ID: id, Kind: string(u.seg.Kind), Run: u.run}); err != nil {
			delete(l.open, id)
			l.apply(aggregator.Outcome{Segment: u.seg, Result: aggregator.Failure, Err: err, Final: true})
			continue
		}
		l.inflight++
	}
}

// drain closes every queued unit without running it.
func (l *loop) drain() {
	reason := l.halt()
	if reason == nil {
		return
	}
	for _, u := range l.queue {
		l.apply(aggregator.Outcome{Segment: u.seg, Result: aggregator.Failure, Err: reason, Final: true})
	}
	l.queue = nil
}

// onResult accounts for a finished task. A task that ended without a
// final outcome (a panic) closes its segment as failed.
func (l *loop) onResult(res worker.Result) {
	l.inflight--
	seg, ok := l.open[res.TaskID]
	if !ok {
		return
	}
	err := res.Err
	if err == nil {
		err = errors.New("unit ended without a result")
	}
	log.Error("unit failed without outcome", "job_id", l.r.job.ID, "segment_id", seg.ID, "error", err)
	l.apply(aggregator.Outcome{Segment: seg, Result: aggregator.Failure, Err: err, Final: true})
}

// apply folds o and persists its effect.
func (l *loop) apply(o aggregator.Outcome) {
	r := l.r
	f := r.agg.Fold(o)

	if len(f.Records) > 0 {
		if err := r.store.AppendResult(l.ctx, f.Records...); err != nil {
			r.fail(fmt.Errorf("append results: %w", err))
		}
	}
	if f.Segment != nil {
		delete(l.open, string(f.Segment.ID))
		if err := r.store.UpdateSegment(l.ctx, *f.Segment); err != nil {
			r.fail(fmt.Errorf("close segment %s: %w", f.Segment.ID, err))
		}
		r.obs.ObserveSegment(f.Segment.Status)
	}

	if len(f.Discovered) > 0 && r.sub.RunsPeople() {
		targets := make([]personTarget, 0, len(f.Discovered))
		for _, d := range f.Discovered {
			targets = append(targets, personTarget{host: d.Root, raw: d.Company.Website, err: d.Err})
		}
		l.addPeople(o.Segment.ID, targets)
	}
}
