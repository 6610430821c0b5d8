// Package worker drives sync runs across all configured pairs: manual
// one-shot runs, a scheduled background loop, and lifecycle operations like
// infrastructure setup and validation.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	pairsync "github.com/pairsync/pairsync/internal/sync"
)

// interPairDelay spaces out consecutive pairs within one cycle so two busy
// pairs never hammer a shared server back to back.
const interPairDelay = 500 * time.Millisecond

// JobStatus is the externally visible state of the worker.
type JobStatus string

const (
	StatusStopped   JobStatus = "stopped"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusError     JobStatus = "error"
	StatusCompleted JobStatus = "completed"
)

// Events carries the optional observer callbacks. Callbacks run on the
// worker's goroutine and must not block.
type Events struct {
	StatusChanged func(status JobStatus)
	Progress      func(pair string, done, total int)
	Log           func(level logrus.Level, msg string)
	PairCompleted func(pair string, results []pairsync.SyncResult)
	Error         func(pair string, err error)
}

// Statistics accumulates counters across runs until reset.
type Statistics struct {
	CyclesRun     int
	PairsSynced   int
	PairsFailed   int
	RecordsSynced int
	LastRunStart  time.Time
	LastRunEnd    time.Time
}

// Worker owns the run loop. One mutex guards status, pair list, and
// statistics; sync work itself runs outside the lock.
type Worker struct {
	mu     sync.Mutex
	pairs  []*pairsync.Pair
	opts   pairsync.Options
	events Events
	status JobStatus
	stats  Statistics

	running bool
	paused  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	log     *logrus.Entry
}

// New returns an idle worker. When events.Log is set, all logrus output is
// mirrored to it so a presentation layer can show the line stream. The
// subscription lasts until Cleanup.
func New(opts pairsync.Options, events Events) *Worker {
	w := &Worker{
		opts:   opts,
		events: events,
		status: StatusStopped,
		log:    logrus.WithField("component", "worker"),
	}
	if events.Log != nil {
		streamHook.add(w, events.Log)
	}
	return w
}

// logStreamHook fans log entries out to the subscribed workers. One shared
// instance is installed into logrus at most once per process; per-worker
// subscriptions come and go through add/remove.
type logStreamHook struct {
	mu  sync.Mutex
	fns map[*Worker]func(level logrus.Level, msg string)
}

var (
	streamHook     = &logStreamHook{fns: make(map[*Worker]func(logrus.Level, string))}
	streamHookOnce sync.Once
)

func (h *logStreamHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *logStreamHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fn := range h.fns {
		fn(entry.Level, entry.Message)
	}
	return nil
}

func (h *logStreamHook) add(w *Worker, fn func(logrus.Level, string)) {
	streamHookOnce.Do(func() { logrus.AddHook(h) })
	h.mu.Lock()
	h.fns[w] = fn
	h.mu.Unlock()
}

func (h *logStreamHook) remove(w *Worker) {
	h.mu.Lock()
	delete(h.fns, w)
	h.mu.Unlock()
}

// SetPairs replaces the pair list for subsequent runs. The running cycle, if
// any, finishes with the old list.
func (w *Worker) SetPairs(pairs []*pairsync.Pair) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pairs = pairs
}

// Status returns the current job status.
func (w *Worker) Status() JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Statistics returns a copy of the accumulated counters.
func (w *Worker) Statistics() Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// ResetStatistics zeroes the counters.
func (w *Worker) ResetStatistics() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats = Statistics{}
}

// Pause suspends scheduled cycles. A running cycle finishes first.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.setStatus(StatusPaused)
}

// Resume lifts a pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.setStatus(StatusStopped)
}

// RunManual executes one sync cycle over all enabled pairs and blocks until
// it finishes. Refused while another cycle is already running.
func (w *Worker) RunManual(ctx context.Context) ([]pairsync.SyncResult, error) {
	if !w.tryBegin() {
		return nil, fmt.Errorf("a sync run is already in progress")
	}
	defer w.end()
	return w.runCycle(ctx), nil
}

// RunScheduledCycle is the tick handler of the scheduler: it skips silently
// when paused or when a cycle is still running.
func (w *Worker) RunScheduledCycle(ctx context.Context) {
	w.mu.Lock()
	paused := w.paused
	w.mu.Unlock()
	if paused {
		return
	}
	if !w.tryBegin() {
		w.log.Debug("Previous sync cycle still running, tick skipped")
		return
	}
	defer w.end()
	w.runCycle(ctx)
}

// StartScheduled launches the background loop firing a cycle every interval.
// Returns an error when the loop is already running.
func (w *Worker) StartScheduled(ctx context.Context, interval time.Duration) error {
	w.mu.Lock()
	if w.stopCh != nil {
		w.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	w.stopCh, w.doneCh = stopCh, doneCh
	w.mu.Unlock()

	w.log.WithField("interval", interval).Info("Scheduled sync started")
	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				w.RunScheduledCycle(ctx)
			}
		}
	}()
	return nil
}

// StopScheduled stops the background loop and waits for it to exit. The
// in-flight cycle, if any, completes first.
func (w *Worker) StopScheduled() {
	w.mu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh, w.doneCh = nil, nil
	w.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
	w.setStatus(StatusStopped)
	w.log.Info("Scheduled sync stopped")
}

// SetupInfrastructure provisions changelogs and triggers for every enabled
// pair. Errors are collected per pair, not fatal.
func (w *Worker) SetupInfrastructure(ctx context.Context) []error {
	return w.forEachPair(ctx, func(ctx context.Context, eng *pairsync.Engine) []error {
		return eng.SetupInfrastructure(ctx)
	})
}

// TeardownInfrastructure removes the capture triggers for every enabled pair.
func (w *Worker) TeardownInfrastructure(ctx context.Context) []error {
	return w.forEachPair(ctx, func(ctx context.Context, eng *pairsync.Engine) []error {
		return eng.TeardownInfrastructure(ctx)
	})
}

// ValidateAll checks connectivity and table preconditions for every enabled
// pair.
func (w *Worker) ValidateAll(ctx context.Context) []error {
	return w.forEachPair(ctx, func(ctx context.Context, eng *pairsync.Engine) []error {
		return eng.Validate(ctx)
	})
}

// Cleanup stops the scheduler, drops the log subscription, and resets the
// worker to idle.
func (w *Worker) Cleanup() {
	streamHook.remove(w)
	w.StopScheduled()
	w.mu.Lock()
	w.running = false
	w.paused = false
	w.mu.Unlock()
	w.setStatus(StatusStopped)
}

func (w *Worker) tryBegin() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return false
	}
	w.running = true
	return true
}

func (w *Worker) end() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// runCycle syncs every enabled pair sequentially. A panic anywhere inside
// flips the worker to the error state instead of tearing down the process.
func (w *Worker) runCycle(ctx context.Context) (all []pairsync.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Sync cycle panicked")
			w.setStatus(StatusError)
			w.emitError("", fmt.Errorf("sync cycle panicked: %v", r))
		}
	}()

	w.mu.Lock()
	pairs := make([]*pairsync.Pair, 0, len(w.pairs))
	for _, p := range w.pairs {
		if p.Enabled {
			pairs = append(pairs, p)
		}
	}
	w.mu.Unlock()

	w.setStatus(StatusRunning)
	start := time.Now()
	failed := 0
	records := 0

	for i, pair := range pairs {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			time.Sleep(interPairDelay)
		}
		w.emitProgress(pair.Name, i, len(pairs))

		results, err := w.runPair(ctx, pair)
		all = append(all, results...)
		if err != nil {
			failed++
			w.emitError(pair.Name, err)
			continue
		}
		// Only fatal results (connectivity, validation) count the pair as
		// failed; per-record apply errors stay recorded in the SyncResult
		// and the cycle still completes.
		var pairErr error
		fatal := false
		for _, res := range results {
			records += res.RecordsSynced
			if !res.Success {
				fatal = fatal || res.Fatal
				pairErr = fmt.Errorf("table %s: %d errors", res.Table, len(res.Errors))
			}
		}
		if fatal {
			failed++
		}
		if pairErr != nil {
			w.emitError(pair.Name, pairErr)
		}
		w.emitCompleted(pair.Name, results)
		w.emitProgress(pair.Name, i+1, len(pairs))
	}

	w.mu.Lock()
	w.stats.CyclesRun++
	w.stats.PairsSynced += len(pairs) - failed
	w.stats.PairsFailed += failed
	w.stats.RecordsSynced += records
	w.stats.LastRunStart = start
	w.stats.LastRunEnd = time.Now()
	w.mu.Unlock()

	switch {
	case ctx.Err() != nil:
		// Cancellation observed between pairs: Running -> Stopped.
		w.setStatus(StatusStopped)
	case failed > 0:
		w.setStatus(StatusError)
	default:
		w.setStatus(StatusCompleted)
	}
	w.log.WithFields(logrus.Fields{
		"pairs":   len(pairs),
		"failed":  failed,
		"records": records,
	}).Info("Sync cycle complete")
	return all
}

// runPair validates the pair's preconditions first; findings are recorded as
// a failed result for the pair instead of aborting the whole cycle.
func (w *Worker) runPair(ctx context.Context, pair *pairsync.Pair) ([]pairsync.SyncResult, error) {
	eng, err := pairsync.NewEngine(pair, w.opts)
	if err != nil {
		return nil, err
	}
	if errs := eng.Validate(ctx); len(errs) > 0 {
		eng.Close()
		res := pairsync.SyncResult{Table: "validation", Fatal: true, StartTime: time.Now(), EndTime: time.Now()}
		for _, e := range errs {
			res.Errors = append(res.Errors, e.Error())
		}
		return []pairsync.SyncResult{res}, nil
	}
	return eng.SyncAll(ctx), nil
}

func (w *Worker) forEachPair(ctx context.Context, fn func(context.Context, *pairsync.Engine) []error) []error {
	w.mu.Lock()
	pairs := make([]*pairsync.Pair, len(w.pairs))
	copy(pairs, w.pairs)
	w.mu.Unlock()

	var errs []error
	for _, pair := range pairs {
		if !pair.Enabled {
			continue
		}
		eng, err := pairsync.NewEngine(pair, w.opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, fn(ctx, eng)...)
		eng.Close()
	}
	return errs
}

func (w *Worker) setStatus(s JobStatus) {
	w.mu.Lock()
	changed := w.status != s
	w.status = s
	cb := w.events.StatusChanged
	w.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}

func (w *Worker) emitProgress(pair string, done, total int) {
	if w.events.Progress != nil {
		w.events.Progress(pair, done, total)
	}
}

func (w *Worker) emitCompleted(pair string, results []pairsync.SyncResult) {
	if w.events.PairCompleted != nil {
		w.events.PairCompleted(pair, results)
	}
}

func (w *Worker) emitError(pair string, err error) {
	if w.events.Error != nil {
		w.events.Error(pair, err)
	}
}
