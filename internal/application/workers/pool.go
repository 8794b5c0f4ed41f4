package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Result records the outcome of one named task.
type Result struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Success reports whether the task completed without error.
func (r Result) Success() bool {
	return r.Err == nil
}

// Pool executes named tasks with bounded parallelism. Services inside
// one dependency wave are independent, so the pool may start them
// concurrently; waves themselves always run in order.
type Pool struct {
	size   int
	logger *zap.Logger
}

// NewPool creates a pool running at most size tasks at a time. A size
// below one degrades to sequential execution.
func NewPool(size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{size: size, logger: logger}
}

// Size returns the configured parallelism.
func (p *Pool) Size() int {
	return p.size
}

// Run executes one wave: every named task, at most size at a time.
// It blocks until all of them finish and returns one result per name.
// Names that were never started because ctx was cancelled report the
// context error.
func (p *Pool) Run(ctx context.Context, names []string, task func(ctx context.Context, name string) error) []Result {
	if len(names) == 0 {
		return nil
	}

	workers := p.size
	if workers > len(names) {
		workers = len(names)
	}

	jobs := make(chan string)
	out := make(chan Result, len(names))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range jobs {
				started := time.Now()
				err := task(ctx, name)
				out <- Result{Name: name, Err: err, Duration: time.Since(started)}
			}
		}()
	}

feed:
	for i, name := range names {
		select {
		case jobs <- name:
		case <-ctx.Done():
			for _, skipped := range names[i:] {
				out <- Result{Name: skipped, Err: ctx.Err()}
			}
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]Result, 0, len(names))
	for r := range out {
		results = append(results, r)
	}
	return results
}

// RunWaves executes waves in order, tasks within one wave in parallel.
// Execution stops after the first wave that records a failure; later
// waves never start. The returned slice holds one result for every
// task that ran, in completion order, and firstErr carries the error
// of the earliest-named failed task in the failing wave.
func (p *Pool) RunWaves(ctx context.Context, waves [][]string, task func(ctx context.Context, name string) error) ([]Result, error) {
	var all []Result

	for i, wave := range waves {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		p.logger.Debug("starting wave",
			zap.Int("wave", i+1),
			zap.Int("of", len(waves)),
			zap.Strings("services", wave),
			zap.Int("workers", p.size))

		results := p.Run(ctx, wave, task)
		all = append(all, results...)

		if err := firstFailure(wave, results); err != nil {
			p.logger.Error("wave failed, aborting remaining waves",
				zap.Int("wave", i+1),
				zap.Error(err))
			return all, err
		}
	}
	return all, nil
}

// firstFailure returns the error of the failed task that comes first
// in the wave's declared order, keeping abort errors deterministic
// when several tasks of one wave fail together.
func firstFailure(wave []string, results []Result) error {
	byName := make(map[string]error, len(results))
	for _, r := range results {
		if r.Err != nil {
			byName[r.Name] = r.Err
		}
	}
	for _, name := range wave {
		if err, ok := byName[name]; ok {
			return err
		}
	}
	return nil
}
