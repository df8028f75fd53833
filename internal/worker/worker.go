package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/logging"
	"github.com/vnmchuo/costops/internal/usage"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Job is a periodic background task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Report is the outcome of the most recent run of a job.
type Report struct {
	Name     string        `json:"name"`
	Status   JobStatus     `json:"status"`
	Runs     int           `json:"runs"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Runner runs each job on its own ticker until the context passed to Start
// is cancelled. A job never overlaps with itself.
type Runner struct {
	jobs []Job

	mu      sync.Mutex
	reports map[string]*Report
	wg      sync.WaitGroup
}

func NewRunner(jobs ...Job) *Runner {
	r := &Runner{reports: make(map[string]*Report)}
	for _, j := range jobs {
		if j.Interval <= 0 {
			continue
		}
		r.jobs = append(r.jobs, j)
		r.reports[j.Name] = &Report{Name: j.Name, Status: JobStatusPending}
	}
	return r
}

func (r *Runner) Start(ctx context.Context) {
	for _, j := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, j)
	}
}

// Wait blocks until every loop has returned after cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, j)
		}
	}
}

// RunOnce executes j synchronously and records its report.
func (r *Runner) RunOnce(ctx context.Context, j Job) error {
	r.update(j.Name, func(rep *Report) { rep.Status = JobStatusRunning })

	start := time.Now()
	err := j.Run(ctx)
	elapsed := time.Since(start)

	r.update(j.Name, func(rep *Report) {
		rep.Runs++
		rep.LastRun = start
		rep.Duration = elapsed
		rep.Status, rep.Error = JobStatusDone, ""
		if err != nil {
			rep.Status, rep.Error = JobStatusFailed, err.Error()
		}
	})

	log := logging.FromContext(ctx).With(zap.String("job", j.Name), zap.Duration("duration", elapsed))
	if err != nil {
		log.Error("job failed", zap.Error(err))
	} else {
		log.Debug("job finished")
	}
	return err
}

func (r *Runner) update(name string, fn func(*Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[name]
	if !ok {
		rep = &Report{Name: name}
		r.reports[name] = rep
	}
	fn(rep)
}

func (r *Runner) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Report, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *r.reports[j.Name])
	}
	return out
}

// RetentionJob deletes usage records older than days. It runs hourly.
func RetentionJob(store usage.Store, days int, now func() time.Time) Job {
	interval := time.Hour
	if days <= 0 {
		interval = 0
	}
	return Job{
		Name:     "retention",
		Interval: interval,
		Run: func(ctx context.Context) error {
			cutoff := now().AddDate(0, 0, -days)
			n, err := store.DeleteBefore(ctx, cutoff)
			if err != nil {
				return fmt.Errorf("failed to purge usage before %s: %w", cutoff.Format(time.RFC3339), err)
			}
			logging.FromContext(ctx).Info("usage purged", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
			return nil
		},
	}
}

// RecomputeJob re-prices unpriced records so that price entries added after
// ingestion take effect.
func RecomputeJob(n *ingest.Normalizer, interval time.Duration) Job {
	return Job{
		Name:     "recompute",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := n.Recompute(ctx, ingest.RecomputeRequest{UnpricedOnly: true})
			return err
		},
	}
}

// DeadLetterJob re-ingests parked records whose retry time has come.
func DeadLetterJob(d *ingest.DeadLetters, interval time.Duration) Job {
	return Job{
		Name:     "dead_letters",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := d.Retry(ctx)
			return err
		},
	}
}
