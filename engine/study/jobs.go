package study

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WessleyAI/pdfstudy/engine/domain"
)

type jobFunc func(ctx context.Context) (detail string, err error)

// submit records a queued job and runs f in the background. The job is
// detached from ctx, which only bounds the initial save.
func (s *Service) submit(ctx context.Context, docID string, kind domain.JobKind, f jobFunc) (domain.Job, error) {
	now := s.now()
	job := domain.Job{
		ID:         s.newID(),
		DocumentID: docID,
		Kind:       kind,
		Status:     domain.JobQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		return domain.Job{}, fmt.Errorf("study: record job: %w", err)
	}
	jobsQueued.Inc()
	s.log.Info("job queued", "job_id", job.ID, "doc_id", docID, "kind", kind)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(job, f)
	}()
	return job, nil
}

func (s *Service) run(job domain.Job, f jobFunc) {
	log := s.log.With("job_id", job.ID, "doc_id", job.DocumentID, "kind", job.Kind)
	ctx := s.base
	if s.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
	}

	unlock, err := s.locks.Lock(ctx, job.DocumentID)
	if err != nil {
		s.finish(job, "", err)
		return
	}
	defer unlock()

	job.Status = domain.JobRunning
	job.UpdatedAt = s.now()
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		log.Warn("record running job failed", "err", err)
	}

	start := time.Now()
	jobsRunning.Inc()
	defer jobsRunning.Dec()
	defer jobDuration.Since(start)

	var detail string
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job panicked", "panic", r)
				err = fmt.Errorf("study: job panicked: %v", r)
			}
		}()
		detail, err = f(ctx)
	}()
	s.finish(job, detail, err)
}

// finish records the terminal state. The save outlives a cancelled job
// context so the failure stays discoverable.
func (s *Service) finish(job domain.Job, detail string, err error) {
	log := s.log.With("job_id", job.ID, "doc_id", job.DocumentID, "kind", job.Kind)
	job.UpdatedAt = s.now()
	job.Detail = detail
	if err != nil {
		job.Status = domain.JobFailed
		job.Error = err.Error()
		jobsFailed.Inc()
		log.Error("job failed", "err", err)
	} else {
		job.Status = domain.JobSucceeded
		jobsSucceeded.Inc()
		log.Info("job done", "detail", detail)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), 10*time.Second)
	defer cancel()
	if err := s.deps.Store.SaveJob(ctx, job); err != nil {
		log.Error("record job outcome failed", "status", job.Status, "err", err)
	}
}

// keyedMutex serializes work per key. Idle keys are dropped.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

// Lock acquires key, giving up when ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
