package version

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riverstream/river/pkg/sharedbuffer"
)

// Start launches the three background workers (pin, unpin, buffer-tracker)
// as an errgroup.Group, each owning its own channels and ticking
// independently, per the teacher's one-goroutine-per-concern loop shape
// generalized from a fixed ticker to backoff-with-jitter on error. It
// returns a stop function; canceling ctx has the same effect.
func (m *Manager) Start(ctx context.Context) (stop func(), wait func() error) {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.pinWorker(gctx) })
	g.Go(func() error { return m.unpinWorker(gctx) })
	g.Go(func() error { return m.bufferTrackerWorker(gctx) })

	return cancel, g.Wait
}

// pinWorker continuously asks the coordinator for the latest version,
// backing off on error, and exits once ctx is cancelled (in production
// this also checks an owning strong-reference count; here ctx
// cancellation is that signal, since pkg/meta's in-process client has no
// separate process lifetime to track).
func (m *Manager) pinWorker(ctx context.Context) error {
	delay := m.cfg.RetryConfig.BaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		v, err := m.coord.PinVersion(ctx, m.CurrentVersionID())
		if err != nil {
			m.logger.Warn().Err(err).Msg("pin_version failed, backing off")
			if !sleepBackoff(ctx, &delay, m.cfg.RetryConfig.MaxDelay) {
				return nil
			}
			continue
		}
		delay = m.cfg.RetryConfig.BaseDelay
		if delay <= 0 {
			delay = 50 * time.Millisecond
		}
		if err := m.TryUpdatePinnedVersion(v); err != nil {
			m.logger.Warn().Err(err).Msg("coordinator offered an invalid version")
		}

		select {
		case <-time.After(1 * time.Second):
		case <-ctx.Done():
			return nil
		}
	}
}

// unpinWorker batches released version ids and retries UnpinVersion with
// exponential backoff + jitter, draining pendingUnpin on each tick.
func (m *Manager) unpinWorker(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.unpinMu.Lock()
			batch := m.pendingUnpin
			m.pendingUnpin = nil
			m.unpinMu.Unlock()
			if len(batch) == 0 {
				continue
			}
			if err := retryUnpin(ctx, m, batch); err != nil {
				m.logger.Warn().Err(err).Int("count", len(batch)).Msg("unpin_version failed after retries, requeuing")
				m.unpinMu.Lock()
				m.pendingUnpin = append(m.pendingUnpin, batch...)
				m.unpinMu.Unlock()
			}
		}
	}
}

func retryUnpin(ctx context.Context, m *Manager, ids []uint64) error {
	delay := m.cfg.RetryConfig.BaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	maxAttempts := 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := m.coord.UnpinVersion(ctx, ids); err == nil {
			return nil
		} else if attempt == maxAttempts-1 {
			return err
		}
		if !sleepBackoff(ctx, &delay, m.cfg.RetryConfig.MaxDelay) {
			return ctx.Err()
		}
	}
	return nil
}

// bufferTrackerWorker polls NeedMoreFlush and spawns a flush for a
// non-syncing epoch with uploadable batches when unflushed bytes exceed
// flush_threshold (accounting for in-flight uploads).
func (m *Manager) bufferTrackerWorker(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !m.tracker.NeedMoreFlush() {
				continue
			}
			m.spawnFlush(ctx)
		}
	}
}

// spawnFlush picks one non-syncing epoch with uploadable batches and
// starts a FlushWriteBatch upload for it, bounded by the manager's flush
// concurrency semaphore.
func (m *Manager) spawnFlush(ctx context.Context) {
	m.mu.RLock()
	var target *epochBuffer
	for _, eb := range m.buffers {
		if eb.syncing || eb.buf.UnuploadedSize() == 0 {
			continue
		}
		target = eb
		break
	}
	m.mu.RUnlock()
	if target == nil {
		return
	}

	taskID, batches, size, ok := target.buf.NewUploadTask(sharedbuffer.FlushWriteBatch)
	if !ok {
		return
	}
	m.mu.Lock()
	target.flushing++
	m.mu.Unlock()
	m.tracker.markUploading(uint64(size))

	go func() {
		defer func() {
			m.mu.Lock()
			target.flushing--
			m.mu.Unlock()
		}()
		ssts, err := m.upload(ctx, batches)
		if err != nil {
			target.buf.FailUpload(taskID)
			m.tracker.uploadFailed(uint64(size))
			return
		}
		if err := target.buf.SucceedUpload(taskID, ssts); err != nil {
			m.logger.Warn().Err(err).Msg("succeed_upload rejected")
			return
		}
		m.tracker.release(uint64(size))
		m.signalRelease()
	}()
}

// sleepBackoff waits a jittered interval between *delay/2 and *delay (or
// until ctx is done), then doubles delay up to maxDelay. Returns false if
// ctx was cancelled first.
func sleepBackoff(ctx context.Context, delay *time.Duration, maxDelay time.Duration) bool {
	wait := *delay/2 + time.Duration(rand.Int63n(int64(*delay)+1))/2
	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return false
	}
	*delay *= 2
	if maxDelay > 0 && *delay > maxDelay {
		*delay = maxDelay
	}
	return true
}
