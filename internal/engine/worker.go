package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/postloom/postloom/backend/internal/accounts"
	"github.com/postloom/postloom/backend/internal/lifecycle"
	"github.com/postloom/postloom/backend/internal/models"
	"github.com/postloom/postloom/backend/internal/publisher"
	"github.com/postloom/postloom/backend/internal/store"
)

// DispatcherConfig tunes the dispatch worker.
type DispatcherConfig struct {
	// Interval between sweeps for due dispatch requests.
	Interval time.Duration
	// BatchSize is the maximum number of requests claimed per sweep.
	BatchSize int
	// PublishTimeout bounds a single external publish call.
	PublishTimeout time.Duration
	// Liveness is how long a claim is honored before a crashed worker's
	// request becomes claimable again.
	Liveness time.Duration
	Retry    RetryPolicy
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:       30 * time.Second,
		BatchSize:      25,
		PublishTimeout: 30 * time.Second,
		Liveness:       5 * time.Minute,
		Retry:          DefaultRetryPolicy(),
	}
}

// Dispatcher claims due dispatch requests, runs publish attempts and
// finalizes outcomes. Multiple dispatchers may run concurrently across
// processes; the claim UPDATE in the dispatch store is the only
// serialization point.
type Dispatcher struct {
	posts     *store.PostStore
	dispatch  *store.DispatchStore
	directory *accounts.Directory
	registry  *publisher.Registry
	cfg       DispatcherConfig
	log       logrus.FieldLogger
	owner     string
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(s *store.Stores, dir *accounts.Directory, reg *publisher.Registry, cfg DispatcherConfig, log logrus.FieldLogger) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 30 * time.Second
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Dispatcher{
		posts:     s.Posts,
		dispatch:  s.Dispatch,
		directory: dir,
		registry:  reg,
		cfg:       cfg,
		log:       log,
		owner:     "dispatcher_" + randHex(8),
		now:       time.Now,
	}
}

// Run polls until the context is cancelled. Each due request is dispatched in
// its own goroutine so one slow platform call never delays other posts.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.WithFields(logrus.Fields{
		"owner": d.owner, "interval": d.cfg.Interval.String(), "batch": d.cfg.BatchSize,
	}).Info("dispatch worker started")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.log.WithField("owner", d.owner).Info("dispatch worker stopped")
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	claimed, err := d.dispatch.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.owner, d.cfg.Liveness)
	if err != nil {
		d.log.WithError(err).Error("dispatch sweep failed")
		return
	}
	if len(claimed) == 0 {
		return
	}
	d.log.WithField("claimed", len(claimed)).Info("dispatching due posts")
	for _, req := range claimed {
		req := req
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatchOne(ctx, req)
		}()
	}
}

// DispatchOnce runs a single sweep synchronously. Exposed for tests and for
// one-shot invocations.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	claimed, err := d.dispatch.ClaimDue(ctx, d.now(), d.cfg.BatchSize, d.owner, d.cfg.Liveness)
	if err != nil {
		return 0, err
	}
	for _, req := range claimed {
		d.dispatchOne(ctx, req)
	}
	return len(claimed), nil
}

// dispatchOne executes one claimed publish attempt end to end. Every
// finalizing write is guarded by the claimed generation; a guard miss means
// the request was superseded mid-flight and the outcome is discarded.
func (d *Dispatcher) dispatchOne(ctx context.Context, req models.DispatchRequest) {
	attempt := req.Attempt + 1
	log := d.log.WithFields(logrus.Fields{
		"postId": req.PostID, "attempt": attempt, "generation": req.Generation,
	})

	p, err := d.posts.Get(ctx, req.PostID)
	if err == store.ErrNotFound {
		// Post gone underneath its dispatch row; drop the orphan.
		_ = d.dispatch.Ack(ctx, req.PostID, req.Generation)
		log.Warn("dispatch dropped: post no longer exists")
		return
	}
	if err != nil {
		log.WithError(err).Error("dispatch aborted: post load failed")
		return
	}
	if p.Status != models.StatusScheduled {
		_ = d.dispatch.Ack(ctx, req.PostID, req.Generation)
		log.WithField("status", p.Status).Warn("dispatch dropped: post left scheduled state")
		return
	}

	platformPostID, err := d.attempt(ctx, p)
	if err == nil {
		d.finalizeSuccess(ctx, req, p.Status, platformPostID, log)
		return
	}
	d.handleFailure(ctx, req, p.Status, attempt, err, log)
}

// outcome consults the transition table for an engine-driven event. The same
// transitions are enforced again at write time by the generation-conditional
// updates; the table stays the single authority for what the engine may do.
func (d *Dispatcher) outcome(status models.PostStatus, event lifecycle.Event) (lifecycle.Outcome, error) {
	return lifecycle.Apply(lifecycle.Input{
		Status:     status,
		Event:      event,
		Role:       lifecycle.RoleEngine,
		HasDueTime: true,
	})
}

// attempt resolves the account and runs the platform call, bounded by the
// per-call timeout.
func (d *Dispatcher) attempt(ctx context.Context, p *models.Post) (string, error) {
	acct, err := d.directory.Resolve(ctx, p.AccountID)
	if err != nil {
		// A missing, disabled or undecryptable account will not heal on a
		// retry timer.
		return "", publisher.Permanent("account", "account unusable: %v", err)
	}
	pub, err := d.registry.For(acct.Platform)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	media := ""
	if p.MediaURL != nil {
		media = *p.MediaURL
	}
	return pub.Publish(callCtx, publisher.Request{
		ExternalID:  acct.ExternalID,
		AccessToken: acct.AccessToken,
		Content:     p.Content,
		MediaURL:    media,
	})
}

func (d *Dispatcher) finalizeSuccess(ctx context.Context, req models.DispatchRequest, status models.PostStatus, platformPostID string, log logrus.FieldLogger) {
	out, err := d.outcome(status, lifecycle.EventDispatchSucceeded)
	if err != nil {
		log.WithError(err).Warn("publish outcome discarded: transition not allowed")
		return
	}
	err = d.posts.FinalizePosted(ctx, req.PostID, req.Generation, platformPostID, d.now())
	if errors.Is(err, store.ErrStaleWrite) {
		log.Warn("publish outcome discarded: generation superseded")
		return
	}
	if err != nil {
		log.WithError(err).Error("finalize posted failed")
		return
	}
	if out.CancelDispatch {
		if err := d.dispatch.Ack(ctx, req.PostID, req.Generation); err != nil && !errors.Is(err, store.ErrStaleWrite) {
			log.WithError(err).Error("dispatch ack failed")
		}
	}
	log.WithField("platformPostId", platformPostID).Info("post published")
}

func (d *Dispatcher) handleFailure(ctx context.Context, req models.DispatchRequest, status models.PostStatus, attempt int, cause error, log logrus.FieldLogger) {
	if retry, delay := d.cfg.Retry.ShouldRetry(attempt, cause); retry {
		out, err := d.outcome(status, lifecycle.EventDispatchRetry)
		if err != nil {
			log.WithError(err).Warn("retry discarded: transition not allowed")
			return
		}
		if !out.RegisterDispatch {
			return
		}
		nextDue := d.now().Add(delay)
		err = d.dispatch.Reschedule(ctx, req.PostID, req.Generation, nextDue, attempt)
		if errors.Is(err, store.ErrStaleWrite) {
			log.Warn("retry discarded: generation superseded")
			return
		}
		if err != nil {
			log.WithError(err).Error("retry reschedule failed")
			return
		}
		log.WithFields(logrus.Fields{
			"error": cause.Error(), "nextDueAt": nextDue.UTC().Format(time.RFC3339),
		}).Warn("publish attempt failed; retry scheduled")
		return
	}

	out, err := d.outcome(status, lifecycle.EventDispatchFailed)
	if err != nil {
		log.WithError(err).Warn("failure outcome discarded: transition not allowed")
		return
	}
	msg := failureMessage(attempt, d.cfg.Retry.MaxAttempts, cause)
	err = d.posts.FinalizeError(ctx, req.PostID, req.Generation, msg)
	if errors.Is(err, store.ErrStaleWrite) {
		log.Warn("failure outcome discarded: generation superseded")
		return
	}
	if err != nil {
		log.WithError(err).Error("finalize error failed")
		return
	}
	if out.CancelDispatch {
		if err := d.dispatch.Ack(ctx, req.PostID, req.Generation); err != nil && !errors.Is(err, store.ErrStaleWrite) {
			log.WithError(err).Error("dispatch ack failed")
		}
	}
	log.WithField("error", cause.Error()).Error("post finalized as errored")
}

// failureMessage builds the human-readable error_message stored on the post.
func failureMessage(attempt, ceiling int, cause error) string {
	if publisher.IsTransient(cause) && attempt >= ceiling {
		return fmt.Sprintf("gave up after %d attempts: %v", attempt, cause)
	}
	return cause.Error()
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
