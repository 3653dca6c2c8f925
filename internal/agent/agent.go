package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onebox-labs/onebox/internal/credential"
	"github.com/onebox-labs/onebox/internal/models"
)

// Inbox is the only folder the sync core watches.
const Inbox = "INBOX"

// logoutTimeout bounds the best-effort logout on teardown.
const logoutTimeout = 2 * time.Second

// StatusSink receives every state transition of an agent, in order.
type StatusSink interface {
	AgentStatus(key models.AccountKey, state models.AgentState)
}

// Ingestor hands a fetched message to the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, key models.AccountKey, folder string, raw *models.RawMessage) error
}

// Options are the agent tunables. Zero values take the documented defaults.
type Options struct {
	BackfillWindow time.Duration
	IdleMax        time.Duration
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
	RetryBase      time.Duration
	RetryCap       time.Duration
}

func (o Options) withDefaults() Options {
	if o.BackfillWindow <= 0 {
		o.BackfillWindow = 24 * time.Hour
	}
	if o.IdleMax <= 0 {
		o.IdleMax = 28 * time.Minute
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 5 * time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 60 * time.Second
	}
	return o
}

// Agent owns exactly one live IMAP session for one account: initial
// backfill, then long-lived IDLE, recovering autonomously from transient
// failures. Messages are handed to the pipeline serially, in arrival order.
type Agent struct {
	key    models.AccountKey
	creds  credential.Store
	dialer Dialer
	ingest Ingestor
	sink   StatusSink
	opts   Options
	log    *slog.Logger
}

func New(key models.AccountKey, creds credential.Store, dialer Dialer, ingest Ingestor, sink StatusSink, opts Options) *Agent {
	return &Agent{
		key:    key,
		creds:  creds,
		dialer: dialer,
		ingest: ingest,
		sink:   sink,
		opts:   opts.withDefaults(),
		log:    slog.With("userId", key.UserID, "email", key.Email),
	}
}

// Run drives the agent until ctx is canceled or the account turns out to
// be unauthorized. The caller owns the goroutine.
func (a *Agent) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			a.publish(models.StateStopped())
			return
		}

		err := a.runSession(ctx, &attempt)
		if ctx.Err() != nil {
			a.publish(models.StateStopped())
			return
		}

		if errors.Is(err, credential.ErrNotAuthorized) {
			// Permanent until a new credential is stored; requires an
			// external restart.
			a.log.Warn("account unauthorized, agent halting")
			a.publish(models.StateError("unauthorized"))
			return
		}

		a.log.Warn("sync session failed", "attempt", attempt, "error", err)
		a.publish(models.StateError(err.Error()))

		if sleepErr := sleepCtx(ctx, a.backoff(attempt)); sleepErr != nil {
			a.publish(models.StateStopped())
			return
		}
		attempt++
	}
}

// runSession performs one connect → backfill → IDLE cycle. It returns on
// any failure or when ctx is canceled.
func (a *Agent) runSession(ctx context.Context, attempt *int) error {
	a.publish(models.StateStarting())

	credCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	cred, err := a.creds.GetFresh(credCtx, a.key)
	cancel()
	if err != nil {
		return fmt.Errorf("obtaining credential: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	sess, err := a.dialer.Dial(dialCtx, a.key.Email, cred.AccessToken)
	cancel()
	if err != nil {
		return err
	}
	defer a.logout(sess)

	// A stop that raced the connect must not surface further states.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	a.publish(models.StateSyncing())

	count, err := sess.Select(ctx, Inbox)
	if err != nil {
		return err
	}

	if err := a.backfill(ctx, sess); err != nil {
		return err
	}

	a.publish(models.StateIdle())
	*attempt = 0

	return a.idleLoop(ctx, sess, count)
}

// backfill fetches every inbox message inside the window and hands it to
// the pipeline. The server-side SINCE match is day-granular, so anything
// older than the cutoff by internal date is skipped here.
func (a *Agent) backfill(ctx context.Context, sess Session) error {
	cutoff := time.Now().Add(-a.opts.BackfillWindow)

	uids, err := sess.SearchSince(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, uid := range uids {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
		raw, err := sess.FetchUID(fetchCtx, uid)
		cancel()
		if err != nil {
			return fmt.Errorf("fetching uid %d: %w", uid, err)
		}

		if raw.InternalDate.Before(cutoff) {
			continue
		}
		a.deliver(ctx, raw)
	}
	return nil
}

// idleLoop holds IDLE, fetching each newly announced message and cycling
// the IDLE before the server-side timeout.
func (a *Agent) idleLoop(ctx context.Context, sess Session, lastCount uint32) error {
	stop, err := sess.IdleStart()
	if err != nil {
		return err
	}

	keepalive := time.NewTimer(a.opts.IdleMax)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = stop()
			return ctx.Err()

		case ev, ok := <-sess.Events():
			if !ok {
				return errors.New("imap session closed")
			}
			if ev.Err != nil {
				_ = stop()
				return ev.Err
			}
			if ev.Exists == nil {
				continue
			}

			count := *ev.Exists
			if count <= lastCount {
				// Shrink means expunge; nothing to fetch.
				lastCount = count
				continue
			}

			if err := stop(); err != nil {
				return err
			}
			for seq := lastCount + 1; seq <= count; seq++ {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fetchCtx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
				raw, err := sess.FetchSeq(fetchCtx, seq)
				cancel()
				if err != nil {
					return fmt.Errorf("fetching seq %d: %w", seq, err)
				}
				a.deliver(ctx, raw)
			}
			lastCount = count

			if stop, err = sess.IdleStart(); err != nil {
				return err
			}
			resetTimer(keepalive, a.opts.IdleMax)

		case <-keepalive.C:
			// Cycle IDLE to stay under server-side timeouts.
			if err := stop(); err != nil {
				return err
			}
			if stop, err = sess.IdleStart(); err != nil {
				return err
			}
			keepalive.Reset(a.opts.IdleMax)
		}
	}
}

// deliver hands one message to the pipeline, bounded by the fetch timeout.
// A pipeline failure abandons the message with a log line; it is not a
// state transition.
func (a *Agent) deliver(ctx context.Context, raw *models.RawMessage) {
	ingestCtx, cancel := context.WithTimeout(ctx, a.opts.FetchTimeout)
	defer cancel()

	if err := a.ingest.Ingest(ingestCtx, a.key, Inbox, raw); err != nil {
		a.log.Error("message ingestion failed", "uid", raw.UID, "error", err)
	}
}

func (a *Agent) logout(sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
	defer cancel()
	if err := sess.Logout(ctx); err != nil {
		a.log.Debug("logout failed", "error", err)
	}
}

func (a *Agent) publish(state models.AgentState) {
	a.sink.AgentStatus(a.key, state)
}

// backoff returns min(base·2^attempt, cap) with ±20% jitter.
func (a *Agent) backoff(attempt int) time.Duration {
	delay := a.opts.RetryBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= a.opts.RetryCap {
			delay = a.opts.RetryCap
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
