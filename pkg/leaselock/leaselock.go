// Package leaselock provides named, expiring locks held in Postgres so that
// maintenance runs on different processes do not race, plus an in-process
// equivalent for single-node setups and tests.
package leaselock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/kihiu-ho/llm-entity-graph-sub001/internal/util"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/common"
	"github.com/kihiu-ho/llm-entity-graph-sub001/pkg/logger"
)

var (
	ErrBusy = errors.New("lease lock busy")
	ErrLost = errors.New("lease lock lost")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Locker runs fn while holding the lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Options tune a lease. Zero fields take defaults: a 5 minute TTL renewed
// at half its length, polling busy locks every 250ms.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait polls a busy lock until it is free or ctx is done. Without it
	// Acquire fails with ErrBusy.
	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	TokenPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL < time.Millisecond {
		o.TTL = 5 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	o.WaitJitter = max(o.WaitJitter, 0)
	return o
}

// renewPolicy retries a failed renewal twice before the lease is given up.
var renewPolicy = util.RetryPolicy{
	MaxTries:  3,
	Backoff:   util.Backoff{Initial: 200 * time.Millisecond, Multiplier: 1},
	Retryable: func(err error) bool { return !errors.Is(err, ErrLost) },
}

// Client hands out leases stored in the lease_locks table.
type Client struct {
	db       dbConn
	defaults Options
}

// New returns a client on db. defaults apply to WithLock; without them
// WithLock waits for busy locks.
func New(db dbConn, defaults ...Options) *Client {
	c := &Client{db: db, defaults: Options{Wait: true, WaitJitter: 100 * time.Millisecond}}
	if len(defaults) > 0 {
		c.defaults = defaults[0]
	}
	return c
}

// WithLock implements Locker with the client's default options.
func (c *Client) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return c.WithLease(ctx, key, c.defaults, fn)
}

// WithLease runs fn while holding key. fn's context is cancelled when the
// lease is lost.
func (c *Client) WithLease(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(context.Background()); err != nil {
			logger.Warn("[Lease] Release failed", "key", key, "err", err)
		}
	}()
	return fn(lease.Context)
}

// Acquire takes the lease on key. A lease held by another token is taken
// over once it has expired.
func (c *Client) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if key == "" {
		return nil, common.NewError(common.InvalidConfig, "lease lock key is empty")
	}
	opts = opts.withDefaults()

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	l := &Lease{
		Key:    key,
		Token:  opts.TokenPrefix + id,
		client: c,
		ttl:    opts.TTL,
		stopCh: make(chan struct{}),
	}

	for {
		ok, err := l.claim(ctx, tryAcquireSQL)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if err := pause(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	l.Context, l.cancel = context.WithCancelCause(ctx)
	go l.keepAlive(opts.RenewEvery)
	return l, nil
}

// Lease is a held lock. Context is done once the lease is released or
// lost.
type Lease struct {
	Key     string
	Token   string
	Context context.Context

	client *Client
	ttl    time.Duration
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Release stops renewal and deletes the row if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})
	if _, err := l.client.db.Exec(ctx, releaseSQL, l.Key, l.Token); err != nil {
		return common.WrapError(common.StoreUnavailable, err, "release lease %s", l.Key)
	}
	return nil
}

// claim runs an acquire or renew statement. It reports false when the row
// belongs to another live lease.
func (l *Lease) claim(ctx context.Context, sql string) (bool, error) {
	var key string
	err := l.client.db.QueryRow(ctx, sql, l.Key, l.Token, l.ttl.Milliseconds()).Scan(&key)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, common.WrapError(common.StoreUnavailable, err, "lease %s", l.Key)
	}
	return key != "", nil
}

func (l *Lease) keepAlive(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := util.RetryErrWithContext(l.Context, renewPolicy, l.renew); err != nil {
				logger.Warn("[Lease] Lease lost", "key", l.Key, "err", err)
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renew(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	ok, err := l.claim(ctx, renewSQL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLost
	}
	return nil
}

func pause(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// The expiry arithmetic runs in Postgres so that holders on different
// hosts share one clock.
const (
	tryAcquireSQL = `
		INSERT INTO lease_locks AS l (lock_key, locked_by, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3::bigint / 1000.0))
		ON CONFLICT (lock_key) DO UPDATE
		SET locked_by = EXCLUDED.locked_by, expires_at = EXCLUDED.expires_at
		WHERE l.expires_at < now() OR l.locked_by = EXCLUDED.locked_by
		RETURNING lock_key`

	renewSQL = `
		UPDATE lease_locks
		SET expires_at = now() + make_interval(secs => $3::bigint / 1000.0)
		WHERE lock_key = $1 AND locked_by = $2
		RETURNING lock_key`

	releaseSQL = `DELETE FROM lease_locks WHERE lock_key = $1 AND locked_by = $2`
)
