// Package dedup guarantees that a logically unique send is performed at
// most once across workers and process restarts.
//
// A send is identified by a fingerprint of its inputs. The guard holds a
// short-lived lock on the fingerprint while sending, and after a successful
// send records a longer-lived "sent" marker that short-circuits every later
// attempt with the same inputs.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"drip-engine/internal/infra/cache"
)

// ErrConflict is returned when another attempt holds the lock for the same
// fingerprint and has not recorded a sent marker by the time we give up.
var ErrConflict = errors.New("dedup: concurrent send in progress")

// Inputs are the values that make a send logically unique.
type Inputs struct {
	ChannelID     int64
	Recipient     string
	MessageType   string
	Content       string
	CorrelationID string
}

// Fingerprint returns a stable hex digest of the inputs. Fields are
// serialised as sorted key=value pairs so the digest does not depend on
// field order.
func (in Inputs) Fingerprint() string {
	fields := map[string]string{
		"channel":     fmt.Sprintf("%d", in.ChannelID),
		"recipient":   strings.TrimSpace(in.Recipient),
		"type":        in.MessageType,
		"content":     in.Content,
		"correlation": in.CorrelationID,
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		// length-prefixed so that values containing separators cannot collide
		fmt.Fprintf(h, "%s=%d:%s\n", k, len(fields[k]), fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result reports the outcome of WithDeduplication.
type Result struct {
	// Skipped is true when an earlier attempt already sent this message.
	Skipped bool
	// MessageID is the transport id of the send, ours or the earlier one.
	MessageID string
	SentAt    time.Time
}

type sentMarker struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

// maxLockPoll caps the interval between lock polls.
const maxLockPoll = time.Second

// Config controls lock and marker lifetimes.
type Config struct {
	LockTTL time.Duration
	SentTTL time.Duration
	// LockWait is the total time a caller waits on a busy lock before
	// giving up with ErrConflict. It should cover a normal send. Zero
	// means LockTTL.
	LockWait time.Duration
	// LockPoll is the first wait between polls; it doubles up to one
	// second.
	LockPoll time.Duration
}

// DefaultConfig returns the guard defaults: a 30s lock, a 24h marker and
// waiters that outlast the lock holder.
func DefaultConfig() Config {
	return Config{
		LockTTL:  30 * time.Second,
		SentTTL:  24 * time.Hour,
		LockWait: 30 * time.Second,
		LockPoll: 50 * time.Millisecond,
	}
}

// Guard implements WithDeduplication over a cache.Store.
type Guard struct {
	store cache.Store
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewGuard returns a guard storing locks and markers in store.
func NewGuard(store cache.Store, cfg Config) *Guard {
	if cfg.LockWait <= 0 {
		cfg.LockWait = cfg.LockTTL
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 50 * time.Millisecond
	}
	return &Guard{store: store, cfg: cfg, sleep: sleepCtx, now: time.Now}
}

func lockKey(fp string) string { return "dedup:lock:" + fp }
func sentKey(fp string) string { return "dedup:sent:" + fp }

// WithDeduplication runs send at most once per fingerprint of in.
//
// If a sent marker exists, send is not called and the recorded message id
// is returned with Skipped set. Otherwise the fingerprint lock is acquired.
// While another attempt holds it, the marker is polled until it appears or
// LockWait runs out, and only then is ErrConflict returned.
//
// On success the marker is written before the lock is released. On failure
// the lock is released without a marker so a later retry may send.
func (g *Guard) WithDeduplication(ctx context.Context, in Inputs, send func(ctx context.Context) (string, error)) (Result, error) {
	fp := in.Fingerprint()

	if res, ok, err := g.lookup(ctx, fp); err != nil || ok {
		return res, err
	}

	token := uuid.NewString()
	res, acquired, err := g.acquire(ctx, fp, token)
	if err != nil || !acquired {
		return res, err
	}
	defer g.release(ctx, fp, token)

	// An attempt holding the lock before us may have finished in between.
	if res, ok, err := g.lookup(ctx, fp); err != nil || ok {
		return res, err
	}

	messageID, err := send(ctx)
	if err != nil {
		return Result{}, err
	}

	marker := sentMarker{MessageID: messageID, SentAt: g.now().UTC()}
	raw, _ := json.Marshal(marker)
	if err := g.store.Set(ctx, sentKey(fp), string(raw), g.cfg.SentTTL); err != nil {
		// The message went out; the delivery log still guards the pair.
		slog.WarnContext(ctx, "failed to record sent marker",
			slog.String("fingerprint", fp),
			slog.Any("error", err))
	}
	return Result{MessageID: messageID, SentAt: marker.SentAt}, nil
}

func (g *Guard) lookup(ctx context.Context, fp string) (Result, bool, error) {
	raw, err := g.store.Get(ctx, sentKey(fp))
	if errors.Is(err, cache.ErrMiss) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("dedup lookup: %w", err)
	}
	var m sentMarker
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Result{}, false, fmt.Errorf("dedup lookup: decode marker: %w", err)
	}
	return Result{Skipped: true, MessageID: m.MessageID, SentAt: m.SentAt}, true, nil
}

// acquire takes the lock for fp. When the holder records a marker while we
// wait, that result is returned with acquired false.
func (g *Guard) acquire(ctx context.Context, fp, token string) (Result, bool, error) {
	poll := g.cfg.LockPoll
	var waited time.Duration
	for {
		ok, err := g.store.SetNX(ctx, lockKey(fp), token, g.cfg.LockTTL)
		if err != nil {
			return Result{}, false, fmt.Errorf("dedup acquire: %w", err)
		}
		if ok {
			return Result{}, true, nil
		}
		if res, found, err := g.lookup(ctx, fp); err != nil || found {
			return res, false, err
		}
		if waited >= g.cfg.LockWait {
			return Result{}, false, fmt.Errorf("WithDeduplication %s: %w", fp[:12], ErrConflict)
		}
		d := min(poll, g.cfg.LockWait-waited)
		if err := g.sleep(ctx, d); err != nil {
			return Result{}, false, err
		}
		waited += d
		poll = min(poll*2, maxLockPoll)
	}
}

func (g *Guard) release(ctx context.Context, fp, token string) {
	// Detach from ctx: the lock must be released even when the job timed out.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, err := g.store.DeleteIfEquals(releaseCtx, lockKey(fp), token); err != nil {
		slog.WarnContext(ctx, "failed to release dedup lock",
			slog.String("fingerprint", fp),
			slog.Any("error", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
