package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/telemetry"
	"github.com/onnwee/clipcast/twitchapi"
)

// selectAndEnqueue picks one clip of user not served recently, queues it and
// advances playback. When every clip has been served both histories are
// cleared and the full list is eligible again. A user with no clips is a no-op.
// It returns errStale when an interrupt arrived during the lookups.
func (d *Dispatcher) selectAndEnqueue(ctx context.Context, ln *lane, epoch uint64, user string) error {
	cctx, cancel := d.callCtx(ctx)
	defer cancel()

	u, err := d.deps.Clips.GetUser(cctx, user)
	if err != nil {
		return fmt.Errorf("user %s: %w", user, err)
	}
	list, err := d.deps.Clips.ListClips(cctx, u.ID)
	if err != nil {
		return fmt.Errorf("clips of %s: %w", user, err)
	}
	all := clipRefs(list)
	if len(all) == 0 {
		telemetry.LoggerWithCorr(ctx).Info("user has no clips", slog.String("channel", ln.channel), slog.String("user", user))
		return nil
	}
	if d.dropStale(ctx, ln, epoch, "select "+user) {
		return errStale
	}

	pool := ln.state.Eligible(all)
	if len(pool) == 0 {
		slog.Debug("clip pool exhausted, resetting history", slog.String("channel", ln.channel), slog.String("user", user), slog.Int("clips", len(all)))
		ln.state.ResetHistory()
		pool = all
	}
	pick := pool[d.pick(len(pool))]
	ln.state.Record(pick.ID, user)
	ln.state.Enqueue(pick)
	d.playNext(ln)
	return nil
}

func clipRefs(list []twitchapi.Clip) []playback.ClipRef {
	out := make([]playback.ClipRef, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, c := range list {
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, playback.ClipRef{ID: c.ID, URL: c.URL, Duration: c.Duration})
	}
	return out
}
