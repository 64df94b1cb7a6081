// Package commands turns chat lines into clip queue and playback effects.
//
// Every channel has a lane: one goroutine draining a buffered job queue, so
// chat commands and overlay acknowledgements for a channel apply in the
// order they were received even when their Helix calls finish out of order.
// Interrupting commands bump the channel epoch, and a job that did external I/O
// drops its effects if the epoch moved past the one it was received under.
// stop bumps on receipt. replay bumps on receipt only when there is a clip to
// replay. watch resolves its clip off the lane and bumps only once the clip is
// known, and only if no other interrupt arrived meanwhile; a watch that
// resolves nothing leaves earlier work alone.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/clipcast/access"
	"github.com/onnwee/clipcast/channels"
	"github.com/onnwee/clipcast/playback"
	"github.com/onnwee/clipcast/telemetry"
	"github.com/onnwee/clipcast/twitchapi"
)

// ClipService is the subset of the Helix client the dispatcher calls.
type ClipService interface {
	GetUser(ctx context.Context, login string) (*twitchapi.User, error)
	GetClip(ctx context.Context, id string) (*twitchapi.Clip, error)
	ListClips(ctx context.Context, broadcasterID string) ([]twitchapi.Clip, error)
	CreateClip(ctx context.Context, broadcasterID, userToken string) (string, error)
}

// Notifier pushes events to a channel's overlays.
type Notifier interface {
	PlayClip(channel string, clip playback.ClipRef)
	CloseOverlay(channel string)
}

// ConfigSource returns a channel's merged command configuration.
type ConfigSource interface {
	Config(channel string) channels.Config
}

// UserTokens returns the stored broadcaster token used to create clips.
type UserTokens interface {
	UserToken(ctx context.Context, channel string) (string, error)
}

// Announcer posts a message into a channel's chat.
type Announcer interface {
	Say(channel, text string)
}

// ErrLaneFull is returned when a channel has too many pending jobs.
var ErrLaneFull = errors.New("channel lane full")

var (
	errClosed = errors.New("dispatcher closed")
	// errStale marks effects dropped because a later interrupt superseded them.
	errStale = errors.New("superseded by a later interrupt")
	// errNoop marks commands that have nothing to act on.
	errNoop = errors.New("nothing to do")
)

// Deps are the collaborators of a Dispatcher. Tokens and Chat may be nil, in
// which case !clip always fails quietly.
type Deps struct {
	Clips   ClipService
	Overlay Notifier
	Configs ConfigSource
	Tokens  UserTokens
	Chat    Announcer
	States  *playback.Registry
}

// Options tune a Dispatcher. Zero values pick the defaults.
type Options struct {
	Timeout    time.Duration   // per external call, default 10s
	LaneBuffer int             // pending jobs per channel, default 64
	Pick       func(n int) int // returns an index in [0,n), default uniform random
}

type job struct {
	name  string
	epoch uint64
	corr  string
	run   func(ctx context.Context, ln *lane, epoch uint64)
	// applies, when set, is checked at receipt; false drops the job before
	// it can bump the epoch.
	applies func(ln *lane) bool
}

type lane struct {
	channel string
	state   *playback.State
	jobs    chan job
	epoch   atomic.Uint64
}

// stale reports whether a newer interrupting command arrived after epoch.
func (ln *lane) stale(epoch uint64) bool { return ln.epoch.Load() != epoch }

// Dispatcher owns the per-channel lanes.
type Dispatcher struct {
	deps    Deps
	timeout time.Duration
	buffer  int
	pick    func(n int) int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	resolves sync.WaitGroup // watch lookups running off the lanes

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// New returns a Dispatcher. Close must be called to stop its lanes.
func New(deps Deps, opts Options) *Dispatcher {
	if deps.States == nil {
		deps.States = playback.NewRegistry(0)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = 64
	}
	if opts.Pick == nil {
		opts.Pick = rand.IntN
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		deps:    deps,
		timeout: opts.Timeout,
		buffer:  opts.LaneBuffer,
		pick:    opts.Pick,
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
}

// States exposes the playback registry for status output.
func (d *Dispatcher) States() *playback.Registry { return d.deps.States }

// Close cancels in-flight calls and waits for every lane to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ln := range d.lanes {
		close(ln.jobs)
	}
	d.mu.Unlock()
	d.cancel()
	d.resolves.Wait()
	d.wg.Wait()
}

// laneLocked returns the channel lane, starting it on first use. d.mu must be held.
func (d *Dispatcher) laneLocked(channel string) *lane {
	key := playback.Key(channel)
	if ln, ok := d.lanes[key]; ok {
		return ln
	}
	ln := &lane{channel: key, state: d.deps.States.Get(key), jobs: make(chan job, d.buffer)}
	d.lanes[key] = ln
	d.wg.Add(1)
	go d.drain(ln)
	return ln
}

func (d *Dispatcher) drain(ln *lane) {
	defer d.wg.Done()
	for j := range ln.jobs {
		d.runJob(ln, j)
	}
}

func (d *Dispatcher) runJob(ln *lane, j job) {
	ctx := telemetry.WithCorrelation(d.ctx, j.corr)
	defer func() {
		if r := recover(); r != nil {
			telemetry.LoggerWithCorr(ctx).Error("command panicked", slog.String("channel", ln.channel), slog.String("command", j.name), slog.Any("panic", r))
		}
		telemetry.SetQueueDepth(ln.channel, ln.state.QueueLen())
	}()
	ctx, span := telemetry.StartSpan(ctx, "commands", j.name, telemetry.ChannelAttr(ln.channel), telemetry.CommandAttr(j.name))
	defer span.End()
	telemetry.TimeFunc(telemetry.CommandObserver(j.name), func() {
		j.run(ctx, ln, j.epoch)
	})
}

// submit queues j on the channel lane without blocking. An interrupting job
// bumps the epoch first and carries the bumped value. A job whose applies
// check fails is not queued and returns errNoop.
func (d *Dispatcher) submit(channel string, interrupt bool, j job) error {
	if j.corr == "" {
		j.corr = uuid.NewString()
	}
	// sends happen under d.mu so Close cannot close the lane underneath them
	// and a full check stays valid until the send
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	ln := d.laneLocked(channel)
	if j.applies != nil && !j.applies(ln) {
		return errNoop
	}
	if err := d.roomLocked(ln, j); err != nil {
		return err
	}
	if interrupt {
		j.epoch = ln.epoch.Add(1)
	} else {
		j.epoch = ln.epoch.Load()
	}
	ln.jobs <- j
	return nil
}

// commit queues an interrupting job received under epoch seen. The bump only
// happens if no other interrupt moved the epoch since then; otherwise j is
// stale and dropped.
func (d *Dispatcher) commit(ln *lane, seen uint64, j job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errClosed
	}
	if ln.epoch.Load() != seen {
		return errStale
	}
	if err := d.roomLocked(ln, j); err != nil {
		return err
	}
	// every bump happens under d.mu, so this cannot fail after the check above
	ln.epoch.CompareAndSwap(seen, seen+1)
	j.epoch = seen + 1
	ln.jobs <- j
	return nil
}

// roomLocked reports ErrLaneFull when ln cannot take another job. d.mu must be held.
func (d *Dispatcher) roomLocked(ln *lane, j job) error {
	if len(ln.jobs) < cap(ln.jobs) {
		return nil
	}
	telemetry.IncLaneDrops()
	slog.Warn("channel lane full, dropping job", slog.String("channel", ln.channel), slog.String("job", j.name))
	return ErrLaneFull
}

// HandleMessage parses one chat line and, when it is an enabled command the
// sender may run, queues its effect on the channel lane. Other lines are ignored.
func (d *Dispatcher) HandleMessage(channel string, from access.Participant, text string) {
	cmd, ok := Parse(text)
	if !ok {
		return
	}
	rule := d.deps.Configs.Config(channel).Rule(ruleKey(cmd.Name))
	if !rule.Enabled {
		telemetry.IncCommand(cmd.Name, "disabled")
		return
	}
	if !access.IsAllowed(from, rule.Roles) {
		telemetry.IncCommand(cmd.Name, "denied")
		slog.Debug("command denied", slog.String("channel", channel), slog.String("command", cmd.Name), slog.String("user", from.Login))
		return
	}
	if cmd.Name == Watch {
		d.startWatch(channel, cmd)
		return
	}
	j := job{name: cmd.Name, run: d.effect(cmd)}
	if cmd.Name == Replay {
		j.applies = func(ln *lane) bool {
			_, ok := ln.state.Last()
			return ok
		}
	}
	switch err := d.submit(channel, interrupts(cmd.Name), j); {
	case errors.Is(err, errNoop):
		telemetry.IncCommand(cmd.Name, "noop")
		slog.Debug("command has nothing to act on", slog.String("channel", channel), slog.String("command", cmd.Name))
	case err != nil:
		telemetry.IncCommand(cmd.Name, "dropped")
	}
}

// startWatch resolves the clip of a !watch off the lane so that a lookup
// which finds nothing never interrupts. On success the watch commits its
// epoch bump and queues the interrupting play.
func (d *Dispatcher) startWatch(channel string, cmd Command) {
	corr := uuid.NewString()
	ctx := telemetry.WithCorrelation(d.ctx, corr)
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", playback.Key(channel)), slog.String("command", Watch), slog.String("arg", cmd.Arg))
	id := ExtractClipID(cmd.Arg)
	if id == "" {
		recordResult(log, Watch, fmt.Errorf("%q: %w", cmd.Arg, errBadInput))
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ln := d.laneLocked(channel)
	seen := ln.epoch.Load()
	d.resolves.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.resolves.Done()
		ctx, span := telemetry.StartSpan(ctx, "commands", "watch.resolve", telemetry.ChannelAttr(ln.channel), telemetry.CommandAttr(Watch))
		defer span.End()

		cctx, cancel := d.callCtx(ctx)
		clip, err := d.deps.Clips.GetClip(cctx, id)
		cancel()
		if err != nil {
			recordResult(log, Watch, err)
			return
		}
		c := playback.ClipRef{ID: id, URL: clip.URL, Duration: clip.Duration}
		err = d.commit(ln, seen, job{name: Watch, corr: corr, run: func(_ context.Context, ln *lane, _ uint64) {
			ln.state.Interrupt(c)
			d.emit(ln.channel, c)
			recordResult(log, Watch, nil)
		}})
		switch {
		case errors.Is(err, errStale):
			telemetry.IncStaleDrops()
			recordResult(log, Watch, err)
		case errors.Is(err, ErrLaneFull):
			telemetry.IncCommand(Watch, "dropped")
		}
	}()
}

// ClipFinished handles the overlay's completion acknowledgement.
func (d *Dispatcher) ClipFinished(channel string) {
	_ = d.submit(channel, false, job{name: "clipFinished", run: func(ctx context.Context, ln *lane, epoch uint64) {
		if target := ln.state.Finish(); target != "" {
			if err := d.selectAndEnqueue(ctx, ln, epoch, target); err != nil && !errors.Is(err, errStale) {
				telemetry.LoggerWithCorr(ctx).Warn("repeat selection failed", slog.String("channel", ln.channel), slog.String("user", target), slog.Any("err", err))
			}
		}
		d.playNext(ln)
	}})
}

// OverlayJoined resets the playing flag for a freshly connected overlay and advances the queue.
func (d *Dispatcher) OverlayJoined(channel string) {
	_ = d.submit(channel, false, job{name: "overlayJoined", run: func(_ context.Context, ln *lane, _ uint64) {
		ln.state.Reset()
		d.playNext(ln)
	}})
}

func (d *Dispatcher) effect(cmd Command) func(context.Context, *lane, uint64) {
	return func(ctx context.Context, ln *lane, epoch uint64) {
		var err error
		switch cmd.Name {
		case Replay:
			d.replay(ln)
		case Repeat:
			ln.state.SetRepeat(cmd.Arg)
			err = d.selectAndEnqueue(ctx, ln, epoch, cmd.Arg)
		case StopRepeat:
			ln.state.ClearRepeat()
		case Stop:
			ln.state.Stop()
			d.deps.Overlay.CloseOverlay(ln.channel)
		case Shoutout:
			err = d.selectAndEnqueue(ctx, ln, epoch, cmd.Arg)
		case Clip:
			err = d.createClip(ctx, ln)
		}
		log := telemetry.LoggerWithCorr(ctx).With(slog.String("channel", ln.channel), slog.String("command", cmd.Name), slog.String("arg", cmd.Arg))
		recordResult(log, cmd.Name, err)
	}
}

// recordResult logs and counts the outcome of a command.
func recordResult(log *slog.Logger, name string, err error) {
	switch {
	case err == nil:
		telemetry.IncCommand(name, "ok")
		log.Info("command handled")
	case errors.Is(err, errStale):
		telemetry.IncCommand(name, "stale")
		log.Debug("command superseded")
	case errors.Is(err, twitchapi.ErrNotFound) || errors.Is(err, errBadInput):
		telemetry.IncCommand(name, "failed")
		log.Info("command resolved nothing", slog.Any("err", err))
	default:
		telemetry.IncCommand(name, "failed")
		log.Warn("command failed", slog.Any("err", err))
	}
}

var errBadInput = errors.New("unrecognized clip reference")

func (d *Dispatcher) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Dispatcher) replay(ln *lane) {
	last, ok := ln.state.Last()
	if !ok {
		return
	}
	ln.state.Interrupt(last)
	d.emit(ln.channel, last)
}

func (d *Dispatcher) createClip(ctx context.Context, ln *lane) error {
	if d.deps.Tokens == nil || d.deps.Chat == nil {
		return errors.New("clip creation not configured")
	}
	cctx, cancel := d.callCtx(ctx)
	defer cancel()
	user, err := d.deps.Clips.GetUser(cctx, ln.channel)
	if err != nil {
		return fmt.Errorf("broadcaster lookup: %w", err)
	}
	tok, err := d.deps.Tokens.UserToken(cctx, ln.channel)
	if err != nil {
		return fmt.Errorf("user token: %w", err)
	}
	id, err := d.deps.Clips.CreateClip(cctx, user.ID, tok)
	if err != nil {
		return err
	}
	d.deps.Chat.Say(ln.channel, "Clip created: https://clips.twitch.tv/"+id)
	return nil
}

// playNext emits the head of the queue when nothing is playing.
func (d *Dispatcher) playNext(ln *lane) {
	if c, ok := ln.state.Next(); ok {
		d.emit(ln.channel, c)
	}
}

func (d *Dispatcher) emit(channel string, c playback.ClipRef) {
	telemetry.IncClipsPlayed()
	d.deps.Overlay.PlayClip(channel, c)
}

func (d *Dispatcher) dropStale(ctx context.Context, ln *lane, epoch uint64, what string) bool {
	if !ln.stale(epoch) {
		return false
	}
	telemetry.IncStaleDrops()
	telemetry.LoggerWithCorr(ctx).Debug("dropping stale effect", slog.String("channel", ln.channel), slog.String("command", what), slog.Uint64("epoch", epoch), slog.Uint64("current", ln.epoch.Load()))
	return true
}
