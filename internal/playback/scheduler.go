// Package playback implements the continuous playback scheduler: a per
// (controller, channel) state machine that streams fixed-size batches of
// 100ms pulse frames at a self-adjusting cadence so the app's buffer
// never underruns or overflows.
//
// Scheduling uses recursive single-shot sleeps (time.AfterFunc), not a
// periodic ticker, because the target delay depends on each iteration's
// measured send latency — an interval primitive would drift under load
// and is explicitly rejected by spec section 9.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/timer"
	"github.com/adred-codev/dglab-relay/internal/wire"
)

// ErrEmptyWaveforms is returned by Start when given no frames.
var ErrEmptyWaveforms = errors.New("playback: waveforms must be non-empty")

// ErrNotPaired is returned by Start when the controller isn't currently
// paired to an app.
var ErrNotPaired = errors.New("playback: controller not paired")

const (
	frameDurationMS  = 100
	defaultBatchSize = 5
	defaultRatio     = 0.9
	minRatio         = 0.5
	maxRatio         = 1.0
	minDelay         = 10 * time.Millisecond
)

// Channel identifies one of the two independent playback channels.
type Channel struct {
	label string
	wire  wire.Channel
}

var (
	ChannelA = Channel{label: "A", wire: wire.ChannelA}
	ChannelB = Channel{label: "B", wire: wire.ChannelB}
)

type key struct {
	controllerID string
	channel       string
}

// Sender is the broker surface the scheduler drives sends through.
type Sender interface {
	IsPaired(controllerID string) bool
	SendWaveform(controllerID string, channel string, frames []string) bool
	SendClear(controllerID string, ch wire.Channel) bool
}

// Metrics is the narrow surface the scheduler reports through. A nil
// Metrics is valid and turns reporting into a no-op.
type Metrics interface {
	SetPlaybackActiveStates(n int)
	ObservePlaybackSendLatencySeconds(s float64)
}

// Snapshot is a read-only view of a playback state, returned by Query.
type Snapshot struct {
	WaveformCount      int
	BatchSize          int
	BufferRatio        float64
	PlaybackDurationMS int
	Active             bool
	SendCount           int64
	ElapsedTotalMS      int64
	AverageElapsedMS    float64
}

type state struct {
	mu sync.Mutex

	wireChannel wire.Channel

	waveforms []string
	cursor    int

	batchSize          int
	bufferRatio        float64
	playbackDurationMS int

	active bool

	sendCount      int64
	elapsedTotalMS int64
	lastSendStart  time.Time

	wake *timer.Handle
}

// Scheduler owns every continuous-playback state, keyed by
// (controllerID, channel).
type Scheduler struct {
	mu     sync.Mutex
	states map[key]*state

	sender  Sender
	metrics Metrics
	logger  zerolog.Logger
}

// New creates a Scheduler. sender is the broker used to actually deliver
// waveform/clear commands.
func New(sender Sender, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		states: make(map[key]*state),
		sender: sender,
		logger: logger.With().Str("component", "playback_scheduler").Logger(),
	}
}

// SetMetrics wires the gauges/histogram the scheduler reports through.
func (sc *Scheduler) SetMetrics(m Metrics) { sc.metrics = m }

// reportActiveStates pushes the current tracked-state count to the
// metrics gauge; called after every state is added or removed.
func (sc *Scheduler) reportActiveStates() {
	if sc.metrics == nil {
		return
	}
	sc.mu.Lock()
	n := len(sc.states)
	sc.mu.Unlock()
	sc.metrics.SetPlaybackActiveStates(n)
}

// Start begins (or restarts) continuous playback for (controllerID,
// channel). Restarting an active state discards its statistics, per
// spec section 4.4.
func (sc *Scheduler) Start(controllerID string, channel Channel, waveforms []string, batchSize int, bufferRatio float64) (bool, error) {
	if len(waveforms) == 0 {
		return false, ErrEmptyWaveforms
	}
	if !sc.sender.IsPaired(controllerID) {
		return false, ErrNotPaired
	}
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	if bufferRatio < minRatio || bufferRatio > maxRatio {
		bufferRatio = defaultRatio
	}

	k := key{controllerID: controllerID, channel: channel.label}

	sc.mu.Lock()
	if existing, ok := sc.states[k]; ok {
		sc.mu.Unlock()
		sc.stopState(existing)
		sc.mu.Lock()
	}

	frames := make([]string, len(waveforms))
	copy(frames, waveforms)

	st := &state{
		wireChannel:        channel.wire,
		waveforms:          frames,
		cursor:             0,
		batchSize:          batchSize,
		bufferRatio:        bufferRatio,
		playbackDurationMS: batchSize * frameDurationMS,
		active:             true,
	}
	sc.states[k] = st
	sc.mu.Unlock()
	sc.reportActiveStates()

	sc.scheduleSend(k, st, 0)
	return true, nil
}

func (sc *Scheduler) scheduleSend(k key, st *state, delay time.Duration) {
	st.mu.Lock()
	st.wake = timer.After(delay, func() { sc.send(k, st) })
	st.mu.Unlock()
}

func (sc *Scheduler) send(k key, st *state) {
	st.mu.Lock()
	if !st.active {
		st.mu.Unlock()
		return
	}
	t0 := time.Now()
	st.lastSendStart = t0

	batch := make([]string, st.batchSize)
	for i := 0; i < st.batchSize; i++ {
		batch[i] = st.waveforms[st.cursor]
		st.cursor = (st.cursor + 1) % len(st.waveforms)
	}
	batchSize := st.batchSize
	ratio := st.bufferRatio
	durationMS := st.playbackDurationMS
	st.mu.Unlock()

	ok := sc.sender.SendWaveform(k.controllerID, k.channel, batch)
	if !ok {
		sc.stopKey(k, "send failed")
		return
	}

	elapsed := time.Since(t0)

	st.mu.Lock()
	st.sendCount++
	st.elapsedTotalMS += elapsed.Milliseconds()
	st.mu.Unlock()

	if sc.metrics != nil {
		sc.metrics.ObservePlaybackSendLatencySeconds(elapsed.Seconds())
	}

	targetWait := time.Duration(float64(durationMS)*ratio)*time.Millisecond - elapsed
	if targetWait < 0 {
		sc.logger.Debug().
			Str("controller_id", k.controllerID).
			Str("channel", k.channel).
			Dur("elapsed", elapsed).
			Int("batch_size", batchSize).
			Msg("playback producer slower than consumer window")
	}
	delay := targetWait
	if delay < minDelay {
		delay = minDelay
	}

	sc.mu.Lock()
	_, stillTracked := sc.states[k]
	sc.mu.Unlock()
	if !stillTracked {
		return
	}
	sc.scheduleSend(k, st, delay)
}

// Stop halts continuous playback for (controllerID, channel), clears
// the app's waveform buffer, and removes the state. Returns false if no
// state exists; idempotent.
func (sc *Scheduler) Stop(controllerID string, channel Channel) bool {
	return sc.stopKey(key{controllerID: controllerID, channel: channel.label}, "stop requested")
}

func (sc *Scheduler) stopKey(k key, reason string) bool {
	sc.mu.Lock()
	st, ok := sc.states[k]
	if !ok {
		sc.mu.Unlock()
		return false
	}
	delete(sc.states, k)
	sc.mu.Unlock()
	sc.reportActiveStates()

	sc.stopState(st)

	if st.sendCount > 0 {
		sc.logger.Debug().
			Str("controller_id", k.controllerID).
			Str("channel", k.channel).
			Str("reason", reason).
			Int64("send_count", st.sendCount).
			Float64("avg_elapsed_ms", float64(st.elapsedTotalMS)/float64(st.sendCount)).
			Msg("playback stopped")
	}

	sc.sender.SendClear(k.controllerID, st.wireChannel)
	return true
}

func (sc *Scheduler) stopState(st *state) {
	st.mu.Lock()
	st.active = false
	w := st.wake
	st.wake = nil
	st.mu.Unlock()
	w.Cancel()
}

// StopAll cancels both channels' states for controllerID. Implements
// broker.PlaybackController.
func (sc *Scheduler) StopAll(controllerID string) {
	sc.Stop(controllerID, ChannelA)
	sc.Stop(controllerID, ChannelB)
}

// Query returns a read-only snapshot of (controllerID, channel)'s state,
// or false if none exists.
func (sc *Scheduler) Query(controllerID string, channel Channel) (Snapshot, bool) {
	sc.mu.Lock()
	st, ok := sc.states[key{controllerID: controllerID, channel: channel.label}]
	sc.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	avg := 0.0
	if st.sendCount > 0 {
		avg = float64(st.elapsedTotalMS) / float64(st.sendCount)
	}
	return Snapshot{
		WaveformCount:      len(st.waveforms),
		BatchSize:          st.batchSize,
		BufferRatio:        st.bufferRatio,
		PlaybackDurationMS: st.playbackDurationMS,
		Active:             st.active,
		SendCount:          st.sendCount,
		ElapsedTotalMS:     st.elapsedTotalMS,
		AverageElapsedMS:   avg,
	}, true
}

// Shutdown cancels every tracked state, used during server shutdown.
func (sc *Scheduler) Shutdown() {
	sc.mu.Lock()
	all := make([]*state, 0, len(sc.states))
	for _, st := range sc.states {
		all = append(all, st)
	}
	sc.states = make(map[key]*state)
	sc.mu.Unlock()
	sc.reportActiveStates()

	for _, st := range all {
		sc.stopState(st)
	}
}
