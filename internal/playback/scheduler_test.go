package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/wire"
)

type fakeSender struct {
	mu        sync.Mutex
	paired    map[string]bool
	waveforms []waveformCall
	clears    []clearCall
	failAfter int // if >0, the failAfter-th SendWaveform call and every later one fail
}

type waveformCall struct {
	controllerID string
	channel      string
	frames       []string
}

type clearCall struct {
	controllerID string
	channel      wire.Channel
}

func newFakeSender() *fakeSender {
	return &fakeSender{paired: map[string]bool{}}
}

func (f *fakeSender) IsPaired(controllerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paired[controllerID]
}

func (f *fakeSender) SendWaveform(controllerID, channel string, frames []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.waveforms)+1 >= f.failAfter {
		return false
	}
	cp := make([]string, len(frames))
	copy(cp, frames)
	f.waveforms = append(f.waveforms, waveformCall{controllerID, channel, cp})
	return true
}

func (f *fakeSender) SendClear(controllerID string, ch wire.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, clearCall{controllerID, ch})
	return true
}

func (f *fakeSender) waveformCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waveforms)
}

func (f *fakeSender) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clears)
}

func TestStartRejectsEmptyWaveforms(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	_, err := sc.Start("c1", ChannelA, nil, 5, 0.9)
	if err != ErrEmptyWaveforms {
		t.Fatalf("expected ErrEmptyWaveforms, got %v", err)
	}
}

func TestStartRejectsUnpairedController(t *testing.T) {
	sender := newFakeSender()
	sc := New(sender, zerolog.Nop())

	_, err := sc.Start("c1", ChannelA, []string{"0000000000000000"}, 5, 0.9)
	if err != ErrNotPaired {
		t.Fatalf("expected ErrNotPaired, got %v", err)
	}
}

func TestStartBeginsImmediateSend(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	ok, err := sc.Start("c1", ChannelA, []string{"0000000000000000", "1111111111111111"}, 2, 0.9)
	if err != nil || !ok {
		t.Fatalf("expected start to succeed, err=%v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.waveformCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.waveformCount() == 0 {
		t.Fatalf("expected at least one waveform send")
	}
}

func TestStartCyclesThroughWaveformsAsBatches(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	frames := []string{"a", "b", "c"}
	_, _ = sc.Start("c1", ChannelA, frames, 2, 0.9)

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.waveformCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sc.Stop("c1", ChannelA)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.waveforms) == 0 {
		t.Fatalf("expected at least one batch sent")
	}
	first := sender.waveforms[0]
	if len(first.frames) != 2 {
		t.Fatalf("expected batch size 2, got %d", len(first.frames))
	}
	if first.frames[0] != "a" || first.frames[1] != "b" {
		t.Fatalf("expected cursor to start at beginning, got %+v", first.frames)
	}
}

func TestStopSendsClearAndRemovesState(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	_, _ = sc.Start("c1", ChannelB, []string{"0000000000000000"}, 1, 0.9)
	time.Sleep(20 * time.Millisecond)

	if !sc.Stop("c1", ChannelB) {
		t.Fatalf("expected stop to succeed")
	}
	if sender.clearCount() != 1 {
		t.Fatalf("expected exactly one clear command, got %d", sender.clearCount())
	}
	if _, ok := sc.Query("c1", ChannelB); ok {
		t.Fatalf("expected state removed after stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	if sc.Stop("c1", ChannelA) {
		t.Fatalf("expected stop on unknown state to return false")
	}
}

func TestRestartDiscardsPriorStatistics(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	_, _ = sc.Start("c1", ChannelA, []string{"0000000000000000"}, 1, 0.9)
	time.Sleep(40 * time.Millisecond)

	_, _ = sc.Start("c1", ChannelA, []string{"1111111111111111"}, 1, 0.9)
	snap, ok := sc.Query("c1", ChannelA)
	if !ok {
		t.Fatalf("expected restarted state to exist")
	}
	if snap.SendCount > 1 {
		t.Fatalf("expected restart to reset send count, got %d", snap.SendCount)
	}
}

func TestSendFailureStopsPlaybackAndClears(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sender.failAfter = 1
	sc := New(sender, zerolog.Nop())

	_, _ = sc.Start("c1", ChannelA, []string{"0000000000000000"}, 1, 0.9)

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.clearCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sender.clearCount() == 0 {
		t.Fatalf("expected clear after send failure")
	}
	if _, ok := sc.Query("c1", ChannelA); ok {
		t.Fatalf("expected state removed after send failure")
	}
}

func TestShutdownCancelsAllStates(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sender.paired["c2"] = true
	sc := New(sender, zerolog.Nop())

	_, _ = sc.Start("c1", ChannelA, []string{"0000000000000000"}, 1, 0.9)
	_, _ = sc.Start("c2", ChannelB, []string{"0000000000000000"}, 1, 0.9)

	sc.Shutdown()

	if _, ok := sc.Query("c1", ChannelA); ok {
		t.Fatalf("expected c1/A removed after shutdown")
	}
	if _, ok := sc.Query("c2", ChannelB); ok {
		t.Fatalf("expected c2/B removed after shutdown")
	}
}

func TestOutOfRangeParametersFallBackToDefaults(t *testing.T) {
	sender := newFakeSender()
	sender.paired["c1"] = true
	sc := New(sender, zerolog.Nop())

	_, err := sc.Start("c1", ChannelA, []string{"0000000000000000"}, 0, 5.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap, ok := sc.Query("c1", ChannelA)
	if !ok {
		t.Fatalf("expected state to exist")
	}
	if snap.BatchSize != defaultBatchSize {
		t.Fatalf("expected default batch size %d, got %d", defaultBatchSize, snap.BatchSize)
	}
	if snap.BufferRatio != defaultRatio {
		t.Fatalf("expected default buffer ratio %v, got %v", defaultRatio, snap.BufferRatio)
	}
}
