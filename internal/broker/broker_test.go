package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/wire"
)

// fakeTransport records every envelope written to it, standing in for a
// real gobwas/ws connection in tests.
type fakeTransport struct {
	mu     sync.Mutex
	writes []wire.Envelope
	closed bool
}

func (f *fakeTransport) WriteEnvelope(e wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, e)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) last() (wire.Envelope, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return wire.Envelope{}, false
	}
	return f.writes[len(f.writes)-1], true
}

type recordingObserver struct {
	mu            sync.Mutex
	binds         []string
	strengths     int
	controllerDcs int
	appDcs        int
}

func (r *recordingObserver) BindChange(controllerID string, appID *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if appID == nil {
		r.binds = append(r.binds, controllerID+":nil")
	} else {
		r.binds = append(r.binds, controllerID+":"+*appID)
	}
}
func (r *recordingObserver) StrengthUpdate(string, int, int, int, int) {
	r.mu.Lock()
	r.strengths++
	r.mu.Unlock()
}
func (r *recordingObserver) FeedbackReceived(string, int) {}
func (r *recordingObserver) ControllerDisconnect(string) {
	r.mu.Lock()
	r.controllerDcs++
	r.mu.Unlock()
}
func (r *recordingObserver) AppDisconnect(string) {
	r.mu.Lock()
	r.appDcs++
	r.mu.Unlock()
}

func newTestBroker() (*Broker, *recordingObserver) {
	b := New(Config{HeartbeatInterval: time.Hour}, zerolog.Nop(), nil)
	obs := &recordingObserver{}
	b.SetObserver(obs)
	return b, obs
}

// attachApp registers a fake-transport entry playing the role of a real
// app connection, bypassing HandleUpgrade (which needs a real socket).
func attachApp(b *Broker) (string, *fakeTransport) {
	ft := &fakeTransport{}
	e := b.registry.Create(0, ft) // registry.RoleUnknown == 0
	return e.ID, ft
}

func TestBindHandshakeSuccess(t *testing.T) {
	b, obs := newTestBroker()
	controllerID := b.CreateController()
	appID, appTransport := attachApp(b)

	b.dispatch(appID, wire.Envelope{
		Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB",
	})

	if !b.IsPaired(controllerID) {
		t.Fatalf("expected controller paired")
	}
	env, ok := appTransport.last()
	if !ok || env.Message != wire.CodeOK {
		t.Fatalf("expected 200 to app, got %+v ok=%v", env, ok)
	}
	if len(obs.binds) != 1 || obs.binds[0] != controllerID+":"+appID {
		t.Fatalf("unexpected bind notifications: %+v", obs.binds)
	}
}

func TestBindHandshakeRejectsUnknownTarget(t *testing.T) {
	b, _ := newTestBroker()
	appID, appTransport := attachApp(b)

	b.dispatch(appID, wire.Envelope{
		Type: wire.TypeBind, ClientID: "does-not-exist", TargetID: appID, Message: "DGLAB",
	})

	env, ok := appTransport.last()
	if !ok || env.Message != wire.CodeTargetMissing {
		t.Fatalf("expected 401, got %+v ok=%v", env, ok)
	}
}

func TestBindHandshakeRejectsDoubleBind(t *testing.T) {
	b, _ := newTestBroker()
	controllerID := b.CreateController()
	appID, _ := attachApp(b)
	b.dispatch(appID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB"})

	app2ID, app2Transport := attachApp(b)
	b.dispatch(app2ID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: app2ID, Message: "DGLAB"})

	env, ok := app2Transport.last()
	if !ok || env.Message != wire.CodeAlreadyBound {
		t.Fatalf("expected 400, got %+v ok=%v", env, ok)
	}
}

func TestStrengthTelemetryForwardedAndObserved(t *testing.T) {
	b, obs := newTestBroker()
	controllerID := b.CreateController()
	appID, _ := attachApp(b)
	b.dispatch(appID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB"})

	b.dispatch(appID, wire.Envelope{Type: wire.TypeMsg, ClientID: appID, TargetID: controllerID, Message: "strength-50+60+200+200"})

	if obs.strengths != 1 {
		t.Fatalf("expected 1 strength update, got %d", obs.strengths)
	}
}

func TestAppDisconnectBreaksControllerButKeepsEntry(t *testing.T) {
	b, obs := newTestBroker()
	controllerID := b.CreateController()
	appID, _ := attachApp(b)
	b.dispatch(appID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB"})

	b.onClose(appID)

	if !b.registry.Exists(controllerID) {
		t.Fatalf("controller entry must survive app disconnect")
	}
	if b.IsPaired(controllerID) {
		t.Fatalf("expected pairing dissolved")
	}
	if obs.appDcs != 1 {
		t.Fatalf("expected app-disconnect observer fired once, got %d", obs.appDcs)
	}
}

func TestDisconnectControllerNotifiesAppAndRemovesController(t *testing.T) {
	b, obs := newTestBroker()
	controllerID := b.CreateController()
	appID, appTransport := attachApp(b)
	b.dispatch(appID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB"})

	if !b.DisconnectController(controllerID) {
		t.Fatalf("expected disconnect to succeed")
	}
	if b.registry.Exists(controllerID) {
		t.Fatalf("expected controller entry removed")
	}
	env, ok := appTransport.last()
	if !ok || env.Type != wire.TypeBreak || env.Message != wire.CodePeerGone {
		t.Fatalf("expected break/209 to app, got %+v ok=%v", env, ok)
	}
	if obs.controllerDcs != 1 {
		t.Fatalf("expected controller-disconnect observer fired once, got %d", obs.controllerDcs)
	}
}

func TestForwardWithoutPairingReturns402(t *testing.T) {
	b, _ := newTestBroker()
	appID, appTransport := attachApp(b)

	b.dispatch(appID, wire.Envelope{Type: wire.TypeMsg, ClientID: appID, TargetID: "whoever", Message: "hello"})

	env, ok := appTransport.last()
	if !ok || env.Message != wire.CodeNotPaired {
		t.Fatalf("expected 402, got %+v ok=%v", env, ok)
	}
}
