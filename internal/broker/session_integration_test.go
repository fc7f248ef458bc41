package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/session"
	"github.com/adred-codev/dglab-relay/internal/wire"
)

// TestAppCloseDrivesSessionIntoReconnectionWindow wires a real broker
// against a real session.Store through session.Observer — the same
// composition cmd/server/main.go builds — and drives an actual
// app-side socket close through onClose, the only path a real
// WebSocket disconnect takes (spec section 4.3, Scenarios S3/S4).
func TestAppCloseDrivesSessionIntoReconnectionWindow(t *testing.T) {
	b := New(Config{HeartbeatInterval: time.Hour}, zerolog.Nop(), nil)

	store := session.New(session.Config{
		ConnectionTimeout:   time.Minute,
		ReconnectionTimeout: time.Minute,
		StaleTimeout:        time.Hour,
	}, zerolog.Nop())
	store.SetBroker(b)
	b.SetObserver(session.NewObserver(store))

	s := store.CreateSession()
	controllerID := b.CreateController()
	clientID := controllerID
	if err := store.UpdateConnectionState(s.DeviceID, session.ConnectionUpdate{ClientID: &clientID}); err != nil {
		t.Fatal(err)
	}

	appID, _ := attachApp(b)
	b.dispatch(appID, wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: "DGLAB"})

	got, err := store.Get(s.DeviceID)
	if err != nil || !got.BoundToApp {
		t.Fatalf("expected session bound after bind handshake, got %+v err=%v", got, err)
	}

	// The real disconnect path: the app's transport goes away and the
	// broker's read loop calls onClose, never HandleDisconnection
	// directly.
	b.onClose(appID)

	got, err = store.Get(s.DeviceID)
	if err != nil {
		t.Fatalf("expected session to survive app disconnect, got err=%v", err)
	}
	if got.Connected {
		t.Fatalf("expected session marked disconnected, got Connected=true")
	}
	if got.DisconnectedAt == nil {
		t.Fatalf("expected DisconnectedAt set, reconnection window never armed")
	}
	if got.ClientID != controllerID {
		t.Fatalf("expected controller's client-id preserved across disconnect, got %q", got.ClientID)
	}

	if _, err := store.GetByClientID(controllerID); err != nil {
		t.Fatalf("expected GetByClientID to still resolve the controller, got err=%v", err)
	}
}
