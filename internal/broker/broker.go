// Package broker implements the WebSocket broker: it terminates app
// WebSocket connections and a synthetic controller endpoint, maintains
// the pairing relation, demuxes and forwards wire-protocol messages, and
// drives heartbeats.
package broker

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/dglab-relay/internal/registry"
	"github.com/adred-codev/dglab-relay/internal/wire"
)

const (
	writeWait = 10 * time.Second

	// inboundRateLimit bounds how many msg/heartbeat/bind frames a single
	// connection may push per second; an ambient resiliency guard, not a
	// spec requirement, so it fails open (drop, never block).
	inboundRateLimit = 50
	inboundBurst     = 100
)

// Metrics is the narrow surface the broker reports wire events through;
// implemented by internal/metrics.Collector. A nil Metrics is valid and
// turns every call into a no-op.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	BindSucceeded()
	BindRejected(code string)
	FrameForwarded()
	ErrorReplied(code string)
	HeartbeatSent()
	SetActivePairings(n int)
}

// Broker terminates app WebSocket connections and a synthetic controller
// endpoint, and brokers messages between paired controller/app pairs.
type Broker struct {
	registry *registry.Registry
	pairing  *pairing
	logger   zerolog.Logger
	metrics  Metrics

	heartbeatInterval time.Duration

	observerMu sync.RWMutex
	observer   Observer

	playback PlaybackController

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	shuttingDown atomic.Bool
	stopHeartbeat chan struct{}
	heartbeatOnce sync.Once
}

// Config controls broker construction.
type Config struct {
	HeartbeatInterval time.Duration
}

// New creates a Broker. Attach observers and a playback controller with
// SetObserver/AddObserver and SetPlaybackController before serving
// traffic.
func New(cfg Config, logger zerolog.Logger, metrics Metrics) *Broker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	return &Broker{
		registry:          registry.New(),
		pairing:           newPairing(),
		logger:            logger.With().Str("component", "broker").Logger(),
		metrics:           metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		limiters:          make(map[string]*rate.Limiter),
		stopHeartbeat:     make(chan struct{}),
	}
}

// SetObserver installs the (possibly multi-) observer that receives
// lifecycle callbacks. Replaces any previously-set observer.
func (b *Broker) SetObserver(o Observer) {
	b.observerMu.Lock()
	b.observer = o
	b.observerMu.Unlock()
}

// AddObserver composes o with any previously-set observer(s) so both
// receive every event. Used to attach the session store and, optionally,
// the telemetry publisher side by side.
func (b *Broker) AddObserver(o Observer) {
	b.observerMu.Lock()
	defer b.observerMu.Unlock()
	if b.observer == nil {
		b.observer = o
		return
	}
	if m, ok := b.observer.(*multiObserver); ok {
		m.observers = append(m.observers, o)
		return
	}
	b.observer = newMultiObserver(b.observer, o)
}

func (b *Broker) notify() Observer {
	b.observerMu.RLock()
	defer b.observerMu.RUnlock()
	return b.observer
}

// SetPlaybackController wires the playback scheduler so disconnects
// cancel the controller's in-flight playback states.
func (b *Broker) SetPlaybackController(pc PlaybackController) {
	b.playback = pc
}

// Registry exposes the underlying client registry for read-only queries
// from the outbound API (e.g. pairing checks).
func (b *Broker) Registry() *registry.Registry { return b.registry }

// IsPaired reports whether controllerID is currently paired to an app.
func (b *Broker) IsPaired(controllerID string) bool {
	return b.pairing.IsPaired(controllerID)
}

// AppFor returns the app-id paired to controllerID, if any.
func (b *Broker) AppFor(controllerID string) (string, bool) {
	return b.pairing.AppFor(controllerID)
}

// CreateController registers a synthetic controller client entry (no
// real transport; outbound writes to it are discarded) and returns its
// freshly-minted client-id.
func (b *Broker) CreateController() string {
	e := b.registry.Create(registry.RoleController, registry.DiscardTransport{})
	return e.ID
}

// StartHeartbeat launches the periodic heartbeat loop. It returns
// immediately; call StopHeartbeat (or Shutdown) to stop it.
func (b *Broker) StartHeartbeat() {
	go func() {
		ticker := time.NewTicker(b.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.broadcastHeartbeat()
			case <-b.stopHeartbeat:
				return
			}
		}
	}()
}

// StopHeartbeat halts the periodic heartbeat loop; idempotent.
func (b *Broker) StopHeartbeat() {
	b.heartbeatOnce.Do(func() { close(b.stopHeartbeat) })
}

func (b *Broker) broadcastHeartbeat() {
	for _, e := range b.registry.Snapshot() {
		env := wire.Envelope{
			Type:     wire.TypeHeartbeat,
			ClientID: e.ID,
			TargetID: e.PeerID,
			Message:  wire.CodeOK,
		}
		if e.Transport != nil {
			_ = e.Transport.WriteEnvelope(env)
		}
		if b.metrics != nil {
			b.metrics.HeartbeatSent()
		}
	}
}

// Shutdown stops accepting new connections, stops the heartbeat loop,
// and closes every transport. Playback and session-store shutdown are
// orchestrated by the caller (cmd/server's main), per the shutdown
// sequence in spec section 5.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.shuttingDown.Store(true)
	b.StopHeartbeat()
	for _, e := range b.registry.Snapshot() {
		if e.Transport != nil {
			_ = e.Transport.Close()
		}
		b.registry.Delete(e.ID)
	}
	return nil
}

// HandleUpgrade is the http.HandlerFunc that accepts WebSocket upgrades
// from app connections (and, in principle, any other real peer). On
// accept it mints a fresh client-id, enrolls an Unknown-role entry, and
// sends the assigned-id bind frame before starting the read loop. Writes
// are not pumped: each goes straight to the socket under the transport's
// mutex.
func (b *Broker) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if b.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	t := &wsTransport{conn: conn}
	entry := b.registry.Create(registry.RoleUnknown, t)
	t.id = entry.ID

	if b.metrics != nil {
		b.metrics.ConnectionOpened()
	}

	assigned := wire.Envelope{Type: wire.TypeBind, ClientID: entry.ID, TargetID: "", Message: "targetId"}
	if err := t.WriteEnvelope(assigned); err != nil {
		b.logger.Warn().Err(err).Str("client_id", entry.ID).Msg("failed to send assigned-id handshake")
	}

	go b.readLoop(entry.ID, t)
}

func (b *Broker) limiterFor(id string) *rate.Limiter {
	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()
	l, ok := b.limiters[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(inboundRateLimit), inboundBurst)
		b.limiters[id] = l
	}
	return l
}

func (b *Broker) dropLimiter(id string) {
	b.limiterMu.Lock()
	delete(b.limiters, id)
	b.limiterMu.Unlock()
}

// reportPairings pushes the current pairing count to the metrics
// gauge; called after every Pair/Unpair so the gauge never drifts.
func (b *Broker) reportPairings() {
	if b.metrics != nil {
		b.metrics.SetActivePairings(b.pairing.Count())
	}
}

func (b *Broker) readLoop(id string, t *wsTransport) {
	defer b.onClose(id)

	for {
		data, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if !b.limiterFor(id).Allow() {
			continue
		}

		env, err := wire.Decode(data)
		if err != nil {
			b.replyError(id, wire.CodeBadJSON)
			continue
		}
		b.dispatch(id, env)
	}
}

func (b *Broker) dispatch(senderID string, env wire.Envelope) {
	switch env.Type {
	case wire.TypeBind:
		b.handleBind(senderID, env)
	case wire.TypeHeartbeat:
		b.registry.Touch(senderID)
	case wire.TypeMsg:
		if env.ClientID != senderID {
			b.replyError(senderID, wire.CodeRecipientGone)
			return
		}
		b.handleMsg(senderID, env)
	default:
		// Unrecognized types are forwarded verbatim if paired.
		if env.ClientID != senderID {
			b.replyError(senderID, wire.CodeRecipientGone)
			return
		}
		b.forwardOrReject(senderID, env)
	}
}

func (b *Broker) handleBind(senderID string, env wire.Envelope) {
	if !env.IsBindHandshake() {
		b.replyError(senderID, wire.CodeBadJSON)
		return
	}
	if env.TargetID != senderID {
		// The handshake's declared targetId must be the real sender
		// (the app); anything else can't be honored.
		b.replyError(senderID, wire.CodeRecipientGone)
		return
	}

	controllerID := env.ClientID
	appID := env.TargetID

	if !b.registry.Exists(controllerID) || !b.registry.Exists(appID) {
		b.replyError(senderID, wire.CodeTargetMissing)
		if b.metrics != nil {
			b.metrics.BindRejected(wire.CodeTargetMissing)
		}
		return
	}
	if b.pairing.IsPaired(controllerID) || b.pairing.IsPaired(appID) {
		b.replyError(senderID, wire.CodeAlreadyBound)
		if b.metrics != nil {
			b.metrics.BindRejected(wire.CodeAlreadyBound)
		}
		return
	}

	b.pairing.Pair(controllerID, appID)
	b.reportPairings()
	b.registry.SetRole(controllerID, registry.RoleController)
	b.registry.SetRole(appID, registry.RoleApp)
	b.registry.SetPeer(controllerID, appID)
	b.registry.SetPeer(appID, controllerID)

	ok := wire.Envelope{Type: wire.TypeBind, ClientID: controllerID, TargetID: appID, Message: wire.CodeOK}
	b.send(controllerID, ok)
	b.send(appID, ok)

	if b.metrics != nil {
		b.metrics.BindSucceeded()
	}
	if o := b.notify(); o != nil {
		appIDCopy := appID
		o.BindChange(controllerID, &appIDCopy)
	}
}

func (b *Broker) handleMsg(senderID string, env wire.Envelope) {
	if a, bb, limitA, limitB, ok := wire.ParseStrength(env.Message); ok {
		if controllerID, paired := b.pairing.ControllerFor(senderID); paired {
			if o := b.notify(); o != nil {
				o.StrengthUpdate(controllerID, a, bb, limitA, limitB)
			}
		}
		b.forwardOrReject(senderID, env)
		return
	}
	if idx, ok := wire.ParseFeedback(env.Message); ok {
		if controllerID, paired := b.pairing.ControllerFor(senderID); paired {
			if o := b.notify(); o != nil {
				o.FeedbackReceived(controllerID, idx)
			}
		}
		b.forwardOrReject(senderID, env)
		return
	}
	b.forwardOrReject(senderID, env)
}

func (b *Broker) forwardOrReject(senderID string, env wire.Envelope) {
	peerID, ok := b.peerOf(senderID)
	if !ok {
		b.replyError(senderID, wire.CodeNotPaired)
		return
	}
	if t, ok := b.registry.TransportFor(peerID); ok && t != nil {
		if err := t.WriteEnvelope(env); err != nil {
			b.replyError(senderID, wire.CodeRecipientGone)
			return
		}
		if b.metrics != nil {
			b.metrics.FrameForwarded()
		}
		return
	}
	b.replyError(senderID, wire.CodeRecipientGone)
}

func (b *Broker) peerOf(id string) (string, bool) {
	if appID, ok := b.pairing.AppFor(id); ok {
		return appID, true
	}
	if controllerID, ok := b.pairing.ControllerFor(id); ok {
		return controllerID, true
	}
	return "", false
}

// send writes env to id's transport, discarding the error (used for
// best-effort handshake/break notifications).
func (b *Broker) send(id string, env wire.Envelope) {
	if t, ok := b.registry.TransportFor(id); ok && t != nil {
		_ = t.WriteEnvelope(env)
	}
}

func (b *Broker) replyError(id string, code string) {
	if b.metrics != nil {
		b.metrics.ErrorReplied(code)
	}
	b.send(id, wire.Envelope{Type: wire.TypeError, ClientID: id, Message: code})
}

// SendStrength delivers an encoded strength command to controllerID's
// paired app. Returns false if not paired or the write fails.
func (b *Broker) SendStrength(controllerID string, ch wire.Channel, mode wire.StrengthMode, value int) bool {
	appID, ok := b.pairing.AppFor(controllerID)
	if !ok {
		return false
	}
	env := wire.Envelope{
		Type:     wire.TypeMsg,
		ClientID: controllerID,
		TargetID: appID,
		Message:  wire.EncodeStrengthCommand(ch, mode, value),
	}
	return b.writeTo(appID, env)
}

// SendWaveform delivers an encoded pulse batch to controllerID's paired
// app, for the given channel label ("A" or "B").
func (b *Broker) SendWaveform(controllerID, channelLabel string, frames []string) bool {
	appID, ok := b.pairing.AppFor(controllerID)
	if !ok {
		return false
	}
	payload, err := wire.EncodeWaveformCommand(channelLabel, frames)
	if err != nil {
		return false
	}
	env := wire.Envelope{Type: wire.TypeMsg, ClientID: controllerID, TargetID: appID, Message: payload, Channel: channelLabel}
	return b.writeTo(appID, env)
}

// SendClear delivers a clear command for ch to controllerID's paired app.
func (b *Broker) SendClear(controllerID string, ch wire.Channel) bool {
	appID, ok := b.pairing.AppFor(controllerID)
	if !ok {
		return false
	}
	env := wire.Envelope{Type: wire.TypeMsg, ClientID: controllerID, TargetID: appID, Message: wire.EncodeClearCommand(ch)}
	return b.writeTo(appID, env)
}

func (b *Broker) writeTo(id string, env wire.Envelope) bool {
	t, ok := b.registry.TransportFor(id)
	if !ok || t == nil {
		return false
	}
	return t.WriteEnvelope(env) == nil
}

// DisconnectController stops the controller's playback, notifies its
// paired app with a break/209, dissolves the pair, removes the
// controller from the registry, and fires ControllerDisconnect. Used by
// the outbound API's disconnect-controller.
func (b *Broker) DisconnectController(controllerID string) bool {
	if !b.registry.Exists(controllerID) {
		return false
	}
	if b.playback != nil {
		b.playback.StopAll(controllerID)
	}
	if appID, ok := b.pairing.Unpair(controllerID); ok {
		b.registry.SetPeer(appID, "")
		b.send(appID, wire.Envelope{Type: wire.TypeBreak, ClientID: appID, Message: wire.CodePeerGone})
		b.reportPairings()
	}
	if t, ok := b.registry.TransportFor(controllerID); ok && t != nil {
		_ = t.Close()
	}
	b.registry.Delete(controllerID)
	b.dropLimiter(controllerID)

	if o := b.notify(); o != nil {
		o.BindChange(controllerID, nil)
		o.ControllerDisconnect(controllerID)
	}
	if b.metrics != nil {
		b.metrics.ConnectionClosed()
	}
	return true
}

// onClose handles a real transport closing or erroring out of the read
// loop. Per spec section 4.2: an app close breaks its controller (but
// does not destroy the controller entry); a controller close (not
// expected over a real socket, but handled generically for any role)
// breaks its app; an unknown-role close just removes the entry and
// cascades any stray pairing.
func (b *Broker) onClose(id string) {
	entry, ok := b.registry.Get(id)
	if !ok {
		return
	}

	switch entry.Role {
	case registry.RoleApp:
		if controllerID, paired := b.pairing.ControllerFor(id); paired {
			b.registry.SetPeer(controllerID, "")
			b.send(controllerID, wire.Envelope{Type: wire.TypeBreak, ClientID: controllerID, Message: wire.CodePeerGone})
			b.pairing.Unpair(id)
			b.reportPairings()
			if b.playback != nil {
				b.playback.StopAll(controllerID)
			}
			if o := b.notify(); o != nil {
				o.AppDisconnect(id)
				o.BindChange(controllerID, nil)
			}
		}
	case registry.RoleController:
		if appID, paired := b.pairing.AppFor(id); paired {
			b.registry.SetPeer(appID, "")
			b.send(appID, wire.Envelope{Type: wire.TypeBreak, ClientID: appID, Message: wire.CodePeerGone})
			b.pairing.Unpair(id)
			b.reportPairings()
		}
		if b.playback != nil {
			b.playback.StopAll(id)
		}
		if o := b.notify(); o != nil {
			o.BindChange(id, nil)
			o.ControllerDisconnect(id)
		}
	default:
		if _, unpaired := b.pairing.Unpair(id); unpaired {
			b.reportPairings()
		}
	}

	if entry.Transport != nil {
		_ = entry.Transport.Close()
	}
	b.registry.Delete(id)
	b.dropLimiter(id)
	if b.metrics != nil {
		b.metrics.ConnectionClosed()
	}
}

// wsTransport adapts a gobwas/ws connection to registry.Transport.
type wsTransport struct {
	id   string
	mu   sync.Mutex
	conn net.Conn
}

func (t *wsTransport) WriteEnvelope(e wire.Envelope) error {
	b, err := wire.Encode(e)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(t.conn, ws.OpText, b)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
