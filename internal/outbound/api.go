// Package outbound implements the agent-facing synchronous surface: the
// boundary the (out-of-scope) JSON-RPC/SSE framing layer calls into. It
// composes the broker, session store and playback scheduler into the
// operations named in spec section 4.5, plus the session-lifecycle
// operations the agent layer needs to create and manage device sessions.
package outbound

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/dglab-relay/internal/broker"
	"github.com/adred-codev/dglab-relay/internal/playback"
	"github.com/adred-codev/dglab-relay/internal/session"
	"github.com/adred-codev/dglab-relay/internal/wire"
)

// ErrInvalidChannel is returned when a caller passes a channel label
// other than "A" or "B".
var ErrInvalidChannel = errors.New("outbound: channel must be \"A\" or \"B\"")

// ErrInvalidMode is returned when a caller passes a strength mode other
// than increase/decrease/set.
var ErrInvalidMode = errors.New("outbound: mode must be increase, decrease, or set")

// Broker is the narrow broker surface the outbound API drives.
type Broker interface {
	CreateController() string
	IsPaired(controllerID string) bool
	SendStrength(controllerID string, ch wire.Channel, mode wire.StrengthMode, value int) bool
	SendWaveform(controllerID, channelLabel string, frames []string) bool
	SendClear(controllerID string, ch wire.Channel) bool
	DisconnectController(controllerID string) bool
}

// Playback is the narrow scheduler surface the outbound API drives.
type Playback interface {
	Start(controllerID string, channel playback.Channel, waveforms []string, batchSize int, bufferRatio float64) (bool, error)
	Stop(controllerID string, channel playback.Channel) bool
	Query(controllerID string, channel playback.Channel) (playback.Snapshot, bool)
}

// API is the agent-facing outbound surface. It holds no state of its
// own beyond its collaborators.
type API struct {
	broker   Broker
	playback Playback
	store    *session.Store
	logger   zerolog.Logger

	vendorDownloadURL string
}

// Config controls API construction.
type Config struct {
	VendorDownloadURL string
}

// New creates an API wired to the given collaborators.
func New(cfg Config, b Broker, pb Playback, store *session.Store, logger zerolog.Logger) *API {
	return &API{
		broker:            b,
		playback:          pb,
		store:             store,
		logger:            logger.With().Str("component", "outbound_api").Logger(),
		vendorDownloadURL: cfg.VendorDownloadURL,
	}
}

func channelOf(label string) (wire.Channel, playback.Channel, error) {
	switch label {
	case "A":
		return wire.ChannelA, playback.ChannelA, nil
	case "B":
		return wire.ChannelB, playback.ChannelB, nil
	default:
		return 0, playback.Channel{}, ErrInvalidChannel
	}
}

func modeOf(mode string) (wire.StrengthMode, error) {
	switch mode {
	case "increase":
		return wire.ModeIncrease, nil
	case "decrease":
		return wire.ModeDecrease, nil
	case "set":
		return wire.ModeSet, nil
	default:
		return 0, ErrInvalidMode
	}
}

// CreateSession mints a device session in the Session store.
func (a *API) CreateSession() *session.Session {
	return a.store.CreateSession()
}

// SetAlias assigns a human-readable label to an existing session.
func (a *API) SetAlias(deviceID, alias string) error {
	return a.store.SetAlias(deviceID, alias)
}

// GetSession looks up a session by device-id.
func (a *API) GetSession(deviceID string) (*session.Session, error) {
	return a.store.Get(deviceID)
}

// FindSessionByAlias looks up a session by its case-folded alias.
func (a *API) FindSessionByAlias(alias string) (*session.Session, error) {
	return a.store.FindByAlias(alias)
}

// Reconnect re-attaches newClientID to deviceID's session within its
// reconnection window, preserving alias, strengths and limits (spec
// section 4.3). Callers are expected to have already re-registered
// newClientID with the broker (e.g. via CreateController).
func (a *API) Reconnect(deviceID, newClientID string) (bool, error) {
	return a.store.HandleReconnection(deviceID, newClientID)
}

// ClearReconnection cancels deviceID's pending reconnection window and
// marks its session connected without changing its client-id, for
// callers that re-establish a session's transport out of band.
func (a *API) ClearReconnection(deviceID string) error {
	return a.store.ClearReconnectionState(deviceID)
}

// ReconnectionRemaining returns the time left in deviceID's reconnection
// window, or nil if no window is currently open.
func (a *API) ReconnectionRemaining(deviceID string) (*time.Duration, error) {
	return a.store.GetReconnectionRemaining(deviceID)
}

// ListSessions returns a snapshot of every live session.
func (a *API) ListSessions() []session.Session {
	return a.store.List()
}

// DeleteSession tears down a device session and its live client, if any.
func (a *API) DeleteSession(deviceID string) bool {
	return a.store.Delete(deviceID)
}

// CreateController registers a synthetic controller entry in the
// broker, pairs it with deviceID's session record, and returns the
// assigned client-id.
func (a *API) CreateController(deviceID string) (string, error) {
	clientID := a.broker.CreateController()
	if err := a.store.UpdateConnectionState(deviceID, session.ConnectionUpdate{ClientID: &clientID}); err != nil {
		return "", fmt.Errorf("create-controller: attach to session %s: %w", deviceID, err)
	}
	return clientID, nil
}

// QRURL composes the vendor-prefixed URL the app scans to dial
// clientID's WebSocket endpoint, per spec section 6.
func (a *API) QRURL(clientID, host string) string {
	return fmt.Sprintf("%s#DGLAB-SOCKET#ws://%s/%s", a.vendorDownloadURL, host, clientID)
}

// SendStrength emits a strength command to controllerID's paired app.
func (a *API) SendStrength(controllerID, channel, mode string, value int) (bool, error) {
	wch, _, err := channelOf(channel)
	if err != nil {
		return false, err
	}
	wm, err := modeOf(mode)
	if err != nil {
		return false, err
	}
	if value < 0 {
		value = 0
	} else if value > 200 {
		value = 200
	}
	ok := a.broker.SendStrength(controllerID, wch, wm, value)
	if ok {
		a.touch(controllerID)
	}
	return ok, nil
}

// SendWaveform emits a one-shot pulse batch to controllerID's paired
// app. Callers are responsible for frame validation (16 hex characters,
// non-empty list) per spec section 4.5.
func (a *API) SendWaveform(controllerID, channel string, waveforms []string) (bool, error) {
	_, _, err := channelOf(channel)
	if err != nil {
		return false, err
	}
	ok := a.broker.SendWaveform(controllerID, channel, waveforms)
	if ok {
		a.touch(controllerID)
	}
	return ok, nil
}

// ClearWaveform emits a clear command for channel to controllerID's
// paired app.
func (a *API) ClearWaveform(controllerID, channel string) (bool, error) {
	wch, _, err := channelOf(channel)
	if err != nil {
		return false, err
	}
	ok := a.broker.SendClear(controllerID, wch)
	if ok {
		a.touch(controllerID)
	}
	return ok, nil
}

// StartContinuousPlayback starts (or restarts) streaming waveforms to
// controllerID on channel at the given batch-size/buffer-ratio.
func (a *API) StartContinuousPlayback(controllerID, channel string, waveforms []string, batchSize int, bufferRatio float64) (bool, error) {
	_, pch, err := channelOf(channel)
	if err != nil {
		return false, err
	}
	ok, err := a.playback.Start(controllerID, pch, waveforms, batchSize, bufferRatio)
	if ok {
		a.touch(controllerID)
	}
	return ok, err
}

// StopContinuousPlayback halts streaming on channel for controllerID.
func (a *API) StopContinuousPlayback(controllerID, channel string) (bool, error) {
	_, pch, err := channelOf(channel)
	if err != nil {
		return false, err
	}
	ok := a.playback.Stop(controllerID, pch)
	if ok {
		a.touch(controllerID)
	}
	return ok, nil
}

// QueryPlayback returns the current continuous-playback snapshot for
// (controllerID, channel), if any.
func (a *API) QueryPlayback(controllerID, channel string) (playback.Snapshot, bool, error) {
	_, pch, err := channelOf(channel)
	if err != nil {
		return playback.Snapshot{}, false, err
	}
	snap, ok := a.playback.Query(controllerID, pch)
	return snap, ok, nil
}

// DisconnectController stops both channels' playback, notifies the
// paired app, dissolves the pair and removes controllerID from the
// registry.
func (a *API) DisconnectController(controllerID string) bool {
	return a.broker.DisconnectController(controllerID)
}

// touch refreshes last-active on the session whose client-id is
// controllerID, per spec section 4.5 ("every outbound operation that
// mutates session activity calls the Session store's touch
// equivalent"). Silently a no-op if no session currently owns this
// client-id (e.g. a controller created but not yet attached).
func (a *API) touch(controllerID string) {
	s, err := a.store.GetByClientID(controllerID)
	if err != nil {
		return
	}
	if uerr := a.store.UpdateConnectionState(s.DeviceID, session.ConnectionUpdate{}); uerr != nil {
		a.logger.Debug().Err(uerr).Str("device_id", s.DeviceID).Msg("touch failed")
	}
}
