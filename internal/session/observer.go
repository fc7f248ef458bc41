package session

import "time"

// Observer adapts the Store to broker.Observer without the session
// package importing the broker package (which would cycle back, since
// the broker is constructed with this observer). Method set matches
// broker.Observer exactly; Go's structural typing satisfies the
// interface at the broker's construction site.
type Observer struct {
	store *Store
}

// NewObserver wraps st as a broker.Observer.
func NewObserver(st *Store) *Observer { return &Observer{store: st} }

// BindChange updates bound-to-app/target-id for the session whose
// client-id is controllerID, and calls onAppBound the first time a
// session transitions from unbound to bound.
func (o *Observer) BindChange(controllerID string, appID *string) {
	o.store.mu.Lock()
	deviceID, ok := o.store.byClientID[controllerID]
	if !ok {
		o.store.mu.Unlock()
		return
	}
	s, ok := o.store.byID[deviceID]
	if !ok {
		o.store.mu.Unlock()
		return
	}
	wasBound := s.BoundToApp
	if appID != nil {
		s.TargetID = *appID
	} else {
		s.TargetID = ""
	}
	s.LastActive = time.Now()
	needOnAppBound := appID != nil && !wasBound
	o.store.mu.Unlock()

	if needOnAppBound {
		o.store.onAppBound(deviceID)
	}
}

// StrengthUpdate forwards to the matching session's strength/limit
// fields.
func (o *Observer) StrengthUpdate(controllerID string, a, b, limitA, limitB int) {
	o.store.mu.Lock()
	deviceID, ok := o.store.byClientID[controllerID]
	o.store.mu.Unlock()
	if !ok {
		return
	}
	_ = o.store.UpdateStrength(deviceID, a, b, limitA, limitB)
}

// FeedbackReceived is a no-op for the session store: feedback index
// isn't part of the device session data model (spec section 3). Other
// observers (telemetry) may still act on it.
func (o *Observer) FeedbackReceived(controllerID string, index int) {}

// ControllerDisconnect processes a controller-side close against the
// matching session.
func (o *Observer) ControllerDisconnect(controllerID string) {
	o.store.mu.Lock()
	deviceID, ok := o.store.byClientID[controllerID]
	o.store.mu.Unlock()
	if !ok {
		return
	}
	_, _ = o.store.HandleDisconnection(deviceID)
}

// AppDisconnect processes an app-side close against every session whose
// target-id equals appID, keeping bound-to-app true so the
// reconnection window opens (spec section 4.3).
func (o *Observer) AppDisconnect(appID string) {
	o.store.mu.Lock()
	var deviceIDs []string
	for id, s := range o.store.byID {
		if s.TargetID == appID {
			deviceIDs = append(deviceIDs, id)
		}
	}
	o.store.mu.Unlock()

	for _, deviceID := range deviceIDs {
		_, _ = o.store.HandleDisconnection(deviceID)
	}
}
