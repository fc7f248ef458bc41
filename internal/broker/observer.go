package broker

// Observer is the lifecycle callback interface the broker depends on.
// The broker never depends on the session store type directly — it
// only ever talks to this interface, so the store (and any other
// observer, such as the optional telemetry publisher) plugs in without
// the broker knowing it exists.
type Observer interface {
	// BindChange fires whenever the broker processes a successful bind
	// handshake (appID != nil) or dissolves one on disconnect (appID ==
	// nil). Per spec section 9, a rebind to the same app-id after a
	// reconnection still fires this.
	BindChange(controllerID string, appID *string)

	// StrengthUpdate fires when the app reports strength/limit telemetry
	// for its paired controller.
	StrengthUpdate(controllerID string, a, b, limitA, limitB int)

	// FeedbackReceived fires when the app reports a feedback index. The
	// session store does not act on this (it isn't part of the device
	// session data model); it exists for observers such as the optional
	// telemetry publisher.
	FeedbackReceived(controllerID string, index int)

	// ControllerDisconnect fires when a controller endpoint is removed
	// (close, error, or explicit agent disconnect).
	ControllerDisconnect(controllerID string)

	// AppDisconnect fires when an app endpoint closes or errors.
	AppDisconnect(appID string)
}

// PlaybackController is the narrow surface the broker needs to cancel a
// controller's continuous-playback states on disconnect, without
// importing the playback package directly.
type PlaybackController interface {
	StopAll(controllerID string)
}

// multiObserver fans a single broker event out to every attached
// observer. Used when telemetry publication is enabled alongside the
// session store's observer.
type multiObserver struct {
	observers []Observer
}

func newMultiObserver(observers ...Observer) *multiObserver {
	return &multiObserver{observers: observers}
}

func (m *multiObserver) BindChange(controllerID string, appID *string) {
	for _, o := range m.observers {
		o.BindChange(controllerID, appID)
	}
}

func (m *multiObserver) StrengthUpdate(controllerID string, a, b, limitA, limitB int) {
	for _, o := range m.observers {
		o.StrengthUpdate(controllerID, a, b, limitA, limitB)
	}
}

func (m *multiObserver) FeedbackReceived(controllerID string, index int) {
	for _, o := range m.observers {
		o.FeedbackReceived(controllerID, index)
	}
}

func (m *multiObserver) ControllerDisconnect(controllerID string) {
	for _, o := range m.observers {
		o.ControllerDisconnect(controllerID)
	}
}

func (m *multiObserver) AppDisconnect(appID string) {
	for _, o := range m.observers {
		o.AppDisconnect(appID)
	}
}
