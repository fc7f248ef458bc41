package broker

import "sync"

// pairing is the broker's bidirectional controller<->app relation. It is
// its own aggregate with its own mutex, mutated only by the broker
// itself and only while the registry is not locked, per spec section 5.
type pairing struct {
	mu              sync.Mutex
	controllerToApp map[string]string
	appToController map[string]string
}

func newPairing() *pairing {
	return &pairing{
		controllerToApp: make(map[string]string),
		appToController: make(map[string]string),
	}
}

// Pair installs a (controllerID, appID) relation. It returns false
// without mutating state if either side is already paired.
func (p *pairing) Pair(controllerID, appID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.controllerToApp[controllerID]; ok {
		return false
	}
	if _, ok := p.appToController[appID]; ok {
		return false
	}
	p.controllerToApp[controllerID] = appID
	p.appToController[appID] = controllerID
	return true
}

// IsPaired reports whether id (either side) is in a relation.
func (p *pairing) IsPaired(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.controllerToApp[id]; ok {
		return true
	}
	_, ok := p.appToController[id]
	return ok
}

// AppFor returns the app paired to controllerID.
func (p *pairing) AppFor(controllerID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	appID, ok := p.controllerToApp[controllerID]
	return appID, ok
}

// ControllerFor returns the controller paired to appID.
func (p *pairing) ControllerFor(appID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	controllerID, ok := p.appToController[appID]
	return controllerID, ok
}

// Count returns the number of active (controller, app) pairs.
func (p *pairing) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.controllerToApp)
}

// Unpair dissolves any relation involving id (either side) and returns
// the peer that was on the other end, if any.
func (p *pairing) Unpair(id string) (peer string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if appID, isController := p.controllerToApp[id]; isController {
		delete(p.controllerToApp, id)
		delete(p.appToController, appID)
		return appID, true
	}
	if controllerID, isApp := p.appToController[id]; isApp {
		delete(p.appToController, id)
		delete(p.controllerToApp, controllerID)
		return controllerID, true
	}
	return "", false
}
