// Package telemetry publishes broker lifecycle events to NATS for
// external observers (dashboards, audit trails). It implements
// broker.Observer structurally, the same way internal/session does, so
// it can be attached alongside the session store's observer via the
// broker's multi-observer fan-out. Publication is fire-and-forget: a
// publish failure is logged and dropped, never propagated back into the
// broker's hot path.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher publishes lifecycle events to NATS subjects scoped per
// device. It is optional: the server only constructs one when
// Config.NATSURL is set.
type Publisher struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// Config controls Publisher construction.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// event is the JSON envelope published to every subject.
type event struct {
	Kind         string `json:"kind"`
	ControllerID string `json:"controllerId"`
	AppID        string `json:"appId,omitempty"`
	Time         int64  `json:"time"`
	Strength struct {
		A      int `json:"a"`
		B      int `json:"b"`
		LimitA int `json:"limitA"`
		LimitB int `json:"limitB"`
	} `json:"strength,omitempty"`
	FeedbackIndex int `json:"feedbackIndex,omitempty"`
}

// Connect dials NATS and returns a Publisher. Returns an error if the
// connection cannot be established; callers should treat a failed
// optional telemetry connection as non-fatal to server startup.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "telemetry_publisher").Logger()

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1 // retry forever, matching fire-and-forget semantics
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect to NATS: %w", err)
	}
	return &Publisher{conn: conn, logger: log}, nil
}

// Close closes the NATS connection without draining it first.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Publisher) publish(subject string, e event) {
	e.Time = time.Now().UnixMilli()
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("marshal telemetry event failed")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn().Err(err).Str("subject", subject).Msg("publish telemetry event failed")
	}
}

func subjectFor(controllerID string) string {
	return fmt.Sprintf("dglab.events.%s", controllerID)
}

// BindChange implements broker.Observer.
func (p *Publisher) BindChange(controllerID string, appID *string) {
	e := event{Kind: "bind_change", ControllerID: controllerID}
	if appID != nil {
		e.AppID = *appID
	}
	p.publish(subjectFor(controllerID), e)
}

// StrengthUpdate implements broker.Observer.
func (p *Publisher) StrengthUpdate(controllerID string, a, b, limitA, limitB int) {
	e := event{Kind: "strength_update", ControllerID: controllerID}
	e.Strength.A = a
	e.Strength.B = b
	e.Strength.LimitA = limitA
	e.Strength.LimitB = limitB
	p.publish(subjectFor(controllerID), e)
}

// FeedbackReceived implements broker.Observer.
func (p *Publisher) FeedbackReceived(controllerID string, index int) {
	e := event{Kind: "feedback_received", ControllerID: controllerID, FeedbackIndex: index}
	p.publish(subjectFor(controllerID), e)
}

// ControllerDisconnect implements broker.Observer.
func (p *Publisher) ControllerDisconnect(controllerID string) {
	p.publish(subjectFor(controllerID), event{Kind: "controller_disconnect", ControllerID: controllerID})
}

// AppDisconnect implements broker.Observer.
func (p *Publisher) AppDisconnect(appID string) {
	p.publish(fmt.Sprintf("dglab.events.app.%s", appID), event{Kind: "app_disconnect", ControllerID: appID})
}
