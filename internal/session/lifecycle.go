package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Identifier is satisfied by internal/identify.SessionIdentifier, which wraps
// identify.Prober. Kept as an interface here so this package doesn't import
// identify (which itself depends on
// session), avoiding an import cycle.
type Identifier interface {
	Identify(ctx context.Context, sess *Session) (IdentifyResult, error)
}

// IdentifyResult mirrors identify.Result's fields this package needs,
// without importing that package.
type IdentifyResult struct {
	ProtocolID   string
	SerialNumber string
	DeviceType   string
}

// Registrar is called once a session is identified, and is responsible for
// creating or updating device state, registering with the control plane,
// and starting the poller. It returns the device id the session was bound
// to.
type Registrar func(ctx context.Context, sess *Session, result IdentifyResult) (deviceID string, err error)

// Unregistrar is called when a session's lifecycle ends, regardless of
// cause, so the device manager and scheduler can clean up.
type Unregistrar func(sess *Session, deviceID string)

// LifecycleConfig controls the stabilization delay and identification
// retry loop.
type LifecycleConfig struct {
	StabilizationDelay time.Duration
	IdentifyMaxRetries int
	IdentifyRetryDelay time.Duration
	IdentifyTimeout    time.Duration
}

// Lifecycle drives one session from acceptance through identification to
// hand-off, and back down again on disconnect. It is the Handler passed to
// Acceptor.
type Lifecycle struct {
	cfg        LifecycleConfig
	identifier Identifier
	register   Registrar
	unregister Unregistrar
	logger     zerolog.Logger
}

// NewLifecycle builds a Lifecycle.
func NewLifecycle(cfg LifecycleConfig, identifier Identifier, register Registrar, unregister Unregistrar, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		cfg:        cfg,
		identifier: identifier,
		register:   register,
		unregister: unregister,
		logger:     logger.With().Str("component", "connection-lifecycle").Logger(),
	}
}

// Handle implements Handler. It runs until the session disconnects.
func (l *Lifecycle) Handle(ctx context.Context, sess *Session) {
	select {
	case <-time.After(l.cfg.StabilizationDelay):
	case <-ctx.Done():
		return
	}

	sess.SetState(StateIdentifying)
	result, err := l.identifyWithRetry(ctx, sess)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", sess.RemoteAddr).Msg("failed to identify device, closing connection")
		sess.SetState(StateError)
		return
	}

	sess.Identify(result.ProtocolID, "")
	sess.SetState(StateIdentified)

	l.logger.Info().Str("protocol", result.ProtocolID).Str("serial", result.SerialNumber).
		Str("remote", sess.RemoteAddr).Msg("identified device")

	deviceID, err := l.register(ctx, sess, result)
	if err != nil {
		l.logger.Error().Err(err).Str("remote", sess.RemoteAddr).Msg("failed to register device")
		sess.SetState(StateError)
		return
	}
	sess.Identify(result.ProtocolID, deviceID)
	sess.SetState(StatePolling)

	defer func() {
		if l.unregister != nil {
			l.unregister(sess, deviceID)
		}
	}()

	// Block until the peer disconnects or the server shuts down; the poller
	// (started by Registrar) runs independently in its own goroutine.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.Closed() {
				return
			}
		}
	}
}

func (l *Lifecycle) identifyWithRetry(ctx context.Context, sess *Session) (IdentifyResult, error) {
	maxRetries := l.cfg.IdentifyMaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			l.logger.Debug().Int("attempt", attempt+1).Int("max", maxRetries).
				Str("remote", sess.RemoteAddr).Msg("retrying identification")
			select {
			case <-time.After(l.cfg.IdentifyRetryDelay):
			case <-ctx.Done():
				return IdentifyResult{}, ctx.Err()
			}
		}

		ictx, cancel := context.WithTimeout(ctx, l.cfg.IdentifyTimeout)
		result, err := l.identifier.Identify(ictx, sess)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	return IdentifyResult{}, lastErr
}
