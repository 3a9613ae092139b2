package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ble-sensor-hub/internal/gatt"
)

// SessionConfig carries the timing tunables for one connection.
type SessionConfig struct {
	// ConnectTimeout bounds the connection attempt.
	ConnectTimeout time.Duration
	// OperationTimeout bounds each endpoint read or write. Zero means the
	// operation is bounded only by the caller's context.
	OperationTimeout time.Duration
	// SettleDelay is waited after connecting, before the service table is
	// queried, to absorb asynchronous service discovery on the transport.
	SettleDelay time.Duration
}

// DefaultSessionConfig returns the timings used when the config file leaves
// them unset.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
		SettleDelay:      2 * time.Second,
	}
}

// Session owns the lifecycle of one connection to one device: connect,
// endpoint reads/writes, disconnect. Sessions are never shared or reused;
// each batch target opens and closes its own.
type Session struct {
	addr      string
	conn      Conn
	opTimeout time.Duration
	logger    *slog.Logger
}

// OpenSession connects to the device at addr and waits out the settle delay.
// On any failure the link is left closed.
func OpenSession(ctx context.Context, t Transport, addr string, cfg SessionConfig, logger *slog.Logger) (*Session, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := t.Connect(connectCtx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	s := &Session{addr: addr, conn: conn, opTimeout: cfg.OperationTimeout, logger: logger}

	if cfg.SettleDelay > 0 {
		select {
		case <-time.After(cfg.SettleDelay):
		case <-ctx.Done():
			s.Close()
			return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
		}
	}
	return s, nil
}

// Read locates the endpoint through the service table and reads its value.
// The call is bounded by ctx and the operation timeout.
func (s *Session) Read(ctx context.Context, ep gatt.Endpoint) ([]byte, error) {
	return s.bounded(ctx, func() ([]byte, error) {
		ch, err := s.conn.DiscoverEndpoint(ep)
		if err != nil {
			return nil, fmt.Errorf("locate %s/%s: %w", ep.Service, ep.Characteristic, err)
		}
		data, err := ch.Read()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ep.Characteristic, err)
		}
		return data, nil
	})
}

// Write locates the endpoint through the service table and writes payload.
// The call is bounded by ctx and the operation timeout.
func (s *Session) Write(ctx context.Context, ep gatt.Endpoint, payload []byte) error {
	_, err := s.bounded(ctx, func() ([]byte, error) {
		ch, err := s.conn.DiscoverEndpoint(ep)
		if err != nil {
			return nil, fmt.Errorf("locate %s/%s: %w", ep.Service, ep.Characteristic, err)
		}
		if err := ch.Write(payload); err != nil {
			return nil, fmt.Errorf("write %s: %w", ep.Characteristic, err)
		}
		return nil, nil
	})
	return err
}

// bounded runs one blocking transport call under the operation timeout and
// the caller's context. The transport offers no way to interrupt a hung GATT
// exchange, so an abandoned call is left running; the session's close right
// after tears the link down under it.
func (s *Session) bounded(ctx context.Context, op func() ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := op()
		done <- outcome{data: data, err: err}
	}()

	var expired <-chan time.Time
	if s.opTimeout > 0 {
		timer := time.NewTimer(s.opTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-done:
		return out.data, out.err
	case <-expired:
		return nil, fmt.Errorf("%s: operation timed out after %s", s.addr, s.opTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects. It runs on every exit path of the caller; its own
// failure is logged and swallowed so it never masks the operation's real
// outcome or leaks a dangling link.
func (s *Session) Close() {
	if err := s.conn.Disconnect(); err != nil {
		s.logger.Debug("disconnect failed", "addr", s.addr, "err", err)
	}
}
