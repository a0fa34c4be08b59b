// Package serialsource reads device reports from a serial gateway.
package serialsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tarm/serial"

	"sensorhub/telemetry-broker/internal/ingest"
	"sensorhub/telemetry-broker/internal/model"
)

// SourceName labels reports read from the serial port.
const SourceName = "serial"

// Ingester accepts raw reports.
type Ingester interface {
	Ingest(ctx context.Context, source string, raw []byte) (*model.Envelope, error)
}

// Config describes the serial port.
type Config struct {
	Port        string
	Baud        int
	Framing     Framing
	ReadTimeout time.Duration
}

// Source reads reports from a serial port and ingests them.
type Source struct {
	cfg    Config
	gate   Ingester
	logger *slog.Logger
	open   func() (io.ReadWriteCloser, error)
}

// New constructs a Source with defaults for unset Config fields.
func New(cfg Config, gate Ingester, logger *slog.Logger) *Source {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.Framing == "" {
		cfg.Framing = FramingLines
	}
	s := &Source{cfg: cfg, gate: gate, logger: logger}
	s.open = func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        cfg.Port,
			Baud:        cfg.Baud,
			Parity:      serial.ParityNone,
			ReadTimeout: cfg.ReadTimeout,
		})
	}
	return s
}

// Run reads until ctx is cancelled, reopening the port with exponential
// backoff when it fails.
func (s *Source) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	op := func() error {
		port, err := s.open()
		if err != nil {
			return fmt.Errorf("open serial port %s: %w", s.cfg.Port, err)
		}
		s.logger.Info("serial source reading", "port", s.cfg.Port, "baud", s.cfg.Baud, "framing", s.cfg.Framing)
		policy.Reset()
		err = s.serve(ctx, port)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("serial source failed", "port", s.cfg.Port, "retry_in", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serve reads frames from port until it fails or ctx is cancelled.
func (s *Source) serve(ctx context.Context, port io.ReadWriteCloser) error {
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer func() {
		if stop() {
			_ = port.Close()
		}
	}()

	dec := newDecoder(s.cfg.Framing)
	buf := make([]byte, 1024)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			for _, f := range dec.feed(buf[:n]) {
				s.handle(ctx, port, f)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the port reports an expired read timeout as EOF
			if errors.Is(err, io.EOF) {
				continue
			}
			return fmt.Errorf("read serial port: %w", err)
		}
	}
}

func (s *Source) handle(ctx context.Context, port io.Writer, f frame) {
	if f.corrupt {
		s.logger.Warn("discarding corrupt serial frame", "port", s.cfg.Port)
		s.reply(port, "RETRY")
		return
	}
	if _, err := s.gate.Ingest(ctx, SourceName, f.data); err != nil {
		s.reply(port, "ERR")
		return
	}
	s.reply(port, "OK")
}

func (s *Source) reply(port io.Writer, ack string) {
	if s.cfg.Framing != FramingCRC {
		return
	}
	if _, err := port.Write([]byte(ack + "\n")); err != nil {
		s.logger.Debug("serial ack failed", "error", err)
	}
}

var _ Ingester = (*ingest.Gate)(nil)
