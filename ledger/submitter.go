package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the connection to the attestation ledger.
type NATSConfig struct {
	URL             string
	Subject         string
	CredentialsFile string
	RequestTimeout  time.Duration
	ReconnectWait   time.Duration
	MaxReconnects   int
}

// submitReply is the ledger's response to a submission.
type submitReply struct {
	Accepted bool   `json:"accepted"`
	Locator  string `json:"locator"`
	Reason   string `json:"reason,omitempty"`
}

// NATSSubmitter delivers audit entries over a NATS request/reply subject.
type NATSSubmitter struct {
	conn *nats.Conn
	cfg  NATSConfig
}

// NewNATSSubmitter connects to the ledger endpoint.
func NewNATSSubmitter(cfg NATSConfig) (*NATSSubmitter, error) {
	opts := []nats.Option{
		nats.Name("vaultcore-ledger"),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSSubmitter{conn: conn, cfg: cfg}, nil
}

// Submit sends the entry and waits for the ledger's reply within the
// configured timeout. Transport problems map to ErrLedgerUnreachable; an
// explicit rejection comes back as a plain error.
func (s *NATSSubmitter) Submit(ctx context.Context, entry Entry) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry: %w", err)
	}

	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.conn.RequestWithContext(reqCtx, s.cfg.Subject, data)
	if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return "", fmt.Errorf("%w: %v", ErrLedgerUnreachable, err)
	}
	if err != nil {
		return "", fmt.Errorf("ledger request failed: %w", err)
	}

	var reply submitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to decode ledger reply: %w", err)
	}
	if !reply.Accepted {
		return "", fmt.Errorf("ledger rejected entry: %s", reply.Reason)
	}
	return reply.Locator, nil
}

// Connected reports whether the NATS connection is up.
func (s *NATSSubmitter) Connected() bool {
	return s.conn.IsConnected()
}

// Close drains the connection.
func (s *NATSSubmitter) Close() {
	s.conn.Close()
}
