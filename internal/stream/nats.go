// Package stream carries engine outputs to the outside world: a JetStream
// publisher for durable downstream consumers, an in-process hub feeding
// WebSocket sessions, and a collateral subscriber that turns confirmed
// on-chain transfers into ledger deposits and withdrawals.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventStream holds everything the engine emits for the outside world.
	// Subjects: curvex.events.{type}.{instrument}
	EventStream        = "CURVEX_EVENTS"
	eventSubjectPrefix = "curvex.events"

	// CollateralStream carries confirmed transfers from the chain watcher.
	CollateralStream  = "CURVEX_COLLATERAL"
	DepositSubject    = "curvex.collateral.deposit.confirmed"
	WithdrawalSubject = "curvex.collateral.withdrawal.confirmed"
)

// Connect establishes a NATS connection with unlimited reconnects and
// returns a JetStream context.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStreams creates the JetStream streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      EventStream,
			Subjects:  []string{eventSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      CollateralStream,
			Subjects:  []string{"curvex.collateral.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
