package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	fpmath "curvex/internal/math"
	"curvex/internal/wire"
)

// Funds is the ledger surface the collateral subscriber drives.
type Funds interface {
	Deposit(trader string, amount int64, ref string) error
	Withdraw(trader string, amount int64, ref string) error
}

// TransferMessage is a confirmed on-chain collateral transfer as published
// by the chain watcher. Amount is a decimal string in quote units.
type TransferMessage struct {
	Trader string `json:"trader"`
	Amount string `json:"amount"`
	TxHash string `json:"tx_hash"`
}

// CollateralSubscriber consumes confirmed deposit and withdrawal events
// and applies them to the ledger. Messages are acked after one processing
// attempt regardless of outcome: the ledger credit is not idempotent, so a
// redelivered deposit would double-credit. Failures are logged for the
// reconciliation job instead.
type CollateralSubscriber struct {
	js        jetstream.JetStream
	funds     Funds
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

func NewCollateralSubscriber(js jetstream.JetStream, funds Funds, logger zerolog.Logger) *CollateralSubscriber {
	return &CollateralSubscriber{js: js, funds: funds, logger: logger}
}

// Subscribe creates the durable consumer and starts delivery.
func (cs *CollateralSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := cs.js.CreateOrUpdateConsumer(ctx, CollateralStream, jetstream.ConsumerConfig{
		Durable:       "curvex-collateral",
		FilterSubject: "curvex.collateral.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create collateral consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		cs.handle(msg.Subject(), msg.Data())
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume collateral: %w", err)
	}

	cs.consumers = append(cs.consumers, cc)
	cs.logger.Info().Str("stream", CollateralStream).Msg("collateral subscriber started")
	return nil
}

func (cs *CollateralSubscriber) handle(subject string, data []byte) {
	var msg TransferMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cs.logger.Error().Err(err).Str("subject", subject).Msg("malformed transfer message")
		return
	}

	amount, err := wire.ParseDecimal(msg.Amount, fpmath.QuoteConfig)
	if err != nil {
		cs.logger.Error().Err(err).Str("subject", subject).Str("amount", msg.Amount).
			Msg("malformed transfer amount")
		return
	}
	trader := strings.ToLower(msg.Trader)

	switch {
	case strings.HasPrefix(subject, DepositSubject):
		err = cs.funds.Deposit(trader, amount, msg.TxHash)
	case strings.HasPrefix(subject, WithdrawalSubject):
		err = cs.funds.Withdraw(trader, amount, msg.TxHash)
	default:
		cs.logger.Warn().Str("subject", subject).Msg("unrecognized collateral subject")
		return
	}

	if err != nil {
		cs.logger.Error().Err(err).
			Str("subject", subject).
			Str("trader", trader).
			Str("tx", msg.TxHash).
			Msg("transfer application failed")
		return
	}
	cs.logger.Info().
		Str("subject", subject).
		Str("trader", trader).
		Int64("amount", amount).
		Msg("collateral transfer applied")
}

// Stop halts delivery.
func (cs *CollateralSubscriber) Stop() {
	for _, cc := range cs.consumers {
		cc.Stop()
	}
}
