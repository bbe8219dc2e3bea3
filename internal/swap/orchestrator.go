package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainsquad/swapchain/internal/backend"
	"github.com/chainsquad/swapchain/internal/bitshares"
	"github.com/chainsquad/swapchain/internal/config"
	"github.com/chainsquad/swapchain/internal/htlc"
	"github.com/chainsquad/swapchain/pkg/helpers"
	"github.com/chainsquad/swapchain/pkg/logging"
	"github.com/google/uuid"
)

// Orchestrator drives one swap through its create/wait/redeem-or-refund
// sequence. One swap per instance; all steps are totally ordered.
type Orchestrator struct {
	cfg    *config.SwapConfig
	btc    backend.BitcoinChain
	bts    bitshares.Chain
	engine *htlc.HTLC
	timer  *Timer
	secret *Secret

	swapID string
	log    *logging.Logger
}

// New wires an orchestrator. The engine's sender/receiver keys follow the
// direction: the party giving BTC is the sender on the Bitcoin leg.
func New(cfg *config.SwapConfig, btcChain backend.BitcoinChain, btsChain bitshares.Chain) (*Orchestrator, error) {
	sender := cfg.BitcoinKey
	receiver := cfg.CounterpartyBitcoinKey
	if cfg.GiveCurrency == config.CurrencyBTS {
		sender, receiver = receiver, sender
	}

	engine, err := htlc.New(&htlc.Config{
		Network:  cfg.Network,
		Sender:   sender,
		Receiver: receiver,
		Priority: cfg.Priority,
		Chain:    btcChain,
	})
	if err != nil {
		return nil, err
	}

	swapID := uuid.NewString()

	return &Orchestrator{
		cfg:    cfg,
		btc:    btcChain,
		bts:    btsChain,
		engine: engine,
		timer:  NewTimer(cfg.ConfirmationHorizon),
		swapID: swapID,
		log:    logging.GetDefault().Component("swap").With("swap_id", swapID),
	}, nil
}

// Run executes the flow selected by (mode, giveCurrency). On a fatal error
// after the own Bitcoin HTLC is funded, the pre-signed refund is broadcast
// best-effort before the error is re-raised.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("Starting swap",
		"mode", o.cfg.Mode,
		"gives", o.cfg.GiveCurrency,
		"network", o.cfg.Network,
		"satoshi", o.cfg.AmountSatoshi,
		"bts_mini", o.cfg.AmountBTSMini,
	)

	var err error
	switch {
	case o.cfg.Mode == config.ModeProposer && o.cfg.GiveCurrency == config.CurrencyBTC:
		err = o.proposeBTC(ctx)
	case o.cfg.Mode == config.ModeProposer && o.cfg.GiveCurrency == config.CurrencyBTS:
		err = o.proposeBTS(ctx)
	case o.cfg.Mode == config.ModeAccepter && o.cfg.GiveCurrency == config.CurrencyBTC:
		err = o.acceptBTC(ctx)
	default:
		err = o.acceptBTS(ctx)
	}

	if err != nil && !errors.Is(err, ErrRefunded) && !errors.Is(err, ErrTimeout) {
		o.tryRefund(ctx, err)
	}
	return err
}

// Secret exposes the shared secret, hash-only until a reveal is observed.
func (o *Orchestrator) Secret() *Secret {
	return o.secret
}

// tryRefund broadcasts the pre-signed refund after a fatal error. Best
// effort: its failure is logged with the raw hex for manual recovery and
// does not suppress the original error.
func (o *Orchestrator) tryRefund(ctx context.Context, cause error) {
	funded := o.engine.Funded()
	if funded == nil {
		return
	}

	o.log.Warn("Fatal error with a funded Bitcoin HTLC, broadcasting refund", "cause", cause)
	if _, err := o.btc.PushTX(ctx, funded.RefundHex); err != nil {
		o.log.Error("Refund broadcast failed, keep the raw transaction",
			"error", err,
			"raw_hex", funded.RefundHex,
		)
	}
}

// refundOwnLeg broadcasts the pre-signed refund at the end of an exhausted
// polling loop and reports the swap as aborted.
func (o *Orchestrator) refundOwnLeg(ctx context.Context, refundHex string) error {
	txid, err := o.btc.PushTX(ctx, refundHex)
	if err != nil {
		return fmt.Errorf("refund broadcast failed (raw hex: %s): %w", refundHex, err)
	}

	o.log.Info("Bitcoin HTLC refunded", "txid", txid)
	return fmt.Errorf("%w: %w", ErrRefunded, ErrTimeout)
}

// verifyCounterpartyAmount checks the observed Bitcoin HTLC value against the
// agreed amount minus the maximum tolerated fee deduction. Runs before this
// party commits anything further.
func (o *Orchestrator) verifyCounterpartyAmount(ctx context.Context, observed uint64) error {
	fee, err := o.engine.CalculateFee(ctx)
	if err != nil {
		return err
	}

	var min uint64
	if o.cfg.AmountSatoshi > fee.Max {
		min = o.cfg.AmountSatoshi - fee.Max
	}
	if observed < min {
		return fmt.Errorf("%w: counterparty HTLC holds %s BTC, need at least %s (agreed %s minus max fee %d sat)",
			config.ErrInput,
			helpers.SatoshisToBTC(observed),
			helpers.SatoshisToBTC(min),
			helpers.SatoshisToBTC(o.cfg.AmountSatoshi),
			fee.Max,
		)
	}
	return nil
}

// swallowable classifies polling-loop errors: transport failures and absent
// objects are an expected "not yet"; everything else is structural and
// surfaces.
func swallowable(err error) bool {
	return errors.Is(err, backend.ErrChainQuery) ||
		errors.Is(err, backend.ErrNotFound) ||
		errors.Is(err, bitshares.ErrChainQuery) ||
		errors.Is(err, bitshares.ErrNotFound)
}

// pollSeconds repeats step every CheckAPIInterval until it reports done or
// the seconds budget is spent. Returns ErrTimeout on exhaustion.
func (o *Orchestrator) pollSeconds(ctx context.Context, budget time.Duration, step func(context.Context) (bool, error)) error {
	iterations := int(budget / o.cfg.CheckAPIInterval)
	if iterations < 1 {
		iterations = 1
	}

	for i := 0; i < iterations; i++ {
		done, err := step(ctx)
		if err != nil && !swallowable(err) {
			return err
		}
		if err != nil {
			o.log.Debug("Polling, not yet", "error", err)
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.CheckAPIInterval):
		}
	}

	return ErrTimeout
}

// pollBlocks repeats step every CheckAPIInterval until it reports done or the
// chain tip reaches fundingHeight+timelock blocks. While the funding
// transaction is unconfirmed the horizon cannot have started, so polling
// continues. Returns ErrTimeout on exhaustion.
func (o *Orchestrator) pollBlocks(ctx context.Context, timelock uint32, step func(context.Context) (bool, error)) error {
	for {
		done, err := step(ctx)
		if err != nil && !swallowable(err) {
			return err
		}
		if err != nil {
			o.log.Debug("Polling, not yet", "error", err)
		}
		if done {
			return nil
		}

		expired, err := o.timelockExpired(ctx, timelock)
		if err != nil && !swallowable(err) {
			return err
		}
		if expired {
			return ErrTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.CheckAPIInterval):
		}
	}
}

// timelockExpired reports whether the own HTLC's relative timelock has run
// out, measured from the funding confirmation height.
func (o *Orchestrator) timelockExpired(ctx context.Context, timelock uint32) (bool, error) {
	fundingHeight, err := o.engine.GetFundingTxBlockHeight(ctx)
	if err != nil {
		return false, err
	}
	if fundingHeight == 0 {
		return false, nil
	}

	tip, err := o.btc.GetLastBlock(ctx)
	if err != nil {
		return false, err
	}

	return tip.Height >= fundingHeight+int64(timelock), nil
}
