package swap

import (
	"context"

	"github.com/chainsquad/swapchain/internal/htlc"
)

// proposeBTC runs the proposer-gives-BTC flow. The proposer acts first on the
// Bitcoin leg with the full timelock; the accepter's Bitshares HTLC carries
// half of it.
func (o *Orchestrator) proposeBTC(ctx context.Context) error {
	secret, err := NewSecret()
	if err != nil {
		return err
	}
	o.secret = secret

	timelockBTC := o.timer.ToBTC()

	refundHex, err := o.engine.Create(ctx, &htlc.CreateParams{
		TransactionID: o.cfg.BitcoinTxID,
		Amount:        o.cfg.AmountSatoshi,
		Sequence:      timelockBTC,
		Hash:          secret.Hash(),
	})
	if err != nil {
		return err
	}

	o.log.Info("Bitcoin HTLC funded, waiting for the counterparty's Bitshares HTLC",
		"hash", secret.HashHex(),
		"timelock_blocks", timelockBTC,
	)

	// Redeeming polls: false means the counterparty HTLC is not on-chain yet.
	err = o.pollBlocks(ctx, timelockBTC, func(ctx context.Context) (bool, error) {
		return o.bts.Redeem(ctx, o.cfg.AmountBTSMini, o.cfg.BitsharesWIF, secret.Preimage())
	})
	if err == ErrTimeout {
		o.log.Warn("Counterparty never funded the Bitshares leg, refunding")
		return o.refundOwnLeg(ctx, refundHex)
	}
	if err != nil {
		return err
	}

	o.log.Info("Bitshares HTLC redeemed, preimage is now public; the counterparty takes the Bitcoin leg")
	return nil
}

// proposeBTS runs the proposer-gives-BTS flow. The proposer acts first on the
// Bitshares leg with the full timelock; the accepter's Bitcoin HTLC carries
// half of it.
func (o *Orchestrator) proposeBTS(ctx context.Context) error {
	secret, err := NewSecret()
	if err != nil {
		return err
	}
	o.secret = secret

	lockSeconds, err := o.timer.ToBTS(ctx, o.btc)
	if err != nil {
		return err
	}

	if err := o.bts.Create(ctx, o.btsCreateParams(secret.Hash(), lockSeconds)); err != nil {
		return err
	}

	o.log.Info("Bitshares HTLC created, waiting for the counterparty's Bitcoin HTLC",
		"hash", secret.HashHex(),
		"lock_seconds", lockSeconds,
	)

	// The accepter funds with half the Bitcoin timelock.
	payment, err := o.engine.GetP2WSH(secret.Hash(), o.timer.ToBTC()/2)
	if err != nil {
		return err
	}

	var observed uint64
	err = o.pollSeconds(ctx, secondsDuration(lockSeconds), func(ctx context.Context) (bool, error) {
		funding, err := o.btc.GetValueFromLastTransaction(ctx, payment.Address)
		if err != nil {
			return false, err
		}
		observed = funding.Value
		return true, nil
	})
	if err == ErrTimeout {
		// The Bitcoin leg here belongs to the counterparty; our Bitshares
		// HTLC refunds by protocol when its claim period ends.
		o.log.Warn("Counterparty never funded the Bitcoin leg; the Bitshares HTLC refunds automatically")
		return errRefundedTimeout()
	}
	if err != nil {
		return err
	}

	if err := o.verifyCounterpartyAmount(ctx, observed); err != nil {
		return err
	}

	if err := o.engine.Redeem(ctx, payment, observed, secret.Preimage()); err != nil {
		return err
	}

	o.log.Info("Bitcoin HTLC redeemed, preimage is now public; the counterparty takes the Bitshares leg")
	return nil
}
