package swap

import (
	"context"
	"time"

	"github.com/chainsquad/swapchain/internal/bitshares"
	"github.com/chainsquad/swapchain/internal/htlc"
)

// acceptBTC runs the accepter-gives-BTC flow: the accepter reacts to the
// proposer's Bitshares HTLC and funds the Bitcoin leg with half the
// timelock, so its refund deadline arrives strictly first.
func (o *Orchestrator) acceptBTC(ctx context.Context) error {
	secret, err := SecretFromHash(o.cfg.SecretHash)
	if err != nil {
		return err
	}
	o.secret = secret

	lockSeconds, err := o.timer.ToBTS(ctx, o.btc)
	if err != nil {
		return err
	}

	myAccount, err := o.bts.ToAccountID(ctx, o.cfg.BitsharesWIF)
	if err != nil {
		return err
	}

	// The proposer's Bitshares HTLC must exist before we commit anything.
	var htlcID string
	err = o.pollSeconds(ctx, secondsDuration(lockSeconds), func(ctx context.Context) (bool, error) {
		id, err := o.bts.GetID(ctx, o.cfg.CounterpartyBitsharesAccount, myAccount, o.cfg.AmountBTSMini, secret.Hash(), lockSeconds)
		if err != nil {
			return false, err
		}
		htlcID = id
		return true, nil
	})
	if err == ErrTimeout {
		o.log.Warn("Proposer never funded the Bitshares leg, nothing was committed")
		return ErrTimeout
	}
	if err != nil {
		return err
	}

	o.log.Info("Proposer's Bitshares HTLC verified", "htlc_id", htlcID)

	timelockBTC := o.timer.ToBTC() / 2

	refundHex, err := o.engine.Create(ctx, &htlc.CreateParams{
		TransactionID: o.cfg.BitcoinTxID,
		Amount:        o.cfg.AmountSatoshi,
		Sequence:      timelockBTC,
		Hash:          secret.Hash(),
	})
	if err != nil {
		return err
	}

	o.log.Info("Bitcoin HTLC funded, waiting for the proposer to redeem it",
		"timelock_blocks", timelockBTC,
	)

	// The proposer's redeem reveals the preimage in the witness.
	ownAddress := o.engine.Funded().Payment.Address
	err = o.pollBlocks(ctx, timelockBTC, func(ctx context.Context) (bool, error) {
		preimage, err := o.btc.GetPreimageFromLastTransaction(ctx, ownAddress)
		if err != nil {
			return false, err
		}
		if err := secret.SetPreimage(preimage); err != nil {
			return false, err
		}
		return true, nil
	})
	if err == ErrTimeout {
		o.log.Warn("Proposer never redeemed the Bitcoin leg, refunding")
		return o.refundOwnLeg(ctx, refundHex)
	}
	if err != nil {
		return err
	}

	o.log.Info("Preimage extracted from the Bitcoin witness", "preimage", secret.PreimageHex())

	// Redeem the Bitshares leg with the revealed preimage.
	err = o.pollSeconds(ctx, secondsDuration(lockSeconds), func(ctx context.Context) (bool, error) {
		return o.bts.Redeem(ctx, o.cfg.AmountBTSMini, o.cfg.BitsharesWIF, secret.Preimage())
	})
	if err == ErrTimeout {
		o.log.Warn("Bitshares redeem never went through, refunding the Bitcoin leg")
		return o.refundOwnLeg(ctx, refundHex)
	}
	if err != nil {
		return err
	}

	o.log.Info("Swap complete, both legs redeemed")
	return nil
}

// acceptBTS runs the accepter-gives-BTS flow: the accepter reacts to the
// proposer's Bitcoin HTLC and creates the Bitshares leg with half the
// claim period.
func (o *Orchestrator) acceptBTS(ctx context.Context) error {
	secret, err := SecretFromHash(o.cfg.SecretHash)
	if err != nil {
		return err
	}
	o.secret = secret

	// The proposer funds with the full Bitcoin timelock.
	payment, err := o.engine.GetP2WSH(secret.Hash(), o.timer.ToBTC())
	if err != nil {
		return err
	}

	var observed uint64
	err = o.pollSeconds(ctx, o.cfg.AccepterBTCWait, func(ctx context.Context) (bool, error) {
		funding, err := o.btc.GetValueFromLastTransaction(ctx, payment.Address)
		if err != nil {
			return false, err
		}
		observed = funding.Value
		return true, nil
	})
	if err == ErrTimeout {
		o.log.Warn("Proposer never funded the Bitcoin leg, nothing was committed")
		return ErrTimeout
	}
	if err != nil {
		return err
	}

	// The observed amount must cover the agreed amount minus the maximum
	// tolerated fee deduction, before we fund our own leg.
	if err := o.verifyCounterpartyAmount(ctx, observed); err != nil {
		return err
	}

	lockSeconds, err := o.timer.ToBTS(ctx, o.btc)
	if err != nil {
		return err
	}
	lockSeconds /= 2

	if err := o.bts.Create(ctx, o.btsCreateParams(secret.Hash(), lockSeconds)); err != nil {
		return err
	}

	o.log.Info("Bitshares HTLC created, waiting for the proposer to redeem it",
		"lock_seconds", lockSeconds,
	)

	myAccount, err := o.bts.ToAccountID(ctx, o.cfg.BitsharesWIF)
	if err != nil {
		return err
	}

	err = o.pollSeconds(ctx, secondsDuration(lockSeconds), func(ctx context.Context) (bool, error) {
		preimage, err := o.bts.GetPreimageFromHTLC(ctx, myAccount, o.cfg.CounterpartyBitsharesAccount, secret.HashHex())
		if err != nil {
			return false, err
		}
		if err := secret.SetPreimage(preimage); err != nil {
			return false, err
		}
		return true, nil
	})
	if err == ErrTimeout {
		// Our Bitshares HTLC refunds by protocol; the proposer's Bitcoin
		// leg is theirs to recover.
		o.log.Warn("Proposer never redeemed the Bitshares leg; the HTLC refunds automatically")
		return errRefundedTimeout()
	}
	if err != nil {
		return err
	}

	o.log.Info("Preimage extracted from the Bitshares redeem", "preimage", secret.PreimageHex())

	if err := o.engine.Redeem(ctx, payment, observed, secret.Preimage()); err != nil {
		return err
	}

	o.log.Info("Swap complete, both legs redeemed")
	return nil
}

// btsCreateParams assembles the Bitshares HTLC creation parameters.
func (o *Orchestrator) btsCreateParams(hash []byte, lockSeconds uint32) *bitshares.CreateParams {
	return &bitshares.CreateParams{
		Amount:      o.cfg.AmountBTSMini,
		LockSeconds: lockSeconds,
		Hash:        hash,
		WIF:         o.cfg.BitsharesWIF,
		To:          o.cfg.CounterpartyBitsharesAccount,
	}
}

// secondsDuration converts a seconds count to a duration.
func secondsDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}
