package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

func hexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }

func hexStrings(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = hex.EncodeToString(b)
	}
	return out
}

func hexPubKeys(pks [][33]byte) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = hex.EncodeToString(pk[:])
	}
	return out
}

func (s store) WriteBitcoinBlock(ctx context.Context, block model.BitcoinBlockRef) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO bitcoin_blocks (block_hash, block_height, parent_hash, confirmed_at)
		VALUES (?, ?, ?, ?)`, block.Hash.String(), block.Height, "", nowUnix())
	return err
}

// WriteBitcoinBlockWithParent is the same as WriteBitcoinBlock but
// records the parent hash, which callers need for chain-walk queries.
func (s store) WriteBitcoinBlockWithParent(ctx context.Context, block model.BitcoinBlockRef, parent model.BitcoinBlockHash) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO bitcoin_blocks (block_hash, block_height, parent_hash, confirmed_at)
		VALUES (?, ?, ?, ?)`, block.Hash.String(), block.Height, parent.String(), nowUnix())
	return err
}

func (s store) WriteStacksBlock(ctx context.Context, block model.StacksBlockRef) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO stacks_blocks (block_hash, block_height, parent_hash, bitcoin_anchor_hash, confirmed_at)
		VALUES (?, ?, ?, ?, ?)`, block.Hash.String(), block.Height, "", block.BitcoinAnchor.String(), nowUnix())
	return err
}

func (s store) WriteDepositRequest(ctx context.Context, req model.DepositRequest) error {
	senderJSON, err := json.Marshal(hexStrings(req.SenderScriptPubKeys))
	if err != nil {
		return err
	}
	var confirmed any
	if req.ConfirmedBlockHash != nil {
		confirmed = req.ConfirmedBlockHash.String()
	}
	_, err = s.x.ExecContext(ctx, `INSERT INTO deposit_requests (txid, vout, amount, max_fee, deposit_script, reclaim_script,
		signers_public_key, recipient, lock_time, sender_script_pub_keys, confirmed_block_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid, vout) DO UPDATE SET confirmed_block_hash = excluded.confirmed_block_hash`,
		req.Outpoint.Txid.String(), req.Outpoint.Vout, req.Amount, req.MaxFee, req.DepositScript, req.ReclaimScript,
		req.SignersPublicKey[:], req.Recipient, req.LockTime, string(senderJSON), confirmed, nowUnix())
	return err
}

func (s store) WriteWithdrawalRequest(ctx context.Context, req model.WithdrawalRequest) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO withdrawal_requests (request_id, stacks_block_hash, stacks_txid, amount,
		max_fee, recipient_script_pub_key, sender_address, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.StacksBlockHash.String(), req.StacksTxid.String(), req.Amount, req.MaxFee,
		req.RecipientScriptPubKey, req.SenderAddress, nowUnix())
	return err
}

func (s store) UpsertDepositSigner(ctx context.Context, signer model.DepositSigner) error {
	_, err := s.x.ExecContext(ctx, `INSERT INTO deposit_signers (txid, vout, signer_pubkey, can_accept, can_sign, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid, vout, signer_pubkey) DO UPDATE SET can_accept = excluded.can_accept, can_sign = excluded.can_sign, updated_at = excluded.updated_at`,
		signer.Outpoint.Txid.String(), signer.Outpoint.Vout, signer.SignerPubKey[:], signer.CanAccept, signer.CanSign, nowUnix())
	return err
}

func (s store) UpsertWithdrawalSigner(ctx context.Context, signer model.WithdrawalSigner) error {
	var txid any
	if signer.Txid != nil {
		txid = signer.Txid.String()
	}
	_, err := s.x.ExecContext(ctx, `INSERT INTO withdrawal_signers (request_id, stacks_block_hash, signer_pubkey, is_accepted, txid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id, stacks_block_hash, signer_pubkey) DO UPDATE SET is_accepted = excluded.is_accepted, txid = excluded.txid, updated_at = excluded.updated_at`,
		signer.RequestID, signer.StacksBlockHash.String(), signer.SignerPubKey[:], signer.IsAccepted, txid, nowUnix())
	return err
}

func (s store) WriteSignerUtxo(ctx context.Context, utxo model.SignerUtxo) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO signer_utxos (txid, vout, amount, public_key, chain_tip, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, utxo.Outpoint.Txid.String(), utxo.Outpoint.Vout, utxo.Amount, utxo.PublicKey[:], utxo.ChainTip.String(), nowUnix())
	return err
}

// WriteBitcoinTxSigHashes writes all rows in a single transactional
// batch, matching the ordering invariant in spec §5 ("pre-sign sighash
// writes are a single transactional batch"). Callers invoke this
// through a Tx obtained from BeginTx; it is also safe to call directly
// for single-row batches outside a transaction.
func (s store) WriteBitcoinTxSigHashes(ctx context.Context, rows []model.BitcoinTxSigHash) error {
	for _, r := range rows {
		_, err := s.x.ExecContext(ctx, `INSERT INTO bitcoin_tx_sighashes (txid, chain_tip, prevout_txid, prevout_vout, sighash,
			prevout_type, validation_result, is_valid_tx, will_sign, aggregate_key, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(txid, prevout_txid, prevout_vout) DO UPDATE SET
				validation_result = excluded.validation_result, is_valid_tx = excluded.is_valid_tx,
				will_sign = excluded.will_sign, aggregate_key = excluded.aggregate_key`,
			r.Txid.String(), r.ChainTip.String(), r.Prevout.Txid.String(), r.Prevout.Vout, r.SigHash[:],
			string(r.PrevoutType), string(r.ValidationResult), r.IsValidTx, r.WillSign, r.AggregateKey[:], nowUnix())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s store) WriteWithdrawalOutcomeEvents(ctx context.Context, rows []model.WithdrawalOutcomeEvent) error {
	for _, r := range rows {
		_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO withdrawal_outcome_events (request_id, stacks_txid, accepted, block_hash, created_at)
			VALUES (?, ?, ?, ?, ?)`, r.RequestID, r.StacksTxid.String(), r.Accepted, r.BlockHash.String(), nowUnix())
		if err != nil {
			return err
		}
	}
	return nil
}

func (s store) WriteEncryptedDkgShares(ctx context.Context, shares model.EncryptedDkgShares) error {
	signerSetJSON, err := json.Marshal(hexPubKeys(shares.SignerSetPublicKeys))
	if err != nil {
		return err
	}
	status := shares.Status
	if status == "" {
		status = model.DkgStatusUnverified
	}
	_, err = s.x.ExecContext(ctx, `INSERT INTO encrypted_dkg_shares (aggregate_key, tweaked_aggregate_key, script_pubkey,
		encrypted_private_shares, public_shares, signer_set_public_keys, signature_share_threshold, status,
		started_at_bitcoin_block_hash, started_at_bitcoin_block_height, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_key) DO NOTHING`,
		shares.AggregateKey[:], shares.TweakedAggregateKey[:], shares.ScriptPubKey, shares.EncryptedPrivateShares,
		shares.PublicShares, string(signerSetJSON), shares.SignatureShareThreshold, string(status),
		shares.StartedAtBitcoinBlockHash.String(), shares.StartedAtBitcoinBlockHeight, nowUnix())
	return err
}

func (s store) SetDkgSharesStatus(ctx context.Context, aggregateKey [32]byte, status model.DkgStatus) (bool, error) {
	res, err := s.x.ExecContext(ctx, `UPDATE encrypted_dkg_shares SET status = ? WHERE aggregate_key = ? AND status != ?`,
		string(status), aggregateKey[:], string(status))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s store) WriteKeyRotationEvent(ctx context.Context, event model.KeyRotationEvent) error {
	signerSetJSON, err := json.Marshal(hexPubKeys(event.SignerSet))
	if err != nil {
		return err
	}
	_, err = s.x.ExecContext(ctx, `INSERT OR IGNORE INTO key_rotation_events (stacks_txid, block_hash, aggregate_key, signer_set,
		signatures_required, address, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.StacksTxid.String(), event.BlockHash.String(), event.AggregateKey[:], string(signerSetJSON),
		event.SignaturesRequired, event.Address, nowUnix())
	return err
}

func (s store) WriteCompletedDepositEvent(ctx context.Context, event model.CompletedDepositEvent) error {
	_, err := s.x.ExecContext(ctx, `INSERT OR IGNORE INTO completed_deposit_events (txid, vout, stacks_txid, block_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`, event.Outpoint.Txid.String(), event.Outpoint.Vout, event.StacksTxid.String(), event.BlockHash.String(), nowUnix())
	return err
}
