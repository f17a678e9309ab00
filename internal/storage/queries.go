package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

// store implements Reader and Writer against any execer, so the same
// method bodies serve both the top-level *Storage handle and a
// transaction handle.
type store struct {
	x execer
}

func nowUnix() int64 { return time.Now().Unix() }

func (s store) GetBitcoinBlock(ctx context.Context, hash model.BitcoinBlockHash) (*model.BitcoinBlockRef, error) {
	row := s.x.QueryRowContext(ctx, `SELECT block_hash, block_height, parent_hash FROM bitcoin_blocks WHERE block_hash = ?`, hash.String())
	var h, parent string
	var height int64
	if err := row.Scan(&h, &height, &parent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &model.BitcoinBlockRef{Hash: hash, Height: uint64(height)}, nil
}

func (s store) GetStacksBlock(ctx context.Context, hash model.StacksBlockHash) (*model.StacksBlockRef, error) {
	row := s.x.QueryRowContext(ctx, `SELECT block_height, parent_hash, bitcoin_anchor_hash FROM stacks_blocks WHERE block_hash = ?`, hash.String())
	var height int64
	var parent, anchor string
	if err := row.Scan(&height, &parent, &anchor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var anchorHash model.BitcoinBlockHash
	copy(anchorHash[:], mustFromHexString(anchor))
	return &model.StacksBlockRef{Hash: hash, Height: uint64(height), BitcoinAnchor: anchorHash}, nil
}

func (s store) GetCanonicalChainTip(ctx context.Context) (*model.BitcoinBlockRef, error) {
	row := s.x.QueryRowContext(ctx, `SELECT block_hash, block_height FROM bitcoin_blocks ORDER BY block_height DESC LIMIT 1`)
	var h string
	var height int64
	if err := row.Scan(&h, &height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var hash model.BitcoinBlockHash
	copy(hash[:], mustFromHexString(h))
	return &model.BitcoinBlockRef{Hash: hash, Height: uint64(height)}, nil
}

func (s store) GetStacksChainTip(ctx context.Context, bitcoinTip model.BitcoinBlockHash) (*model.StacksBlockRef, error) {
	row := s.x.QueryRowContext(ctx, `SELECT block_hash, block_height, parent_hash FROM stacks_blocks WHERE bitcoin_anchor_hash = ? ORDER BY block_height DESC LIMIT 1`, bitcoinTip.String())
	var h, parent string
	var height int64
	if err := row.Scan(&h, &height, &parent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var hash model.StacksBlockHash
	copy(hash[:], mustFromHexString(h))
	return &model.StacksBlockRef{Hash: hash, Height: uint64(height), BitcoinAnchor: bitcoinTip}, nil
}

func (s store) ChainTipStatus(ctx context.Context, hash model.BitcoinBlockHash) (model.ChainTipStatus, error) {
	known, err := s.blockExists(ctx, hash)
	if err != nil || !known {
		return model.ChainTipStatusUnknown, err
	}
	tip, err := s.GetCanonicalChainTip(ctx)
	if err != nil {
		return model.ChainTipStatusUnknown, err
	}
	if tip != nil && tip.Hash == hash {
		return model.ChainTipStatusCanonical, nil
	}
	return model.ChainTipStatusKnown, nil
}

func (s store) blockExists(ctx context.Context, hash model.BitcoinBlockHash) (bool, error) {
	row := s.x.QueryRowContext(ctx, `SELECT 1 FROM bitcoin_blocks WHERE block_hash = ?`, hash.String())
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s store) GetPendingDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int) ([]model.DepositRequest, error) {
	hashes, err := s.windowHashes(ctx, tip, contextWindow)
	if err != nil || len(hashes) == 0 {
		return nil, err
	}
	rows, err := s.x.QueryContext(ctx, inClause(`SELECT txid, vout, amount, max_fee, deposit_script, reclaim_script,
		signers_public_key, recipient, lock_time, sender_script_pub_keys, confirmed_block_hash
		FROM deposit_requests WHERE confirmed_block_hash IN (`, hashes)+`)`, hashesToArgs(hashes)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DepositRequest
	for rows.Next() {
		var r model.DepositRequest
		var txid string
		var senderJSON string
		var confirmed sql.NullString
		var signersPk []byte
		if err := rows.Scan(&txid, &r.Outpoint.Vout, &r.Amount, &r.MaxFee, &r.DepositScript, &r.ReclaimScript,
			&signersPk, &r.Recipient, &r.LockTime, &senderJSON, &confirmed); err != nil {
			return nil, err
		}
		copy(r.Outpoint.Txid[:], mustFromHexString(txid))
		copy(r.SignersPublicKey[:], signersPk)
		if confirmed.Valid {
			var h model.BitcoinBlockHash
			copy(h[:], mustFromHexString(confirmed.String))
			r.ConfirmedBlockHash = &h
		}
		var senders [][]byte
		if err := json.Unmarshal([]byte(senderJSON), &senders); err != nil {
			return nil, err
		}
		r.SenderScriptPubKeys = senders
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s store) GetPendingWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int) ([]model.WithdrawalRequest, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT request_id, stacks_block_hash, stacks_txid, amount, max_fee,
		recipient_script_pub_key, sender_address FROM withdrawal_requests WHERE stacks_block_hash = ?`, tip.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		var w model.WithdrawalRequest
		var blockHash, txid string
		if err := rows.Scan(&w.RequestID, &blockHash, &txid, &w.Amount, &w.MaxFee, &w.RecipientScriptPubKey, &w.SenderAddress); err != nil {
			return nil, err
		}
		copy(w.StacksBlockHash[:], mustFromHexString(blockHash))
		copy(w.StacksTxid[:], mustFromHexString(txid))
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetPendingAcceptedDepositRequests filters pending deposits down to
// those with at least `threshold` accepting signer decisions.
func (s store) GetPendingAcceptedDepositRequests(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int, threshold uint32) ([]model.DepositRequest, error) {
	pending, err := s.GetPendingDepositRequests(ctx, tip, contextWindow)
	if err != nil {
		return nil, err
	}
	var out []model.DepositRequest
	for _, d := range pending {
		signers, err := s.GetDepositSigners(ctx, d.Outpoint)
		if err != nil {
			return nil, err
		}
		var accepts uint32
		for _, sg := range signers {
			if sg.CanAccept {
				accepts++
			}
		}
		if accepts >= threshold {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetPendingAcceptedWithdrawalRequests is the withdrawal analogue of
// GetPendingAcceptedDepositRequests.
func (s store) GetPendingAcceptedWithdrawalRequests(ctx context.Context, tip model.StacksBlockHash, contextWindow int, threshold uint32) ([]model.WithdrawalRequest, error) {
	pending, err := s.GetPendingWithdrawalRequests(ctx, tip, contextWindow)
	if err != nil {
		return nil, err
	}
	var out []model.WithdrawalRequest
	for _, w := range pending {
		signers, err := s.GetWithdrawalSigners(ctx, w.RequestID, w.StacksBlockHash)
		if err != nil {
			return nil, err
		}
		var accepts uint32
		for _, sg := range signers {
			if sg.IsAccepted {
				accepts++
			}
		}
		if accepts >= threshold {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s store) DepositRequestReport(ctx context.Context, tip model.BitcoinBlockHash, outpoint model.OutPoint, signerPubKey [33]byte) (*DepositRequestReport, error) {
	signers, err := s.GetDepositSigners(ctx, outpoint)
	if err != nil {
		return nil, err
	}
	report := &DepositRequestReport{}
	for _, sg := range signers {
		if sg.SignerPubKey == signerPubKey {
			report.IsAccepted = sg.CanAccept
			report.CanSign = sg.CanSign
		}
	}

	row := s.x.QueryRowContext(ctx, `SELECT confirmed_block_hash, lock_time FROM deposit_requests WHERE txid = ? AND vout = ?`,
		outpoint.Txid.String(), outpoint.Vout)
	var confirmed sql.NullString
	var lockTime int64
	if err := row.Scan(&confirmed, &lockTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return report, nil
		}
		return nil, err
	}
	report.LockTime = uint32(lockTime)
	report.IsConfirmed = confirmed.Valid

	swept, err := s.isSwept(ctx, outpoint)
	if err != nil {
		return nil, err
	}
	report.IsSwept = swept
	return report, nil
}

func (s store) isSwept(ctx context.Context, outpoint model.OutPoint) (bool, error) {
	row := s.x.QueryRowContext(ctx, `SELECT 1 FROM completed_deposit_events WHERE txid = ? AND vout = ?`, outpoint.Txid.String(), outpoint.Vout)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s store) WithdrawalRequestReport(ctx context.Context, bitcoinTip model.BitcoinBlockHash, stacksTip model.StacksBlockHash, requestID uint64, signerPubKey [33]byte) (*WithdrawalRequestReport, error) {
	signers, err := s.GetWithdrawalSigners(ctx, requestID, stacksTip)
	if err != nil {
		return nil, err
	}
	report := &WithdrawalRequestReport{}
	for _, sg := range signers {
		if sg.SignerPubKey == signerPubKey {
			report.IsAccepted = sg.IsAccepted
			report.CanSign = sg.Txid != nil
		}
	}
	row := s.x.QueryRowContext(ctx, `SELECT 1 FROM withdrawal_outcome_events WHERE request_id = ?`, requestID)
	var one int
	if err := row.Scan(&one); err == nil {
		report.IsSwept = one == 1
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	report.IsConfirmed = true
	return report, nil
}

func (s store) GetDepositSigners(ctx context.Context, outpoint model.OutPoint) ([]model.DepositSigner, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT signer_pubkey, can_accept, can_sign FROM deposit_signers WHERE txid = ? AND vout = ?`,
		outpoint.Txid.String(), outpoint.Vout)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DepositSigner
	for rows.Next() {
		var pk []byte
		var canAccept, canSign bool
		if err := rows.Scan(&pk, &canAccept, &canSign); err != nil {
			return nil, err
		}
		var s model.DepositSigner
		s.Outpoint = outpoint
		copy(s.SignerPubKey[:], pk)
		s.CanAccept = canAccept
		s.CanSign = canSign
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s store) GetWithdrawalSigners(ctx context.Context, requestID uint64, stacksBlockHash model.StacksBlockHash) ([]model.WithdrawalSigner, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT signer_pubkey, is_accepted, txid FROM withdrawal_signers WHERE request_id = ? AND stacks_block_hash = ?`,
		requestID, stacksBlockHash.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalSigner
	for rows.Next() {
		var pk []byte
		var accepted bool
		var txid sql.NullString
		if err := rows.Scan(&pk, &accepted, &txid); err != nil {
			return nil, err
		}
		var w model.WithdrawalSigner
		w.RequestID = requestID
		w.StacksBlockHash = stacksBlockHash
		copy(w.SignerPubKey[:], pk)
		w.IsAccepted = accepted
		if txid.Valid {
			var t model.BitcoinTxId
			copy(t[:], mustFromHexString(txid.String))
			w.Txid = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s store) GetSignerUtxo(ctx context.Context, tip model.BitcoinBlockHash) (*model.SignerUtxo, error) {
	row := s.x.QueryRowContext(ctx, `SELECT txid, vout, amount, public_key FROM signer_utxos WHERE chain_tip = ? ORDER BY created_at DESC LIMIT 1`, tip.String())
	var txid string
	var vout uint32
	var amount uint64
	var pk []byte
	if err := row.Scan(&txid, &vout, &amount, &pk); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u := &model.SignerUtxo{Amount: amount, ChainTip: tip}
	copy(u.Outpoint.Txid[:], mustFromHexString(txid))
	u.Outpoint.Vout = vout
	copy(u.PublicKey[:], pk)
	return u, nil
}

func (s store) GetSignerScriptPubKeys(ctx context.Context) ([][]byte, error) {
	cutoff := time.Now().AddDate(0, 0, -365).Unix()
	rows, err := s.x.QueryContext(ctx, `SELECT script_pubkey FROM encrypted_dkg_shares WHERE created_at >= ? ORDER BY created_at DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var pk []byte
		if err := rows.Scan(&pk); err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) > 0 {
		return out, nil
	}

	// No shares within the window: fall back to the single most recent.
	row := s.x.QueryRowContext(ctx, `SELECT script_pubkey FROM encrypted_dkg_shares ORDER BY created_at DESC LIMIT 1`)
	var pk []byte
	if err := row.Scan(&pk); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return [][]byte{pk}, nil
}

func (s store) GetLatestEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error) {
	return s.scanLatestDkgShares(ctx, `SELECT aggregate_key, tweaked_aggregate_key, script_pubkey, encrypted_private_shares,
		public_shares, signer_set_public_keys, signature_share_threshold, status, started_at_bitcoin_block_hash,
		started_at_bitcoin_block_height FROM encrypted_dkg_shares ORDER BY created_at DESC LIMIT 1`)
}

func (s store) GetLatestVerifiedEncryptedDkgShares(ctx context.Context) (*model.EncryptedDkgShares, error) {
	return s.scanLatestDkgShares(ctx, `SELECT aggregate_key, tweaked_aggregate_key, script_pubkey, encrypted_private_shares,
		public_shares, signer_set_public_keys, signature_share_threshold, status, started_at_bitcoin_block_hash,
		started_at_bitcoin_block_height FROM encrypted_dkg_shares WHERE status = 'verified' ORDER BY created_at DESC LIMIT 1`)
}

func (s store) GetEncryptedDkgSharesByAggregateKey(ctx context.Context, aggregateKey [32]byte) (*model.EncryptedDkgShares, error) {
	return s.scanLatestDkgShares(ctx, `SELECT aggregate_key, tweaked_aggregate_key, script_pubkey, encrypted_private_shares,
		public_shares, signer_set_public_keys, signature_share_threshold, status, started_at_bitcoin_block_hash,
		started_at_bitcoin_block_height FROM encrypted_dkg_shares WHERE aggregate_key = ?`, aggregateKey[:])
}

func (s store) scanLatestDkgShares(ctx context.Context, query string, args ...any) (*model.EncryptedDkgShares, error) {
	row := s.x.QueryRowContext(ctx, query, args...)
	var aggKey, tweaked, scriptPk, encShares, pubShares []byte
	var signerSetJSON, status, startedHash string
	var threshold, startedHeight int64
	if err := row.Scan(&aggKey, &tweaked, &scriptPk, &encShares, &pubShares, &signerSetJSON, &threshold, &status, &startedHash, &startedHeight); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var signerSetHex []string
	if err := json.Unmarshal([]byte(signerSetJSON), &signerSetHex); err != nil {
		return nil, err
	}
	signerSet := make([][33]byte, len(signerSetHex))
	for i, hx := range signerSetHex {
		copy(signerSet[i][:], mustFromHexString(hx))
	}

	shares := &model.EncryptedDkgShares{
		ScriptPubKey:                scriptPk,
		EncryptedPrivateShares:      encShares,
		PublicShares:                pubShares,
		SignerSetPublicKeys:         signerSet,
		SignatureShareThreshold:     uint32(threshold),
		Status:                      model.DkgStatus(status),
		StartedAtBitcoinBlockHeight: uint64(startedHeight),
	}
	copy(shares.AggregateKey[:], aggKey)
	copy(shares.TweakedAggregateKey[:], tweaked)
	copy(shares.StartedAtBitcoinBlockHash[:], mustFromHexString(startedHash))
	return shares, nil
}

func (s store) GetLatestKeyRotation(ctx context.Context) (*model.KeyRotationEvent, error) {
	row := s.x.QueryRowContext(ctx, `SELECT stacks_txid, block_hash, aggregate_key, signer_set, signatures_required, address
		FROM key_rotation_events ORDER BY created_at DESC LIMIT 1`)
	var txid, blockHash, address, signerSetJSON string
	var aggKey []byte
	var sigsRequired int64
	if err := row.Scan(&txid, &blockHash, &aggKey, &signerSetJSON, &sigsRequired, &address); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var signerSetHex []string
	if err := json.Unmarshal([]byte(signerSetJSON), &signerSetHex); err != nil {
		return nil, err
	}
	signerSet := make([][33]byte, len(signerSetHex))
	for i, hx := range signerSetHex {
		copy(signerSet[i][:], mustFromHexString(hx))
	}
	event := &model.KeyRotationEvent{SignerSet: signerSet, SignaturesRequired: uint32(sigsRequired), Address: address}
	copy(event.StacksTxid[:], mustFromHexString(txid))
	copy(event.BlockHash[:], mustFromHexString(blockHash))
	copy(event.AggregateKey[:], aggKey)
	return event, nil
}

func (s store) IsKnownScriptPubKey(ctx context.Context, scriptPubKey []byte) (bool, error) {
	row := s.x.QueryRowContext(ctx, `SELECT 1 FROM encrypted_dkg_shares WHERE script_pubkey = ? LIMIT 1`, scriptPubKey)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s store) IsInCanonicalChain(ctx context.Context, hash model.BitcoinBlockHash) (bool, error) {
	status, err := s.ChainTipStatus(ctx, hash)
	if err != nil {
		return false, err
	}
	return status != model.ChainTipStatusUnknown, nil
}

func (s store) WillSign(ctx context.Context, sigHash [32]byte) (*model.BitcoinTxSigHash, error) {
	row := s.x.QueryRowContext(ctx, `SELECT txid, chain_tip, prevout_txid, prevout_vout, prevout_type, validation_result,
		is_valid_tx, will_sign, aggregate_key FROM bitcoin_tx_sighashes WHERE sighash = ? LIMIT 1`, sigHash[:])
	var txid, chainTip, prevoutTxid, prevoutType, validation string
	var prevoutVout uint32
	var isValid, willSign bool
	var aggKey []byte
	if err := row.Scan(&txid, &chainTip, &prevoutTxid, &prevoutVout, &prevoutType, &validation, &isValid, &willSign, &aggKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	sh := &model.BitcoinTxSigHash{
		SigHash:          sigHash,
		PrevoutType:      model.PrevoutType(prevoutType),
		ValidationResult: model.ValidationResult(validation),
		IsValidTx:        isValid,
		WillSign:         willSign,
	}
	copy(sh.Txid[:], mustFromHexString(txid))
	copy(sh.ChainTip[:], mustFromHexString(chainTip))
	copy(sh.Prevout.Txid[:], mustFromHexString(prevoutTxid))
	sh.Prevout.Vout = prevoutVout
	copy(sh.AggregateKey[:], aggKey)
	return sh, nil
}

func (s store) GetSweptUnfinalizedDeposits(ctx context.Context, tip model.BitcoinBlockHash) ([]model.DepositRequest, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT d.txid, d.vout, d.amount, d.max_fee, d.deposit_script, d.reclaim_script,
		d.signers_public_key, d.recipient, d.lock_time, d.sender_script_pub_keys, d.confirmed_block_hash
		FROM deposit_requests d
		JOIN bitcoin_tx_sighashes s ON s.prevout_txid = d.txid AND s.prevout_vout = d.vout
		WHERE s.chain_tip = ? AND s.is_valid_tx = 1
		AND NOT EXISTS (SELECT 1 FROM completed_deposit_events c WHERE c.txid = d.txid AND c.vout = d.vout)`, tip.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDepositRows(rows)
}

func (s store) GetSweptUnfinalizedWithdrawals(ctx context.Context, tip model.StacksBlockHash) ([]model.WithdrawalRequest, error) {
	rows, err := s.x.QueryContext(ctx, `SELECT w.request_id, w.stacks_block_hash, w.stacks_txid, w.amount, w.max_fee,
		w.recipient_script_pub_key, w.sender_address
		FROM withdrawal_requests w
		JOIN withdrawal_signers sg ON sg.request_id = w.request_id AND sg.stacks_block_hash = w.stacks_block_hash
		WHERE w.stacks_block_hash = ? AND sg.txid IS NOT NULL
		AND NOT EXISTS (SELECT 1 FROM withdrawal_outcome_events o WHERE o.request_id = w.request_id)`, tip.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawalRequest
	for rows.Next() {
		var w model.WithdrawalRequest
		var blockHash, txid string
		if err := rows.Scan(&w.RequestID, &blockHash, &txid, &w.Amount, &w.MaxFee, &w.RecipientScriptPubKey, &w.SenderAddress); err != nil {
			return nil, err
		}
		copy(w.StacksBlockHash[:], mustFromHexString(blockHash))
		copy(w.StacksTxid[:], mustFromHexString(txid))
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanDepositRows(rows *sql.Rows) ([]model.DepositRequest, error) {
	var out []model.DepositRequest
	for rows.Next() {
		var r model.DepositRequest
		var txid, senderJSON string
		var confirmed sql.NullString
		var signersPk []byte
		if err := rows.Scan(&txid, &r.Outpoint.Vout, &r.Amount, &r.MaxFee, &r.DepositScript, &r.ReclaimScript,
			&signersPk, &r.Recipient, &r.LockTime, &senderJSON, &confirmed); err != nil {
			return nil, err
		}
		copy(r.Outpoint.Txid[:], mustFromHexString(txid))
		copy(r.SignersPublicKey[:], signersPk)
		if confirmed.Valid {
			var h model.BitcoinBlockHash
			copy(h[:], mustFromHexString(confirmed.String))
			r.ConfirmedBlockHash = &h
		}
		var senders [][]byte
		if err := json.Unmarshal([]byte(senderJSON), &senders); err != nil {
			return nil, err
		}
		r.SenderScriptPubKeys = senders
		out = append(out, r)
	}
	return out, rows.Err()
}

// windowHashes returns the hashes of the contextWindow canonical blocks
// ending at (and including) tip.
func (s store) windowHashes(ctx context.Context, tip model.BitcoinBlockHash, contextWindow int) ([]string, error) {
	tipRow := s.x.QueryRowContext(ctx, `SELECT block_height FROM bitcoin_blocks WHERE block_hash = ?`, tip.String())
	var height int64
	if err := tipRow.Scan(&height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	minHeight := height - int64(contextWindow) + 1
	if minHeight < 0 {
		minHeight = 0
	}
	rows, err := s.x.QueryContext(ctx, `SELECT block_hash FROM bitcoin_blocks WHERE block_height BETWEEN ? AND ?`, minHeight, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func inClause(prefix string, hashes []string) string {
	for i := range hashes {
		if i > 0 {
			prefix += ","
		}
		prefix += "?"
	}
	return prefix
}

func hashesToArgs(hashes []string) []any {
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}
	return args
}

func mustFromHexString(s string) []byte {
	b, err := hexDecode(s)
	if err != nil {
		return nil
	}
	return b
}
