// Package requestdecider implements the RequestDecider event loop:
// watching the canonical Bitcoin chain tip for newly observed deposit
// and withdrawal requests, deciding whether this signer can accept and
// sign them, and gossiping that decision to the rest of the signer set
// (spec §4.4).
package requestdecider

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// BlocklistChecker answers whether a Bitcoin address is on a sanctions
// or compliance blocklist. The concrete vendor integration is out of
// scope (SPEC_FULL.md NON-GOALS); this interface is the boundary shape
// the decision logic consumes.
type BlocklistChecker interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
}

// NoopBlocklistChecker accepts every address. Used when no blocklist
// client is configured.
type NoopBlocklistChecker struct{}

// IsBlocked always reports false.
func (NoopBlocklistChecker) IsBlocked(ctx context.Context, address string) (bool, error) {
	return false, nil
}

// addressesFromScriptPubKeys derives the set of Bitcoin addresses a
// sender's scriptPubKeys decode to under network, skipping any script
// that fails to parse to a standard address rather than failing the
// whole request.
func addressesFromScriptPubKeys(scriptPubKeys [][]byte, network *chaincfg.Params) []string {
	addrs := make([]string, 0, len(scriptPubKeys))
	for _, spk := range scriptPubKeys {
		_, extracted, _, err := txscript.ExtractPkScriptAddrs(spk, network)
		if err != nil || len(extracted) == 0 {
			continue
		}
		addrs = append(addrs, extracted[0].EncodeAddress())
	}
	return addrs
}

// canAccept implements the blocklist policy of spec §4.4: with no
// blocklist configured everything passes; otherwise the request passes
// if any one sender address is accepted. A client error for one
// address is logged by the caller and treated as a rejection for that
// address alone.
func canAccept(ctx context.Context, checker BlocklistChecker, addresses []string, onErr func(address string, err error)) bool {
	if checker == nil {
		return true
	}
	if _, noop := checker.(NoopBlocklistChecker); noop {
		return true
	}
	if len(addresses) == 0 {
		// No address could be derived from any sender scriptPubKey:
		// nothing to clear against the blocklist, so there is nothing
		// that can vouch for the sender either.
		return false
	}
	for _, addr := range addresses {
		blocked, err := checker.IsBlocked(ctx, addr)
		if err != nil {
			if onErr != nil {
				onErr(addr, err)
			}
			continue
		}
		if !blocked {
			return true
		}
	}
	return false
}
