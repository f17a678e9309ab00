package wsts

import (
	"fmt"

	lruv1 "github.com/hashicorp/golang-lru"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stacks-network/sbtc-signer/internal/model"
)

// defaultCacheSize bounds each LRU below, trading memory for the
// small chance of re-running a DKG or sign round after eviction —
// acceptable since an evicted round simply restarts from a fresh
// NonceRequest/DkgBegin.
const defaultCacheSize = 256

// Caches bundles the three bounded caches the TxSigner event loop
// holds, per spec §4.5.
type Caches struct {
	stateMachines  *lru.Cache[string, *StateMachine]
	dkgVerifiers   *lru.Cache[string, *DkgVerification]
	tenureSigned   *lruv1.Cache // key: "<requestKey>:<chainTip>" -> model.StacksTxId already signed
	lastPresign    *model.BitcoinBlockHash
}

// NewCaches builds the three bounded caches at defaultCacheSize.
func NewCaches() (*Caches, error) {
	stateMachines, err := lru.New[string, *StateMachine](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	dkgVerifiers, err := lru.New[string, *DkgVerification](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	tenureSigned, err := lruv1.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Caches{stateMachines: stateMachines, dkgVerifiers: dkgVerifiers, tenureSigned: tenureSigned}, nil
}

// GetStateMachine returns the state machine registered for id, if any.
func (c *Caches) GetStateMachine(id StateMachineId) (*StateMachine, bool) {
	return c.stateMachines.Get(id.key())
}

// PutStateMachine registers sm, evicting the least-recently-used entry
// if the cache is full. For KindDkgRound this overwrites any existing
// state machine for the same chain tip, matching the "at most one DKG
// state machine exists per chain tip" invariant.
func (c *Caches) PutStateMachine(sm *StateMachine) {
	c.stateMachines.Add(sm.ID.key(), sm)
}

// GetDkgVerification returns the verification state machine for
// aggregateKey, if any.
func (c *Caches) GetDkgVerification(aggregateKey [32]byte) (*DkgVerification, bool) {
	return c.dkgVerifiers.Get(fmt.Sprintf("%x", aggregateKey))
}

// PutDkgVerification registers v.
func (c *Caches) PutDkgVerification(v *DkgVerification) {
	c.dkgVerifiers.Add(fmt.Sprintf("%x", v.AggregateKey), v)
}

// tenureKey builds the lookup key for the tenure-idempotence cache:
// one bitcoin chain tip can produce at most one signed Stacks tx per
// logical contract-call request.
func tenureKey(requestKey string, chainTip model.BitcoinBlockHash) string {
	return requestKey + ":" + chainTip.String()
}

// AlreadySignedThisTenure reports the Stacks txid this signer already
// signed for requestKey at chainTip, if any.
func (c *Caches) AlreadySignedThisTenure(requestKey string, chainTip model.BitcoinBlockHash) (model.StacksTxId, bool) {
	v, ok := c.tenureSigned.Get(tenureKey(requestKey, chainTip))
	if !ok {
		return model.StacksTxId{}, false
	}
	return v.(model.StacksTxId), true
}

// RecordTenureSigned records that stacksTxid was signed for requestKey
// at chainTip.
func (c *Caches) RecordTenureSigned(requestKey string, chainTip model.BitcoinBlockHash, stacksTxid model.StacksTxId) {
	c.tenureSigned.Add(tenureKey(requestKey, chainTip), stacksTxid)
}

// LastPresignBlock returns the chain tip of the last accepted pre-sign
// request, if any.
func (c *Caches) LastPresignBlock() *model.BitcoinBlockHash {
	return c.lastPresign
}

// SetLastPresignBlock records tip as the chain tip of the most
// recently accepted pre-sign request.
func (c *Caches) SetLastPresignBlock(tip model.BitcoinBlockHash) {
	c.lastPresign = &tip
}
