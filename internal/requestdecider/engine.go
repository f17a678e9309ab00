package requestdecider

import (
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/signerr"
	"github.com/stacks-network/sbtc-signer/internal/storage"
	"github.com/stacks-network/sbtc-signer/pkg/logging"
)

// Broadcaster publishes a signed consensus envelope on the signer
// mesh. Satisfied by *node.SignerHandler.
type Broadcaster interface {
	Broadcast(ctx context.Context, kind p2p.PayloadKind, payload interface{}, chainTip model.BitcoinBlockHash) error
}

// Config configures one Engine.
type Config struct {
	// SignerPubKey is this signer's own compressed public key, used to
	// record and report this signer's own accept/sign decisions.
	SignerPubKey [33]byte

	// ContextWindow bounds how many blocks/stacks-blocks back a
	// pending request is still considered for decision (spec §3 "C").
	ContextWindow int

	// Network selects the Bitcoin params used to derive addresses from
	// sender scriptPubKeys for the blocklist check.
	Network *chaincfg.Params

	// Blocklist is consulted for the accept decision. Nil is treated
	// the same as NoopBlocklistChecker: every request is accepted.
	Blocklist BlocklistChecker

	// PollInterval controls how often the engine re-checks the
	// canonical chain tip for newly observed requests when no explicit
	// ObserveBitcoinBlock call arrives. The block-observer daemon that
	// would push these notifications is out of scope; this ticker is
	// the engine's own fallback discovery mechanism.
	PollInterval time.Duration
}

// event is the engine's single ingest queue: BitcoinBlockObserved
// notifications and already-authenticated peer decisions are
// multiplexed onto it and processed one at a time, matching the
// cooperative single-task scheduling model of spec §5.
type event struct {
	blockObserved *model.BitcoinBlockHash
	depositMsg    *p2p.Envelope
	withdrawalMsg *p2p.Envelope
}

// Engine runs the RequestDecider event loop.
type Engine struct {
	reader    storage.Reader
	writer    storage.Writer
	broadcast Broadcaster
	cfg       Config
	log       *logging.Logger

	// onRequestsHandled, if set, is invoked after every successful
	// handle_new_requests pass with the tip it processed - the
	// NewRequestsHandled internal signal of spec §4.4 step 4.
	onRequestsHandled func(tip model.BitcoinBlockHash)

	events chan event

	lastTip   model.BitcoinBlockHash
	lastTipMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Engine. reader/writer back the request/signer tables;
// broadcast publishes this signer's decisions.
func New(reader storage.Reader, writer storage.Writer, broadcast Broadcaster, cfg Config) *Engine {
	if cfg.Blocklist == nil {
		cfg.Blocklist = NoopBlocklistChecker{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		reader:    reader,
		writer:    writer,
		broadcast: broadcast,
		cfg:       cfg,
		log:       logging.GetDefault().Component("request-decider"),
		events:    make(chan event, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnRequestsHandled registers a callback fired after every
// handle_new_requests pass completes. Typically used to let the
// TxSigner engine know a new tenure's deposit/withdrawal set is ready.
func (e *Engine) OnRequestsHandled(fn func(tip model.BitcoinBlockHash)) {
	e.onRequestsHandled = fn
}

// Start starts the event loop and the chain-tip poll ticker.
func (e *Engine) Start() {
	go e.run()
	go e.pollChainTip()
	e.log.Info("request decider started", "context_window", e.cfg.ContextWindow)
}

// Stop shuts the engine down cleanly (spec §4.4 "Shutdown command: exit
// cleanly").
func (e *Engine) Stop() {
	e.cancel()
	e.log.Info("request decider stopped")
}

// ObserveBitcoinBlock enqueues a BitcoinBlockObserved event for tip.
// Safe to call from any goroutine; never blocks the caller past the
// queue's buffer.
func (e *Engine) ObserveBitcoinBlock(tip model.BitcoinBlockHash) {
	select {
	case e.events <- event{blockObserved: &tip}:
	case <-e.ctx.Done():
	}
}

// HandleDepositDecision ingests a peer's SignerDepositDecision. The
// envelope's signature has already been verified by the transport
// before this is called; a failure here only ever means "drop", never
// "crash the loop".
func (e *Engine) HandleDepositDecision(ctx context.Context, env *p2p.Envelope) error {
	select {
	case e.events <- event{depositMsg: env}:
		return nil
	case <-e.ctx.Done():
		return signerr.New(signerr.KindSignerShutdown)
	}
}

// HandleWithdrawalDecision ingests a peer's SignerWithdrawalDecision.
func (e *Engine) HandleWithdrawalDecision(ctx context.Context, env *p2p.Envelope) error {
	select {
	case e.events <- event{withdrawalMsg: env}:
		return nil
	case <-e.ctx.Done():
		return signerr.New(signerr.KindSignerShutdown)
	}
}

// run is the single-task loop: merge(P2P messages, internal events,
// shutdown).
func (e *Engine) run() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev := <-e.events:
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	switch {
	case ev.blockObserved != nil:
		if err := e.handleNewRequests(e.ctx, *ev.blockObserved); err != nil {
			e.log.Warn("handle_new_requests failed", "tip", *ev.blockObserved, "error", err)
		}
	case ev.depositMsg != nil:
		if err := e.ingestDepositDecision(e.ctx, ev.depositMsg); err != nil {
			e.log.Warn("dropping peer deposit decision", "error", err)
		}
	case ev.withdrawalMsg != nil:
		if err := e.ingestWithdrawalDecision(e.ctx, ev.withdrawalMsg); err != nil {
			e.log.Warn("dropping peer withdrawal decision", "error", err)
		}
	}
}

// pollChainTip is the engine's own discovery mechanism for new
// canonical tips, grounded on the teacher's confirmation-monitor
// ticker (internal/swap/monitor.go).
func (e *Engine) pollChainTip() {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			tip, err := e.reader.GetCanonicalChainTip(e.ctx)
			if err != nil || tip == nil {
				continue
			}

			e.lastTipMu.Lock()
			changed := tip.Hash != e.lastTip
			if changed {
				e.lastTip = tip.Hash
			}
			e.lastTipMu.Unlock()

			if changed {
				e.ObserveBitcoinBlock(tip.Hash)
			}
		}
	}
}

// ingestDepositDecision implements spec §4.4's "Peer-decision
// ingestion": derive a DepositSigner row keyed by the *sender's*
// public key (the envelope's authenticated SenderPubKey, not our own)
// and upsert it.
func (e *Engine) ingestDepositDecision(ctx context.Context, env *p2p.Envelope) error {
	var payload p2p.SignerDepositDecision
	if err := env.Unmarshal(&payload); err != nil {
		return signerr.Wrap(signerr.KindDecodeFromHex, err)
	}

	signer := model.DepositSigner{
		Outpoint:     model.OutPoint{Txid: payload.Txid, Vout: payload.Vout},
		SignerPubKey: env.SenderPubKey,
		CanAccept:    payload.CanAccept,
		CanSign:      payload.CanSign,
	}
	return e.writer.UpsertDepositSigner(ctx, signer)
}

// ingestWithdrawalDecision is the withdrawal analogue of
// ingestDepositDecision.
func (e *Engine) ingestWithdrawalDecision(ctx context.Context, env *p2p.Envelope) error {
	var payload p2p.SignerWithdrawalDecision
	if err := env.Unmarshal(&payload); err != nil {
		return signerr.Wrap(signerr.KindDecodeFromHex, err)
	}

	signer := model.WithdrawalSigner{
		RequestID:       payload.RequestID,
		StacksBlockHash: payload.StacksBlockHash,
		SignerPubKey:    env.SenderPubKey,
		IsAccepted:      payload.IsAccepted,
	}
	return e.writer.UpsertWithdrawalSigner(ctx, signer)
}
