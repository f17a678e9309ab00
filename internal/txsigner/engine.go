package txsigner

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/model"
	"github.com/stacks-network/sbtc-signer/internal/p2p"
	"github.com/stacks-network/sbtc-signer/internal/storage"
	"github.com/stacks-network/sbtc-signer/internal/wsts"
	"github.com/stacks-network/sbtc-signer/pkg/logging"
)

// Broadcaster publishes a signed consensus envelope. Satisfied by
// *node.SignerHandler.
type Broadcaster interface {
	Broadcast(ctx context.Context, kind p2p.PayloadKind, payload interface{}, chainTip model.BitcoinBlockHash) error
}

// Engine runs the TxSigner event loop: it owns the bounded WSTS/DKG
// state-machine caches and validates every inbound Stacks contract-call
// sign request and Bitcoin pre-sign request before letting the WSTS
// round proceed (spec §4.5).
type Engine struct {
	reader      storage.Reader
	writer      storage.Writer
	txBegin     storage.Transactable
	broadcast   Broadcaster
	coordinator CoordinatorResolver
	cfg         Config
	caches      *wsts.Caches
	log         *logging.Logger
}

// New creates an Engine. store must implement Reader, Writer and
// Transactable (the concrete *storage.Storage does).
func New(store interface {
	storage.Reader
	storage.Writer
	storage.Transactable
}, broadcast Broadcaster, coordinator CoordinatorResolver, cfg Config) (*Engine, error) {
	caches, err := wsts.NewCaches()
	if err != nil {
		return nil, err
	}

	return &Engine{
		reader:      store,
		writer:      store,
		txBegin:     store,
		broadcast:   broadcast,
		coordinator: coordinator,
		cfg:         cfg,
		caches:      caches,
		log:         logging.GetDefault().Component("tx-signer"),
	}, nil
}
