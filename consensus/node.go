package consensus

import (
	"crypto/ed25519"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gitzhang10/dbft/config"
	"github.com/gitzhang10/dbft/conn"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

// FinalizedBlock is one entry of the node's local chain.
type FinalizedBlock struct {
	Height   uint64
	Hash     [32]byte
	Proposal *PrepareRequest
	Witness  *Witness
}

// Node wires an Engine to the TCP transport and drives it from a
// single loop, so the state machine never sees concurrent calls.
type Node struct {
	name       string
	conf       *config.Config
	engine     *Engine
	validators *ValidatorSet
	logger     hclog.Logger

	trans     *conn.NetworkTransport
	peerAddrs map[ValidatorID]string
	maxPool   int

	// payloadCh is the bounded inbound queue feeding the engine in
	// arrival order.
	payloadCh chan *Payload
	finalized chan FinalizedBlock
	doneCh    chan struct{}

	registry *prometheus.Registry
	metrics  *Metrics

	chainLock    sync.RWMutex
	chain        []FinalizedBlock
	batchSize    int
	tickInterval time.Duration
	rng          *rand.Rand
}

// NewNode builds a node from its configuration. The committee is
// derived from the configured public keys, ordered by validator id.
func NewNode(conf *config.Config) (*Node, error) {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "dbft-node",
		Output: hclog.DefaultOutput,
		Level:  hclog.Level(conf.LogLevel),
	})

	var members []Validator
	for name, pub := range conf.PublicKeyMap {
		id, err := config.ValidatorID(name)
		if err != nil {
			return nil, err
		}
		members = append(members, Validator{ID: ValidatorID(id), PublicKey: pub, Alias: name})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	validators, err := NewValidatorSet(members)
	if err != nil {
		return nil, err
	}

	peerAddrs := make(map[ValidatorID]string, len(conf.ClusterAddrWithPorts))
	for addrWithPort, id := range conf.ClusterAddrWithPorts {
		peerAddrs[ValidatorID(id)] = addrWithPort
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry, "dbft")

	n := &Node{
		name:         conf.Name,
		conf:         conf,
		validators:   validators,
		logger:       logger,
		peerAddrs:    peerAddrs,
		maxPool:      conf.MaxPool,
		payloadCh:    make(chan *Payload, 1024),
		finalized:    make(chan FinalizedBlock, 1),
		doneCh:       make(chan struct{}),
		registry:     registry,
		metrics:      metrics,
		batchSize:    conf.BatchSize,
		tickInterval: 100 * time.Millisecond,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	baseTimeout := time.Duration(conf.BaseTimeoutMs) * time.Millisecond
	var store Store
	if conf.SnapshotPath != "" {
		store = NewFileStore(conf.SnapshotPath)
	}
	n.engine, err = NewEngine(EngineOptions{
		Network:     conf.Network,
		Validators:  validators,
		LocalKey:    conf.PrivateKey.Public().(ed25519.PublicKey),
		Signer:      NewEdSigner(conf.PrivateKey),
		Broadcaster: n,
		Ledger:      n,
		Store:       store,
		Logger:      logger.Named("engine"),
		Metrics:     metrics,
		BaseTimeout: baseTimeout,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Broadcast sends the payload to every configured peer, our own
// listener included; the engine drops its own echo.
func (n *Node) Broadcast(p *Payload) error {
	go func() {
		for addrWithPort := range n.conf.ClusterAddrWithPorts {
			if err := n.sendToAddr(addrWithPort, p); err != nil {
				n.logger.Error("failed to send message", "receiver", addrWithPort, "error", err)
			}
		}
	}()
	return nil
}

// SendTo sends the payload to a single validator.
func (n *Node) SendTo(id ValidatorID, p *Payload) error {
	addr, ok := n.peerAddrs[id]
	if !ok {
		return fmt.Errorf("no address for validator %d", id)
	}
	go func() {
		if err := n.sendToAddr(addr, p); err != nil {
			n.logger.Error("failed to send message", "receiver", addr, "error", err)
		}
	}()
	return nil
}

func (n *Node) sendToAddr(addrWithPort string, p *Payload) error {
	netConn, err := n.trans.GetConn(addrWithPort)
	if err != nil {
		return err
	}
	if err = conn.SendMsg(netConn, PayloadTag, *p); err != nil {
		return err
	}
	return n.trans.ReturnConn(netConn)
}

// FinalizeBlock implements Ledger. The block is queued and appended by
// the run loop, which then starts the next round.
func (n *Node) FinalizeBlock(height uint64, proposal *PrepareRequest, witness *Witness) error {
	blk := FinalizedBlock{
		Height:   height,
		Hash:     ProposalHash(n.conf.Network, height, proposal),
		Proposal: proposal,
		Witness:  witness,
	}
	select {
	case n.finalized <- blk:
	default:
		return fmt.Errorf("finalized block %d dropped: previous block still pending", height)
	}
	return nil
}

// HandleMsgLoop moves decoded frames from the transport into the
// bounded engine queue.
func (n *Node) HandleMsgLoop() {
	msgCh := n.trans.MsgChan()
	for {
		select {
		case <-n.doneCh:
			return
		case tagged := <-msgCh:
			p, ok := tagged.Msg.(Payload)
			if !ok {
				n.logger.Error("unexpected frame type", "tag", tagged.Tag)
				continue
			}
			select {
			case n.payloadCh <- &p:
			default:
				n.logger.Warn("inbound queue full, dropping message",
					"kind", KindName(p.Kind), "sender", p.ValidatorID)
			}
		}
	}
}

// RunLoop drives the engine: inbound messages, the view timer and
// finalized block handoff all funnel through this one goroutine.
func (n *Node) RunLoop() {
	if resumed, err := n.engine.Restore(); err != nil {
		n.logger.Error("failed to restore round snapshot", "error", err)
		n.startRound(1, [32]byte{})
	} else if !resumed {
		n.startRound(1, [32]byte{})
	}

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.doneCh:
			return
		case p := <-n.payloadCh:
			if err := n.engine.ProcessMessage(p); err != nil {
				n.logger.Debug("rejected message", "kind", KindName(p.Kind),
					"sender", p.ValidatorID, "error", err)
			}
		case <-ticker.C:
			if err := n.engine.OnTimerTick(); err != nil {
				n.logger.Error("view timer handling failed", "error", err)
			}
		case blk := <-n.finalized:
			n.chainLock.Lock()
			n.chain = append(n.chain, blk)
			n.chainLock.Unlock()
			n.logger.Info("appended block to chain", "node", n.name,
				"height", blk.Height, "txs", len(blk.Proposal.TxHashes))
			n.startRound(blk.Height+1, blk.Hash)
		}
	}
}

func (n *Node) startRound(height uint64, prevHash [32]byte) {
	if err := n.engine.Start(height, prevHash, 0, n.nextBatch()); err != nil {
		n.logger.Error("failed to start consensus round", "height", height, "error", err)
	}
}

// nextBatch fakes a mempool: a batch of random tx hashes to propose.
func (n *Node) nextBatch() [][32]byte {
	batch := make([][32]byte, n.batchSize)
	for i := range batch {
		n.rng.Read(batch[i][:])
	}
	return batch
}

// Chain returns the blocks this node has finalized so far.
func (n *Node) Chain() []FinalizedBlock {
	n.chainLock.RLock()
	defer n.chainLock.RUnlock()
	out := make([]FinalizedBlock, len(n.chain))
	copy(out, n.chain)
	return out
}

// Stop shuts the node loops and transport down.
func (n *Node) Stop() {
	close(n.doneCh)
	if n.trans != nil {
		n.trans.Close()
	}
}

// MetricsRegistry exposes the node's metric registry for serving.
func (n *Node) MetricsRegistry() *prometheus.Registry {
	return n.registry
}
