// Package chatservice is the facade spec.md §4.12 describes: it brings up
// one local node's DHT server, relay service, connection manager, and
// onion router behind two calls, start and send_message, and tracks
// outbound messages through a small pending-message state machine.
// Grounded on the teacher's top-level Tox struct (opd-ai/toxcore
// toxcore.go), which likewise owns every subsystem and exposes a narrow
// Start/Send surface rather than making callers wire components themselves.
package chatservice

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MagicCactus42/susurri/conn"
	"github.com/MagicCactus42/susurri/config"
	"github.com/MagicCactus42/susurri/dhtnode"
	"github.com/MagicCactus42/susurri/dhtstore"
	"github.com/MagicCactus42/susurri/identity"
	"github.com/MagicCactus42/susurri/kademlia"
	"github.com/MagicCactus42/susurri/onion"
	"github.com/MagicCactus42/susurri/relay"
	"github.com/MagicCactus42/susurri/wire"
)

// PendingStatus is the state of one outbound message, per spec.md §4.12's
// state machine: Sending -> Sent -> Acknowledged, or Sending -> Failed.
type PendingStatus uint8

const (
	StatusSending PendingStatus = iota
	StatusSent
	StatusAcknowledged
	StatusFailed
)

func (s PendingStatus) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusAcknowledged:
		return "acknowledged"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingMessage tracks one message this node has sent, from the moment
// send_message is called until its ACK arrives (or it's given up on).
type PendingMessage struct {
	MessageID         [16]byte
	RecipientUsername string
	Content           []byte
	Status            PendingStatus
	Err               error
	CreatedAt         time.Time
}

// ErrUserNotFound is returned when send_message's recipient lookup fails:
// no cached or published key record exists for the username.
type ErrUserNotFound struct{ Username string }

func (e ErrUserNotFound) Error() string {
	return fmt.Sprintf("chatservice: user %q not found", e.Username)
}

// ErrNoPeers is returned when path sampling finds zero candidate relays,
// making onion delivery impossible.
type ErrNoPeers struct{}

func (ErrNoPeers) Error() string { return "chatservice: no peers available to build a path" }

// ErrTargetUnreachable wraps the underlying push failure when the first
// onion hop could not be reached at all.
type ErrTargetUnreachable struct{ Err error }

func (e ErrTargetUnreachable) Error() string {
	return fmt.Sprintf("chatservice: target unreachable: %v", e.Err)
}

// ChatService composes the DHT node, relay service, connection manager,
// and onion router into one running node, and tracks outbound messages.
type ChatService struct {
	cfg      *config.Config
	identity *identity.Identity

	routingTable *kademlia.RoutingTable
	node         *dhtnode.DhtNode
	relaySvc     *relay.Service
	connMgr      *conn.ConnectionManager
	router       *onion.Router
	builder      *onion.Builder

	address string

	mu            sync.Mutex
	usernameCache map[string]*wire.UserPublicKeyRecord
	pending       map[[16]byte]*PendingMessage
	onMessage     func(msg onion.ChatMessage)

	logger *logrus.Entry
}

// New wires together one local node's full component set, sharing a
// single routing table across the DHT node, relay service, and connection
// manager (spec.md §9's Open Question, resolved this way per SPEC_FULL.md
// §4.3).
func New(cfg *config.Config, id *identity.Identity) *ChatService {
	localID := kademlia.FromPublicKey(id.EncryptionPublicKey())
	routingTable := kademlia.NewRoutingTable(localID, cfg.BucketCount, cfg.K)
	storage := dhtstore.NewStorage(time.Now)
	limiter := dhtstore.NewRateLimiter(cfg.RPCBurst, cfg.RPCRate, cfg.BucketEvictAfter, time.Now)

	node := dhtnode.New(cfg, id, routingTable, storage, limiter)
	relaySvc := relay.New(cfg, node, routingTable, node.Port)
	connMgr := conn.New(cfg, node, relaySvc, routingTable)

	cs := &ChatService{
		cfg:           cfg,
		identity:      id,
		routingTable:  routingTable,
		node:          node,
		relaySvc:      relaySvc,
		connMgr:       connMgr,
		builder:       onion.NewBuilder(),
		usernameCache: make(map[string]*wire.UserPublicKeyRecord),
		pending:       make(map[[16]byte]*PendingMessage),
		logger:        logrus.WithField("component", "chatservice"),
	}

	cs.router = onion.NewRouter(id.KeyPair.Private, id.KeyPair.Public, node, node, node)
	cs.router.SetRelayDelay(cfg.RelayDelayMin, cfg.RelayDelayMax)
	cs.router.OnMessage(cs.handleInboundMessage)
	cs.router.OnAck(cs.handleAck)

	return cs
}

// Start binds the DHT node's listener, wires the onion router and relay
// service onto its single socket, bootstraps against seeds, publishes this
// user's key record, and drains any offline messages waiting in the local
// mailbox. address is this node's own dialable endpoint: the substrate
// does no NAT discovery of its own, so callers behind NAT must supply a
// relay-reachable address here (see dhtnode.PublishPublicKey).
func (cs *ChatService) Start(ctx context.Context, address string, port uint16, username string, seeds []dhtnode.Seed) error {
	cs.address = address

	cs.node.OnOnionMessage(func(frame []byte, fromAddr string, fromPort uint16) {
		if err := cs.router.HandleInbound(frame, fromAddr, fromPort); err != nil {
			cs.logger.WithError(err).Debug("dropped inbound onion frame")
		}
	})
	cs.node.OnUnroutedMessage(cs.relaySvc.Dispatch)

	if err := cs.node.Start(port); err != nil {
		return fmt.Errorf("chatservice: start dht node: %w", err)
	}
	cs.relaySvc.Start()
	cs.connMgr.Start()

	cs.node.Bootstrap(ctx, seeds)

	if err := cs.node.PublishPublicKey(ctx, username, cs.address, cs.node.Port()); err != nil {
		cs.logger.WithError(err).Warn("failed to publish public key record")
	}

	for _, ciphertext := range cs.node.GetOfflineMessages(ctx) {
		if err := cs.router.DeliverOfflineMessage(ciphertext); err != nil {
			cs.logger.WithError(err).Debug("dropped malformed offline message")
		}
	}

	return nil
}

// Stop tears down every owned component.
func (cs *ChatService) Stop() {
	cs.connMgr.Stop()
	cs.relaySvc.Stop()
	cs.node.Stop()
}

// resolveUsername checks the local cache first, falling back to a DHT
// lookup on miss (spec.md §4.12 step 1).
func (cs *ChatService) resolveUsername(ctx context.Context, username string) (*wire.UserPublicKeyRecord, error) {
	cs.mu.Lock()
	record, ok := cs.usernameCache[username]
	cs.mu.Unlock()
	if ok {
		return record, nil
	}

	record, ok = cs.node.LookupPublicKey(ctx, username)
	if !ok {
		return nil, ErrUserNotFound{Username: username}
	}

	cs.mu.Lock()
	cs.usernameCache[username] = record
	cs.mu.Unlock()
	return record, nil
}

// SendMessage resolves recipientUsername, samples an onion path, builds
// and pushes the packet, and records the resulting PendingMessage, per
// spec.md §4.12's send_message steps.
func (cs *ChatService) SendMessage(ctx context.Context, recipientUsername string, content []byte) (*PendingMessage, error) {
	record, err := cs.resolveUsername(ctx, recipientUsername)
	if err != nil {
		return nil, err
	}

	candidates := cs.node.RandomNodesForPath(cs.cfg.PathLength, record.EncryptionPublicKey)
	if len(candidates) == 0 {
		return nil, ErrNoPeers{}
	}
	if len(candidates) < cs.cfg.PathLength {
		cs.logger.WithField("available", len(candidates)).Warn("fewer peers available than the configured path length")
	}

	path := make([]onion.PathHop, len(candidates))
	for i, node := range candidates {
		path[i] = onion.PathHop{NodeID: [32]byte(node.ID), PublicKey: node.PublicKey, Address: node.Address, Port: node.Port}
	}

	msg := onion.ChatMessage{Content: content}
	if _, err := rand.Read(msg.MessageID[:]); err != nil {
		return nil, fmt.Errorf("chatservice: generate message id: %w", err)
	}
	msg.SenderPublicKey = cs.identity.SigningPublicKey32()
	if err := msg.Sign(cs.identity.SigningSeed()); err != nil {
		return nil, fmt.Errorf("chatservice: sign message: %w", err)
	}

	sender := onion.Sender{
		Address:   cs.address,
		Port:      cs.node.Port(),
		PublicKey: cs.identity.EncryptionPublicKey(),
	}

	pending := &PendingMessage{
		MessageID:         msg.MessageID,
		RecipientUsername: recipientUsername,
		Content:           content,
		Status:            StatusSending,
		CreatedAt:         time.Now(),
	}
	cs.mu.Lock()
	cs.pending[msg.MessageID] = pending
	cs.mu.Unlock()

	packet, err := cs.builder.BuildPacket(path, record.EncryptionPublicKey, msg.Encode(), sender)
	if err != nil {
		cs.failPending(msg.MessageID, err)
		return pending, fmt.Errorf("chatservice: build onion packet: %w", err)
	}

	firstHop := path[0]
	if err := cs.node.Forward(firstHop.Address, firstHop.Port, packet); err != nil {
		cs.failPending(msg.MessageID, err)
		return pending, ErrTargetUnreachable{Err: err}
	}

	cs.mu.Lock()
	pending.Status = StatusSent
	cs.mu.Unlock()
	return pending, nil
}

func (cs *ChatService) failPending(messageID [16]byte, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if p, ok := cs.pending[messageID]; ok {
		p.Status = StatusFailed
		p.Err = err
	}
}

func (cs *ChatService) handleAck(messageID [16]byte) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if p, ok := cs.pending[messageID]; ok {
		p.Status = StatusAcknowledged
	}
}

func (cs *ChatService) handleInboundMessage(msg onion.ChatMessage) {
	if valid, err := msg.Verify(); msg.Signed && (err != nil || !valid) {
		cs.logger.Warn("dropping chat message with invalid signature")
		return
	}
	cs.mu.Lock()
	handler := cs.onMessage
	cs.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// OnMessage registers the callback invoked for every chat message this
// node receives, after signature verification.
func (cs *ChatService) OnMessage(h func(msg onion.ChatMessage)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onMessage = h
}

// Pending returns a copy of one tracked outbound message's current state.
func (cs *ChatService) Pending(messageID [16]byte) (PendingMessage, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.pending[messageID]
	if !ok {
		return PendingMessage{}, false
	}
	return *p, true
}
