package onion

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/MagicCactus42/susurri/crypto"
	"github.com/MagicCactus42/susurri/wire"
	"github.com/sirupsen/logrus"
)

// ErrInvalidNextHop is returned when a Relay layer names a next-hop
// address that fails validation (unparseable, out-of-range port, or
// loopback/link-local, which this node refuses to forward to in order to
// block SSRF-style bounce attacks against the local host).
var ErrInvalidNextHop = errors.New("onion: invalid next-hop address")

// Forwarder delivers an already-encoded onion frame to a remote node.
// Implemented by dhtnode.DhtNode; kept as a narrow interface so this package never
// depends on networking concerns directly.
type Forwarder interface {
	Forward(address string, port uint16, frame []byte) error
}

// PeerLocator resolves a recipient's encryption public key to a routable
// node, for the FinalHop-to-Delivery handoff.
type PeerLocator interface {
	Locate(recipientPK [32]byte) (address string, port uint16, ok bool)
}

// Mailbox stores a message for later pickup when a recipient cannot be
// located live. recipientPK is the raw recipient encryption public key,
// not a pre-hashed value: implementations are expected to fan the
// deposit out to the nodes responsible for that key's mailbox (see
// dhtnode.DhtNode.StoreOfflineMessage), which needs the raw key both to
// compute the DHT routing target and to populate the StoreOfflineMessage
// wire RPC, whose own RecipientKey field is the raw key too.
type Mailbox interface {
	StoreOfflineMessage(recipientPK [32]byte, ciphertext []byte) error
}

// MessageHandler is invoked once a Delivery layer has been fully unwrapped
// into a chat message.
type MessageHandler func(msg ChatMessage)

// AckHandler is invoked when an Ack addressed to this node's own
// messages arrives.
type AckHandler func(messageID [16]byte)

const (
	minRelayDelay = 50 * time.Millisecond
	maxRelayDelay = 500 * time.Millisecond
)

// Router unwraps inbound onion layers and dispatches them per spec §4.9:
// Relay hops forward, FinalHop converts to local delivery or relays
// onward/mailboxes, Delivery surfaces a chat message and triggers an ACK,
// and Ack either completes locally or continues backward. Grounded on the
// teacher's layered-decrypt dispatch in async/forward_secrecy.go,
// generalized from a single unwrap to the full four-way dispatch this
// spec requires.
type Router struct {
	localPrivateKey [32]byte
	localPublicKey  [32]byte

	forwarder Forwarder
	locator   PeerLocator
	mailbox   Mailbox

	minRelayDelay time.Duration
	maxRelayDelay time.Duration

	onMessage MessageHandler
	onAck     AckHandler

	logger *logrus.Entry
}

// NewRouter constructs a Router for a node identified by the given
// encryption keypair. Relay timing-decorrelation delays default to
// minRelayDelay/maxRelayDelay; callers that carry a config.Config should
// call SetRelayDelay to apply its RelayDelayMin/RelayDelayMax instead.
func NewRouter(localPrivateKey, localPublicKey [32]byte, forwarder Forwarder, locator PeerLocator, mailbox Mailbox) *Router {
	return &Router{
		localPrivateKey: localPrivateKey,
		localPublicKey:  localPublicKey,
		forwarder:       forwarder,
		locator:         locator,
		mailbox:         mailbox,
		minRelayDelay:   minRelayDelay,
		maxRelayDelay:   maxRelayDelay,
		logger:          logrus.WithFields(logrus.Fields{"package": "onion", "function": "Router"}),
	}
}

// SetRelayDelay overrides the jittered delay range applied before
// forwarding a ContentRelay layer. min must be strictly less than max.
func (r *Router) SetRelayDelay(min, max time.Duration) {
	if min >= max {
		return
	}
	r.minRelayDelay = min
	r.maxRelayDelay = max
}

// OnMessage registers the callback fired when a chat message is delivered
// to this node.
func (r *Router) OnMessage(h MessageHandler) {
	r.onMessage = h
}

// OnAck registers the callback fired when an ACK for one of this node's
// own sent messages arrives.
func (r *Router) OnAck(h AckHandler) {
	r.onAck = h
}

// HandleInbound processes one raw onion frame, as received from fromAddr
// (the network peer that delivered it — used only when this hop turns
// out to be the Delivery destination and must know who to ACK toward
// first).
func (r *Router) HandleInbound(frame []byte, fromAddr string, fromPort uint16) error {
	sealed, err := wire.DecodeSealedLayer(frame)
	if err != nil {
		r.logger.WithError(err).Debug("dropping malformed onion frame")
		return fmt.Errorf("onion: decode sealed layer: %w", err)
	}

	plaintext, err := crypto.OpenLayer(sealed, r.localPrivateKey)
	if err != nil {
		r.logger.WithError(err).Debug("dropping onion frame that failed to decrypt")
		return fmt.Errorf("onion: open layer: %w", err)
	}

	content, err := DecodeLayerContent(plaintext)
	if err != nil {
		r.logger.WithError(err).Debug("dropping onion frame with malformed content")
		return fmt.Errorf("onion: decode layer content: %w", err)
	}

	switch content.Type {
	case ContentRelay:
		return r.handleRelay(content)
	case ContentFinalHop:
		return r.handleFinalHop(content)
	case ContentDelivery:
		return r.handleDelivery(content, fromAddr, fromPort)
	case ContentAck:
		return r.handleAck(content)
	default:
		return fmt.Errorf("onion: unknown layer content type %d", content.Type)
	}
}

func (r *Router) handleRelay(content LayerContent) error {
	if err := validateNextHop(content.NextAddress, content.NextPort); err != nil {
		r.logger.WithError(err).Warn("refusing to relay to invalid next hop")
		return err
	}

	delay := r.minRelayDelay + time.Duration(rand.Int64N(int64(r.maxRelayDelay-r.minRelayDelay)))
	time.Sleep(delay)

	return r.forwarder.Forward(content.NextAddress, content.NextPort, content.Inner)
}

func (r *Router) handleFinalHop(content LayerContent) error {
	if content.RecipientPK == r.localPublicKey {
		// We are the recipient: the inner payload is our own sealed
		// RecipientPayload, reachable the same way a directly-delivered
		// Delivery frame would be, just without the extra network hop.
		return r.deliverLocally(content.Inner, "", 0, [32]byte{})
	}

	if addr, port, ok := r.locator.Locate(content.RecipientPK); ok {
		deliveryContent := LayerContent{
			Type:           ContentDelivery,
			ReplyToken:     content.ReplyToken,
			Inner:          content.Inner,
			ReplyPublicKey: r.localPublicKey,
		}
		sealed, err := crypto.SealLayer(deliveryContent.Encode(), content.RecipientPK)
		if err != nil {
			return fmt.Errorf("onion: seal delivery layer: %w", err)
		}
		return r.forwarder.Forward(addr, port, wire.EncodeSealedLayer(sealed))
	}

	r.logger.Info("recipient unreachable, storing as offline message")
	return r.mailbox.StoreOfflineMessage(content.RecipientPK, content.Inner)
}

func (r *Router) handleDelivery(content LayerContent, fromAddr string, fromPort uint16) error {
	return r.deliverLocally(content.Inner, fromAddr, fromPort, content.ReplyPublicKey)
}

// DeliverOfflineMessage processes one ciphertext pulled from the mailbox at
// startup: the same unseal-unpad-decode path as a live FinalHop delivery,
// but with no reply address, so no ACK is attempted (whoever sent it has
// long since disconnected).
func (r *Router) DeliverOfflineMessage(ciphertext []byte) error {
	return r.deliverLocally(ciphertext, "", 0, [32]byte{})
}

// deliverLocally unseals the innermost recipient payload with this
// node's own key, unpads the chat message, surfaces it via onMessage,
// and kicks off the ACK back toward replyPublicKey at fromAddr/fromPort
// (the node that physically delivered this message).
func (r *Router) deliverLocally(inner []byte, fromAddr string, fromPort uint16, replyPublicKey [32]byte) error {
	sealed, err := wire.DecodeSealedLayer(inner)
	if err != nil {
		return fmt.Errorf("onion: decode recipient payload: %w", err)
	}
	plaintext, err := crypto.OpenLayer(sealed, r.localPrivateKey)
	if err != nil {
		return fmt.Errorf("onion: open recipient payload: %w", err)
	}
	payload, err := decodeRecipientPayload(plaintext)
	if err != nil {
		return fmt.Errorf("onion: decode recipient payload: %w", err)
	}
	message, err := Unpad(payload.PaddedMessage)
	if err != nil {
		return fmt.Errorf("onion: unpad message: %w", err)
	}
	msg, err := DecodeChatMessage(message)
	if err != nil {
		return fmt.Errorf("onion: decode chat message: %w", err)
	}

	if r.onMessage != nil {
		r.onMessage(msg)
	}

	if len(payload.ReplyTokens) == 0 || fromAddr == "" {
		return nil
	}
	return r.sendAck(msg.MessageID, payload.ReplyTokens, fromAddr, fromPort, replyPublicKey)
}

// sendAck starts an ACK traveling backward along tokens, addressing the
// first hop at fromAddr/fromPort (the node that physically delivered this
// message, learned from the inbound connection rather than from any
// cryptographic material the recipient holds) and sealing to
// replyPublicKey (that same node's own public key, learned from the
// Delivery layer that carried the message here).
func (r *Router) sendAck(messageID [16]byte, tokens [][]byte, fromAddr string, fromPort uint16, replyPublicKey [32]byte) error {
	if len(tokens) == 0 {
		return nil
	}
	lastIdx := len(tokens) - 1
	ack := ackInner{MessageID: messageID, RemainingTokens: tokens[:lastIdx]}
	content := LayerContent{Type: ContentAck, ReplyToken: tokens[lastIdx], Inner: ack.encode()}
	sealed, err := crypto.SealLayer(content.Encode(), replyPublicKey)
	if err != nil {
		return fmt.Errorf("onion: seal ack layer: %w", err)
	}
	return r.forwarder.Forward(fromAddr, fromPort, wire.EncodeSealedLayer(sealed))
}

func (r *Router) handleAck(content LayerContent) error {
	// A terminal ack frame, forwarded directly to the original sender by
	// the last relay on the reply path, carries no reply token: there is
	// nothing left to unwrap, only the message id to surface via onAck.
	if len(content.ReplyToken) == 0 {
		ack, err := decodeAckInner(content.Inner)
		if err != nil {
			return fmt.Errorf("onion: decode terminal ack payload: %w", err)
		}
		if r.onAck != nil {
			r.onAck(ack.MessageID)
		}
		return nil
	}

	previous, err := openReplyToken(content.ReplyToken, r.localPrivateKey)
	if err != nil {
		return fmt.Errorf("onion: open ack reply token: %w", err)
	}

	ack, err := decodeAckInner(content.Inner)
	if err != nil {
		return fmt.Errorf("onion: decode ack payload: %w", err)
	}

	if previous.Previous.IsSender() {
		terminal := LayerContent{Type: ContentAck, Inner: ackInner{MessageID: ack.MessageID}.encode()}
		sealed, err := crypto.SealLayer(terminal.Encode(), previous.Previous.PublicKey)
		if err != nil {
			return fmt.Errorf("onion: seal terminal ack layer: %w", err)
		}
		return r.forwarder.Forward(previous.Previous.Address, previous.Previous.Port, wire.EncodeSealedLayer(sealed))
	}

	if len(ack.RemainingTokens) == 0 {
		return errors.New("onion: ack ran out of reply tokens before reaching sender")
	}
	nextIdx := len(ack.RemainingTokens) - 1
	next := ackInner{MessageID: ack.MessageID, RemainingTokens: ack.RemainingTokens[:nextIdx]}
	nextContent := LayerContent{Type: ContentAck, ReplyToken: ack.RemainingTokens[nextIdx], Inner: next.encode()}
	sealed, err := crypto.SealLayer(nextContent.Encode(), previous.Previous.PublicKey)
	if err != nil {
		return fmt.Errorf("onion: seal ack layer: %w", err)
	}
	return r.forwarder.Forward(previous.Previous.Address, previous.Previous.Port, wire.EncodeSealedLayer(sealed))
}

// validateNextHop rejects addresses that cannot be a legitimate onion
// relay hop: unparseable IPs, out-of-range ports, loopback, and
// link-local addresses (which would let a malicious Relay layer bounce
// traffic back at the forwarding node's own host).
func validateNextHop(address string, port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: port must be 1-65535", ErrInvalidNextHop)
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("%w: %q is not a valid IP address", ErrInvalidNextHop, address)
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return fmt.Errorf("%w: %q is loopback or link-local", ErrInvalidNextHop, address)
	}
	return nil
}
