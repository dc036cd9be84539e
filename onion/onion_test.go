package onion

import (
	"crypto/rand"
	"fmt"
	"testing"

	"github.com/MagicCactus42/susurri/crypto"
	"github.com/MagicCactus42/susurri/wire"
	"github.com/stretchr/testify/require"
)

// fakeNetwork wires together multiple Routers in-process, keyed by
// "address:port", so a full send can be driven synchronously without
// real sockets.
type fakeNetwork struct {
	routers map[string]*Router
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{routers: make(map[string]*Router)}
}

func addrKey(addr string, port uint16) string {
	return fmt.Sprintf("%s:%d", addr, port)
}

type netNode struct {
	addr    string
	port    uint16
	keyPair *crypto.KeyPair
	router  *Router
}

func (n *fakeNetwork) register(node netNode) {
	n.routers[addrKey(node.addr, node.port)] = node.router
}

// Forward delivers frame to whichever router is registered at
// address:port, tagging it with the actual sender's address so the
// receiving Router can reply to the right hop, not to itself.
func (n *fakeNetwork) Forward(address string, port uint16, frame []byte, fromAddr string, fromPort uint16) error {
	r, ok := n.routers[addrKey(address, port)]
	if !ok {
		return nil
	}
	return r.HandleInbound(frame, fromAddr, fromPort)
}

// nodeForwarder adapts fakeNetwork to the onion.Forwarder interface for
// one specific node, stamping every frame it sends with its own address
// as the source.
type nodeForwarder struct {
	net  *fakeNetwork
	addr string
	port uint16
}

func (f *nodeForwarder) Forward(address string, port uint16, frame []byte) error {
	return f.net.Forward(address, port, frame, f.addr, f.port)
}

type fakeLocator struct {
	known map[[32]byte]struct {
		addr string
		port uint16
	}
}

func (l *fakeLocator) Locate(pk [32]byte) (string, uint16, bool) {
	v, ok := l.known[pk]
	return v.addr, v.port, ok
}

type fakeMailbox struct {
	stored map[[32]byte][]byte
}

func (m *fakeMailbox) StoreOfflineMessage(recipientPK [32]byte, ciphertext []byte) error {
	if m.stored == nil {
		m.stored = make(map[[32]byte][]byte)
	}
	m.stored[recipientPK] = ciphertext
	return nil
}

func newNode(t *testing.T, addr string, port uint16, net *fakeNetwork, locator *fakeLocator, mailbox *fakeMailbox) netNode {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	fwd := &nodeForwarder{net: net, addr: addr, port: port}
	router := NewRouter(kp.Private, kp.Public, fwd, locator, mailbox)
	node := netNode{addr: addr, port: port, keyPair: kp, router: router}
	net.register(node)
	return node
}

// TestOnionRoundTripThreeHops drives a message through three relays to a
// recipient reachable via a locator lookup, then confirms the resulting
// ACK reaches the sender. Covers the end-to-end path of spec scenario S6.
func TestOnionRoundTripThreeHops(t *testing.T) {
	net := newFakeNetwork()
	locator := &fakeLocator{known: make(map[[32]byte]struct {
		addr string
		port uint16
	})}
	mailbox := &fakeMailbox{}

	relay1 := newNode(t, "203.0.113.1", 9001, net, locator, mailbox)
	relay2 := newNode(t, "203.0.113.2", 9002, net, locator, mailbox)
	relay3 := newNode(t, "203.0.113.3", 9003, net, locator, mailbox)
	recipient := newNode(t, "203.0.113.4", 9004, net, locator, mailbox)
	sender := newNode(t, "203.0.113.5", 9005, net, locator, mailbox)

	locator.known[recipient.keyPair.Public] = struct {
		addr string
		port uint16
	}{recipient.addr, recipient.port}

	var delivered ChatMessage
	var acked [16]byte
	recipient.router.OnMessage(func(m ChatMessage) { delivered = m })
	sender.router.OnAck(func(id [16]byte) { acked = id })

	path := []PathHop{
		{NodeID: [32]byte{1}, PublicKey: relay1.keyPair.Public, Address: relay1.addr, Port: relay1.port},
		{NodeID: [32]byte{2}, PublicKey: relay2.keyPair.Public, Address: relay2.addr, Port: relay2.port},
		{NodeID: [32]byte{3}, PublicKey: relay3.keyPair.Public, Address: relay3.addr, Port: relay3.port},
	}

	var messageID [16]byte
	_, err := rand.Read(messageID[:])
	require.NoError(t, err)
	chatMsg := ChatMessage{MessageID: messageID, SenderPublicKey: sender.keyPair.Public, Content: []byte("hello through three relays")}

	builder := NewBuilder()
	senderDesc := Sender{Address: sender.addr, Port: sender.port, PublicKey: sender.keyPair.Public}
	packet, err := builder.BuildPacket(path, recipient.keyPair.Public, chatMsg.Encode(), senderDesc)
	require.NoError(t, err)

	require.NoError(t, net.Forward(relay1.addr, relay1.port, packet, sender.addr, sender.port))

	require.Equal(t, messageID, delivered.MessageID)
	require.Equal(t, "hello through three relays", string(delivered.Content))
	require.Equal(t, messageID, acked)
}

// TestOnionRoundTripUnreachableRecipientStoresOffline covers the
// FinalHop branch where the recipient cannot be located and the inner
// payload is mailboxed instead of delivered.
func TestOnionRoundTripUnreachableRecipientStoresOffline(t *testing.T) {
	net := newFakeNetwork()
	locator := &fakeLocator{known: make(map[[32]byte]struct {
		addr string
		port uint16
	})}
	mailbox := &fakeMailbox{}

	relay1 := newNode(t, "203.0.113.10", 9101, net, locator, mailbox)
	recipientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	senderKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	path := []PathHop{
		{NodeID: [32]byte{9}, PublicKey: relay1.keyPair.Public, Address: relay1.addr, Port: relay1.port},
	}

	var messageID [16]byte
	chatMsg := ChatMessage{MessageID: messageID, SenderPublicKey: senderKP.Public, Content: []byte("offline delivery")}
	builder := NewBuilder()
	senderDesc := Sender{Address: "203.0.113.20", Port: 9201, PublicKey: senderKP.Public}
	packet, err := builder.BuildPacket(path, recipientKP.Public, chatMsg.Encode(), senderDesc)
	require.NoError(t, err)

	require.NoError(t, net.Forward(relay1.addr, relay1.port, packet, "203.0.113.20", 9201))
	require.Len(t, mailbox.stored, 1)

	// The mailbox must receive the raw recipient public key, not a
	// pre-hashed value: a network-backed Mailbox implementation needs the
	// raw key both to pick DHT fan-out targets and to populate the
	// StoreOfflineMessage wire RPC, whose own RecipientKey field carries
	// the raw key too (the server re-hashes it before touching storage).
	_, ok := mailbox.stored[recipientKP.Public]
	require.True(t, ok, "mailbox should be keyed by the raw recipient public key")
}

// peelOneLayer decrypts a single onion frame with hopPrivate and parses
// the resulting layer content, mirroring what Router.HandleInbound does
// internally. Used by tests that need to inspect intermediate structure
// rather than observe only the final delivered message.
func peelOneLayer(t *testing.T, frame []byte, hopPrivate [32]byte) LayerContent {
	t.Helper()
	sealed, err := wire.DecodeSealedLayer(frame)
	require.NoError(t, err)
	plaintext, err := crypto.OpenLayer(sealed, hopPrivate)
	require.NoError(t, err)
	content, err := DecodeLayerContent(plaintext)
	require.NoError(t, err)
	return content
}

// TestBuildPacketMintsOneReplyTokenPerHop covers invariant 8: a path of L
// hops produces exactly L reply tokens in the recipient payload.
func TestBuildPacketMintsOneReplyTokenPerHop(t *testing.T) {
	const hopCount = 4
	hops := make([]PathHop, 0, hopCount)
	keys := make([]*crypto.KeyPair, 0, hopCount)
	for i := 0; i < hopCount; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		keys = append(keys, kp)
		hops = append(hops, PathHop{PublicKey: kp.Public, Address: "203.0.113.1", Port: uint16(9000 + i)})
	}
	recipientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	senderKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	builder := NewBuilder()
	sender := Sender{Address: "203.0.113.99", Port: 9999, PublicKey: senderKP.Public}
	packet, err := builder.BuildPacket(hops, recipientKP.Public, []byte("invariant check"), sender)
	require.NoError(t, err)

	frame := packet
	var final LayerContent
	for i, kp := range keys {
		content := peelOneLayer(t, frame, kp.Private)
		if i == hopCount-1 {
			require.Equal(t, ContentFinalHop, content.Type)
			final = content
			break
		}
		require.Equal(t, ContentRelay, content.Type)
		frame = content.Inner
	}

	sealed, err := wire.DecodeSealedLayer(final.Inner)
	require.NoError(t, err)
	plaintext, err := crypto.OpenLayer(sealed, recipientKP.Private)
	require.NoError(t, err)
	payload, err := decodeRecipientPayload(plaintext)
	require.NoError(t, err)
	require.Len(t, payload.ReplyTokens, hopCount)
}

func TestBuildPacketRejectsEmptyPath(t *testing.T) {
	recipientKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	senderKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	builder := NewBuilder()
	_, err = builder.BuildPacket(nil, recipientKP.Public, []byte("x"), Sender{PublicKey: senderKP.Public})
	require.ErrorIs(t, err, ErrEmptyPath)
}
