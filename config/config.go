// Package config collects every tunable constant of the messaging
// substrate into one record, built once in compose_root and threaded
// through every component's constructor. This replaces the scattered
// package-level constants (Alpha, K, timeouts, block size, storage caps)
// the original implementation hard-coded per component, so tests can vary
// any of them independently. Some fields are read by no component: the
// storage caps (MaxStoredValues, MaxStoredBytes, MaxValueSize,
// MaxOfflineMessages, MaxOfflineRecipients, OfflineMessageTTL,
// CleanupInterval), MaxOnionPayload, MaxStringLen and PaddedBlockSize are
// enforced by package constants of the same value in dhtstore, wire and
// onion, and OnionBurst/OnionRate feed no rate limiter.
package config

import "time"

// Config holds every tunable of the DHT, onion, relay, and connection
// subsystems. Default() returns the values fixed by the protocol
// specification; tests construct their own Config to exercise edge
// behavior (tiny buckets, short TTLs, aggressive rate limits) without
// touching production defaults.
type Config struct {
	// Kademlia
	K                int           // replication factor / bucket capacity
	Alpha            int           // lookup concurrency
	BucketCount      int           // number of k-buckets (one per bit of NodeId)
	RPCTimeout       time.Duration // per-request RPC timeout
	FindValueCacheTTL time.Duration // TTL applied to values cached after FIND_VALUE

	// Storage
	MaxStoredValues     int           // global cap on stored key/value pairs
	MaxStoredBytes      int64         // global cap on accumulated value bytes
	MaxValueSize        int           // maximum single DHT value size
	DefaultValueTTL     time.Duration // TTL applied when STORE omits one
	MaxOfflineMessages  int           // per-recipient offline mailbox cap
	MaxOfflineRecipients int          // global cap on recipients with mailboxes
	OfflineMessageTTL   time.Duration // default offline-message TTL
	CleanupInterval     time.Duration // minimum interval between storage sweeps

	// Rate limiting
	RPCBurst        float64       // RPC-dispatch token bucket burst
	RPCRate         float64       // RPC-dispatch token bucket refill rate (tokens/sec)
	OnionBurst      float64       // onion-acceptance token bucket burst
	OnionRate       float64       // onion-acceptance token bucket refill rate (tokens/sec)
	BucketEvictAfter time.Duration // evict a per-IP bucket unused this long

	// Wire codec
	MaxFrameSize   int // hard per-frame ceiling
	MaxOnionPayload int // maximum onion payload size
	MaxStringLen   int // maximum encoded string length
	ConnReadTimeout time.Duration

	// Onion
	PaddedBlockSize int           // fixed padded-message block size
	RelayDelayMin   time.Duration // minimum per-hop timing-decorrelation delay
	RelayDelayMax   time.Duration // maximum per-hop timing-decorrelation delay
	PathLength      int           // default onion path length sampled by ChatService

	// Relay
	MaxCircuits          int           // global circuit cap
	MaxCircuitsPerPeer   int           // per-requester circuit cap
	MaxCircuitBytes      int64         // bytes_relayed cap before forced close
	CircuitIdleTimeout   time.Duration // circuit inactivity timeout
	CircuitCleanupPeriod time.Duration // circuit table sweep interval
	RelayRequestTimeout  time.Duration // stateless relay request timeout

	// Connection manager
	DirectDialTimeout time.Duration
	MaxRelayAttempts  int
	ConnIdleTimeout   time.Duration
}

// Default returns the configuration fixed by the protocol specification.
func Default() *Config {
	return &Config{
		K:                 20,
		Alpha:             3,
		BucketCount:       256,
		RPCTimeout:        5 * time.Second,
		FindValueCacheTTL: time.Hour,

		MaxStoredValues:      10_000,
		MaxStoredBytes:       256 * 1024 * 1024,
		MaxValueSize:         32 * 1024,
		DefaultValueTTL:      0, // 0 lets dhtstore apply its own 24h default
		MaxOfflineMessages:   100,
		MaxOfflineRecipients: 5_000,
		OfflineMessageTTL:    7 * 24 * time.Hour,
		CleanupInterval:      5 * time.Minute,

		RPCBurst:         50,
		RPCRate:          10,
		OnionBurst:       30,
		OnionRate:        5,
		BucketEvictAfter: 10 * time.Minute,

		MaxFrameSize:    256 * 1024,
		MaxOnionPayload: 64 * 1024,
		MaxStringLen:    1024,
		ConnReadTimeout: 10 * time.Second,

		PaddedBlockSize: 16 * 1024,
		RelayDelayMin:   50 * time.Millisecond,
		RelayDelayMax:   500 * time.Millisecond,
		PathLength:      3,

		MaxCircuits:          1_000,
		MaxCircuitsPerPeer:   10,
		MaxCircuitBytes:      100 * 1024 * 1024,
		CircuitIdleTimeout:   5 * time.Minute,
		CircuitCleanupPeriod: time.Minute,
		RelayRequestTimeout:  10 * time.Second,

		DirectDialTimeout: 5 * time.Second,
		MaxRelayAttempts:  3,
		ConnIdleTimeout:   10 * time.Minute,
	}
}
