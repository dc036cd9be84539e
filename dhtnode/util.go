package dhtnode

import (
	"net"
	"time"
)

// hostToIPBytes renders a dotted/colon address string into the 4- or
// 16-byte form wire.NodeRecord expects, falling back to the IPv4
// zero-value for an address wire can't parse (e.g. a test fixture's
// opaque hostname) rather than failing the whole response.
func hostToIPBytes(host string) []byte {
	ip := net.ParseIP(host)
	if ip == nil {
		return make([]byte, 4)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}

func netIPString(ip []byte) string {
	return net.IP(ip).String()
}
