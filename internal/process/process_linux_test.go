package process

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHexAddrIPv4(t *testing.T) {
	// 127.0.0.1:8080 appears as 0100007F:1F90 in /proc/net/tcp
	got := hexAddr(net.ParseIP("127.0.0.1"), 8080)
	assert.Equal(t, "0100007F:1F90", got)

	got = hexAddr(net.ParseIP("10.1.2.3"), 443)
	assert.Equal(t, "0302010A:01BB", got)
}

func TestHexAddrIPv6(t *testing.T) {
	got := hexAddr(net.ParseIP("::1"), 80)
	assert.Equal(t, "00000000000000000000000001000000:0050", got)
}
