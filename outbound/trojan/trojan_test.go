package trojan

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderDomain(t *testing.T) {
	a, err := New("tj", "proxy.example.net:443", "letmein")
	require.NoError(t, err)

	header, err := a.header("example.com:80")
	require.NoError(t, err)

	sum := sha256.Sum224([]byte("letmein"))
	hash := hex.EncodeToString(sum[:])
	require.Len(t, hash, 56)

	assert.Equal(t, hash, string(header[:56]))
	assert.Equal(t, []byte{0x0d, 0x0a}, header[56:58])
	assert.Equal(t, byte(cmdConnect), header[58])
	assert.Equal(t, byte(addrDomain), header[59])
	assert.Equal(t, byte(len("example.com")), header[60])
	assert.Equal(t, "example.com", string(header[61:72]))
	assert.Equal(t, []byte{0x00, 0x50}, header[72:74])
	assert.Equal(t, []byte{0x0d, 0x0a}, header[74:76])
	assert.Len(t, header, 76)
}

func TestHeaderIPv4(t *testing.T) {
	a, err := New("tj", "proxy.example.net:443", "letmein")
	require.NoError(t, err)

	header, err := a.header("10.1.2.3:443")
	require.NoError(t, err)

	assert.Equal(t, byte(addrIPv4), header[59])
	assert.Equal(t, []byte{10, 1, 2, 3}, header[60:64])
	assert.Equal(t, []byte{0x01, 0xbb}, header[64:66])
}

func TestServerNameDefault(t *testing.T) {
	a, err := New("tj", "proxy.example.net:443", "x")
	require.NoError(t, err)
	assert.Equal(t, "proxy.example.net", a.tlsCfg.ServerName)

	a, err = New("tj", "proxy.example.net:443", "x", ServerNameOption("front.example.org"))
	require.NoError(t, err)
	assert.Equal(t, "front.example.org", a.tlsCfg.ServerName)
}
