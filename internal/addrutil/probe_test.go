package addrutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"natrelay/internal/model"
)

func TestDialAddr_IPv4(t *testing.T) {
	addr, ok := DialAddr(model.NodeDescriptor{PublicAddress: "39.119.108.243", PublicPort: 9000})
	assert.True(t, ok)
	assert.Equal(t, "39.119.108.243:9000", addr)
}

func TestDialAddr_DefaultPort(t *testing.T) {
	addr, ok := DialAddr(model.NodeDescriptor{PublicAddress: "39.119.108.243"})
	assert.True(t, ok)
	assert.Equal(t, "39.119.108.243:8888", addr)
}

func TestDialAddr_StalePortIgnored(t *testing.T) {
	addr, ok := DialAddr(model.NodeDescriptor{PublicAddress: "39.119.108.243:33134", PublicPort: 9000})
	assert.True(t, ok)
	assert.Equal(t, "39.119.108.243:9000", addr)
}

func TestDialAddr_IPv6(t *testing.T) {
	addr, ok := DialAddr(model.NodeDescriptor{PublicAddress: "2001:db8::1", PublicPort: 9000})
	assert.True(t, ok)
	assert.Equal(t, "[2001:db8::1]:9000", addr)

	addr, ok = DialAddr(model.NodeDescriptor{PublicAddress: "[2001:db8::1]:51820", PublicPort: 9000})
	assert.True(t, ok)
	assert.Equal(t, "[2001:db8::1]:9000", addr)
}

func TestDialAddr_EmptyAddress(t *testing.T) {
	_, ok := DialAddr(model.NodeDescriptor{PublicAddress: "  ", PublicPort: 9000})
	assert.False(t, ok)
}
