//go:build linux

package gateway

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsDefaultDst(t *testing.T) {
	assert.True(t, isDefaultDst(nil))
	_, all, _ := net.ParseCIDR("0.0.0.0/0")
	assert.True(t, isDefaultDst(all))
	_, lan, _ := net.ParseCIDR("192.168.0.0/24")
	assert.False(t, isDefaultDst(lan))
}

func TestDefaultDoesNotPanic(t *testing.T) {
	ip, err := Default()
	if err == nil {
		assert.NotNil(t, ip)
	}
}

var _ Lookup = Default
