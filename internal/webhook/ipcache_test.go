package webhook

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	addrs []net.IPAddr
	err   error
}

func (s *stubResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return s.addrs, s.err
}

func TestIPCache_ResolvesAndCaches(t *testing.T) {
	r := &stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.10")}}}
	c := newIPCache("example.com", false, r, false)

	ip, gen, changed, err := c.current(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", ip)
	assert.Equal(t, 1, gen)
	assert.False(t, changed)
}

func TestIPCache_BumpGenerationOnChange(t *testing.T) {
	r := &stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.10")}}}
	c := newIPCache("example.com", false, r, false)

	now := time.Now()
	_, gen1, _, err := c.current(context.Background(), now)
	require.NoError(t, err)

	r.addrs = []net.IPAddr{{IP: net.ParseIP("203.0.113.20")}}
	ip2, gen2, changed, err := c.current(context.Background(), now.Add(34*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.20", ip2)
	assert.Equal(t, gen1+1, gen2)
	assert.True(t, changed)
}

func TestIPCache_RejectsPrivateAddressUnlessLocalMode(t *testing.T) {
	r := &stubResolver{addrs: []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}}
	c := newIPCache("internal.example", false, r, false)
	_, _, _, err := c.current(context.Background(), time.Now())
	assert.Error(t, err)

	c2 := newIPCache("internal.example", false, r, true)
	ip, _, _, err := c2.current(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)
}

func TestIPCache_FixedNeverResolves(t *testing.T) {
	c := newIPCacheFixed("198.51.100.7")
	ip, _, changed, err := c.current(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", ip)
	assert.False(t, changed)
}
