package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootvault/services/bootvaultd/internal/config"
)

func testConfig(start, end string) config.DHCPConfig {
	return config.DHCPConfig{
		RangeStart:   net.ParseIP(start),
		RangeEnd:     net.ParseIP(end),
		ServerIP:     net.ParseIP("10.0.0.2"),
		Router:       net.ParseIP("10.0.0.1"),
		Mask:         net.IPv4Mask(255, 255, 255, 0),
		LeaseTime:    time.Hour,
		BootFilename: "undionly.kpxe",
		EntryURL:     "http://10.0.0.2:8080/boot/entry",
		Interface:    "lo",
	}
}

func newTestHandler(t *testing.T, cfg config.DHCPConfig) *handler {
	t.Helper()
	srv, err := NewServer(cfg, zerolog.Nop())
	require.NoError(t, err)
	return srv.handler
}

func TestNewServerRejectsIPv6(t *testing.T) {
	cfg := testConfig("10.0.0.10", "10.0.0.20")
	cfg.RangeStart = net.ParseIP("fd00::10")
	_, err := NewServer(cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = testConfig("10.0.0.10", "10.0.0.20")
	cfg.ServerIP = nil
	_, err = NewServer(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestAssignReusesLease(t *testing.T) {
	h := newTestHandler(t, testConfig("10.0.0.10", "10.0.0.20"))

	first := h.assign("aa:bb:cc:dd:ee:01")
	require.NotNil(t, first)
	assert.Equal(t, "10.0.0.10", first.String())

	again := h.assign("aa:bb:cc:dd:ee:01")
	assert.True(t, first.Equal(again))

	second := h.assign("aa:bb:cc:dd:ee:02")
	assert.Equal(t, "10.0.0.11", second.String())
}

func TestAssignExhaustsRange(t *testing.T) {
	h := newTestHandler(t, testConfig("10.0.0.10", "10.0.0.11"))

	require.NotNil(t, h.assign("aa:bb:cc:dd:ee:01"))
	require.NotNil(t, h.assign("aa:bb:cc:dd:ee:02"))
	assert.Nil(t, h.assign("aa:bb:cc:dd:ee:03"))

	h.release("aa:bb:cc:dd:ee:01")
	ip := h.assign("aa:bb:cc:dd:ee:03")
	require.NotNil(t, ip)
	assert.Equal(t, "10.0.0.10", ip.String())
}

func TestAssignReclaimsExpiredLeases(t *testing.T) {
	h := newTestHandler(t, testConfig("10.0.0.10", "10.0.0.10"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	require.NotNil(t, h.assign("aa:bb:cc:dd:ee:01"))
	assert.Nil(t, h.assign("aa:bb:cc:dd:ee:02"))

	now = now.Add(2 * time.Hour)
	ip := h.assign("aa:bb:cc:dd:ee:02")
	require.NotNil(t, ip)
	assert.Equal(t, "10.0.0.10", ip.String())
}

func TestAssignTopOfAddressSpace(t *testing.T) {
	h := newTestHandler(t, testConfig("255.255.255.254", "255.255.255.255"))

	assert.Equal(t, "255.255.255.254", h.assign("aa:bb:cc:dd:ee:01").String())
	assert.Equal(t, "255.255.255.255", h.assign("aa:bb:cc:dd:ee:02").String())
	assert.Nil(t, h.assign("aa:bb:cc:dd:ee:03"))
}

func TestBootFile(t *testing.T) {
	h := newTestHandler(t, testConfig("10.0.0.10", "10.0.0.20"))
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	firmware, err := dhcpv4.NewDiscovery(mac)
	require.NoError(t, err)
	assert.Equal(t, "undionly.kpxe", h.bootFile(firmware))

	ipxe, err := dhcpv4.NewDiscovery(mac, dhcpv4.WithOption(dhcpv4.OptUserClass("iPXE")))
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:8080/boot/entry", h.bootFile(ipxe))
}

func TestReplyCarriesLeaseAndBootOptions(t *testing.T) {
	h := newTestHandler(t, testConfig("10.0.0.10", "10.0.0.20"))
	mac, err := net.ParseMAC("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	req, err := dhcpv4.NewDiscovery(mac, dhcpv4.WithOption(dhcpv4.OptUserClass("iPXE")))
	require.NoError(t, err)

	reply, err := h.reply(req, dhcpv4.MessageTypeOffer)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeOffer, reply.MessageType())
	assert.Equal(t, "10.0.0.10", reply.YourIPAddr.String())
	assert.Equal(t, "http://10.0.0.2:8080/boot/entry", reply.BootFileName)
	assert.True(t, reply.ServerIdentifier().Equal(net.ParseIP("10.0.0.2")))
	assert.Equal(t, time.Hour, reply.IPAddressLeaseTime(0))
}
