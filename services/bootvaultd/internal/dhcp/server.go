package dhcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/rs/zerolog"

	"bootvault/services/bootvaultd/internal/config"
)

// ipxeUserClass is the DHCP user class iPXE sends once it is running.
const ipxeUserClass = "iPXE"

// Server hands out leases from a fixed range and points PXE firmware at the boot chain: plain
// firmware gets the chainloader over TFTP, iPXE gets the HTTP entry script.
type Server struct {
	cfg     config.DHCPConfig
	logger  zerolog.Logger
	handler *handler
}

type handler struct {
	cfg       config.DHCPConfig
	logger    zerolog.Logger
	mu        sync.Mutex
	leases    map[string]lease
	next      uint32
	start     uint32
	end       uint32
	leaseTime time.Duration
	now       func() time.Time
}

type lease struct {
	ip        net.IP
	expiresAt time.Time
}

func NewServer(cfg config.DHCPConfig, logger zerolog.Logger) (*Server, error) {
	if cfg.RangeStart.To4() == nil || cfg.RangeEnd.To4() == nil {
		return nil, fmt.Errorf("dhcp range must be IPv4")
	}
	if cfg.ServerIP.To4() == nil {
		return nil, fmt.Errorf("dhcp server ip must be IPv4")
	}
	logger = logger.With().Str("component", "dhcp").Logger()
	h := &handler{
		cfg:       cfg,
		logger:    logger,
		leases:    make(map[string]lease),
		start:     ipv4ToUint(cfg.RangeStart),
		end:       ipv4ToUint(cfg.RangeEnd),
		next:      ipv4ToUint(cfg.RangeStart),
		leaseTime: cfg.LeaseTime,
		now:       time.Now,
	}
	return &Server{cfg: cfg, logger: logger, handler: h}, nil
}

// Run serves until ctx is cancelled. ready is set once the socket is bound.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	srv, err := server4.NewServer(s.cfg.Interface, nil, s.handler.handle)
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", s.cfg.Interface, err)
	}
	ready.Store(true)
	s.logger.Info().Str("interface", s.cfg.Interface).Msg("dhcp listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dhcp serve: %w", err)
		}
	case <-ctx.Done():
		srv.Close()
		<-errCh
	}
	return nil
}

func (h *handler) handle(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	var msgType dhcpv4.MessageType
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		msgType = dhcpv4.MessageTypeOffer
	case dhcpv4.MessageTypeRequest:
		msgType = dhcpv4.MessageTypeAck
	case dhcpv4.MessageTypeRelease:
		h.release(req.ClientHWAddr.String())
		return
	default:
		return
	}

	reply, err := h.reply(req, msgType)
	if err != nil {
		h.logger.Warn().Err(err).Str("mac", req.ClientHWAddr.String()).Msg("no reply")
		return
	}
	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		h.logger.Error().Err(err).Str("mac", req.ClientHWAddr.String()).Stringer("type", msgType).Msg("send reply")
	}
}

func (h *handler) reply(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	mac := req.ClientHWAddr.String()
	ip := h.assign(mac)
	if ip == nil {
		return nil, fmt.Errorf("no available lease for %s", mac)
	}

	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}
	reply.UpdateOption(dhcpv4.OptMessageType(msgType))
	reply.YourIPAddr = ip
	reply.ServerIPAddr = h.cfg.ServerIP
	reply.BootFileName = h.bootFile(req)
	reply.Options.Update(dhcpv4.OptServerIdentifier(h.cfg.ServerIP))
	reply.Options.Update(dhcpv4.OptSubnetMask(h.cfg.Mask))
	reply.Options.Update(dhcpv4.OptRouter(h.cfg.Router))
	if len(h.cfg.DNSServers) > 0 {
		reply.Options.Update(dhcpv4.OptDNS(h.cfg.DNSServers...))
	}
	reply.Options.Update(dhcpv4.OptIPAddressLeaseTime(h.leaseTime))
	if h.cfg.NextServer != nil {
		reply.ServerIPAddr = h.cfg.NextServer
		reply.Options.Update(dhcpv4.OptTFTPServerName(h.cfg.NextServer.String()))
	}
	return reply, nil
}

// bootFile breaks the PXE loop: firmware that already runs iPXE is sent to the entry script
// instead of being handed the chainloader again.
func (h *handler) bootFile(req *dhcpv4.DHCPv4) string {
	for _, class := range req.UserClass() {
		if class == ipxeUserClass {
			return h.cfg.EntryURL
		}
	}
	return h.cfg.BootFilename
}

func (h *handler) assign(mac string) net.IP {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if l, ok := h.leases[mac]; ok && l.expiresAt.After(now) {
		return l.ip
	}

	// Scan from the cursor to the end of the range, then wrap to the start.
	for _, from := range []uint32{h.next, h.start} {
		for v := uint64(from); v <= uint64(h.end); v++ {
			ip := uintToIPv4(uint32(v))
			if !h.isAllocated(ip, now) {
				h.leases[mac] = lease{ip: ip, expiresAt: now.Add(h.leaseTime)}
				h.next = uint32(v + 1)
				return ip
			}
		}
	}
	return nil
}

func (h *handler) release(mac string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.leases, mac)
}

func (h *handler) isAllocated(ip net.IP, now time.Time) bool {
	for _, l := range h.leases {
		if l.expiresAt.After(now) && ip.Equal(l.ip) {
			return true
		}
	}
	return false
}
