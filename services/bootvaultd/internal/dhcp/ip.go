package dhcp

import (
	"encoding/binary"
	"net"
)

// IPv4 addresses are handled as integers so range scans cannot wrap past 255.255.255.255.

func ipv4ToUint(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uintToIPv4(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
