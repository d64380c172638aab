package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes decodes a compact IPv4 peer entry: 4 address bytes followed
// by a big-endian port.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// ParseCompactPeers decodes a compact peer list as returned by trackers.
func ParseCompactPeers(b []byte) ([]Addr, error) {
	if len(b)%6 != 0 {
		return nil, ErrInvalidAddr
	}
	addrs := make([]Addr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var addr Addr
		if err := addr.ReadFromBytes(b[i : i+6]); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
