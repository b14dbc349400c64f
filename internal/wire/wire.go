// Package wire encodes and decodes the primitives shared by the
// rendezvous and peer-to-peer protocols: addresses, hashes, and the
// big-endian integers that frame every message.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
)

// HashByteCount is the length in bytes of a content hash on the wire.
const HashByteCount = 32

// MaxServerCommunicationSize bounds a single frame exchanged with the
// rendezvous server.
const MaxServerCommunicationSize = 64 * 1024

// MaxPeerCommunicationSize bounds a single read/write chunk of file data
// exchanged between peers.
const MaxPeerCommunicationSize = 16 * 1024

// MaxPayloadSize bounds a single subscriber-address notification forwarded
// by the rendezvous server, and sizes the publisher's forwarding channel
// (capacity 4 * MaxPayloadSize).
const MaxPayloadSize = 1024

// GoodbyeCode is the QUIC application error code used for an orderly,
// expected stream/connection shutdown once a transfer completes.
const GoodbyeCode = 0x00

// GoodbyeMessage is the human-readable reason string sent alongside
// GoodbyeCode.
const GoodbyeMessage = "goodbye"

// DefaultPort is the rendezvous server's conventional UDP port.
const DefaultPort = 7828

// WriteUint16 writes v as a big-endian u16.
func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint16 reads a big-endian u16.
func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteUint64 writes v as a big-endian u64.
func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint64 reads a big-endian u64.
func ReadUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteHash writes a 32-byte content hash verbatim.
func WriteHash(w io.Writer, hash [HashByteCount]byte) error {
	_, err := w.Write(hash[:])
	return err
}

// ReadHash reads a 32-byte content hash.
func ReadHash(r io.Reader) ([HashByteCount]byte, error) {
	var hash [HashByteCount]byte
	_, err := io.ReadFull(r, hash[:])
	return hash, err
}

// WriteAddr encodes addr as: u8 family (4|6), raw IP bytes (4 or 16), u16
// port in network order.
func WriteAddr(w io.Writer, addr netip.AddrPort) error {
	ip := addr.Addr()
	var family byte
	var ipBytes []byte
	switch {
	case ip.Is4() || ip.Is4In6():
		family = 4
		v4 := ip.As4()
		ipBytes = v4[:]
	case ip.Is6():
		family = 6
		v6 := ip.As16()
		ipBytes = v6[:]
	default:
		return fmt.Errorf("wire: address %s has no recognizable family", addr)
	}

	if _, err := w.Write([]byte{family}); err != nil {
		return err
	}
	if _, err := w.Write(ipBytes); err != nil {
		return err
	}
	return WriteUint16(w, addr.Port())
}

// ReadAddr decodes an address encoded by WriteAddr.
func ReadAddr(r io.Reader) (netip.AddrPort, error) {
	var familyBuf [1]byte
	if _, err := io.ReadFull(r, familyBuf[:]); err != nil {
		return netip.AddrPort{}, err
	}

	var ip netip.Addr
	switch familyBuf[0] {
	case 4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom4(b)
	case 6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return netip.AddrPort{}, err
		}
		ip = netip.AddrFrom16(b)
	default:
		return netip.AddrPort{}, fmt.Errorf("wire: unknown address family byte %d", familyBuf[0])
	}

	port, err := ReadUint16(r)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, port), nil
}

// UDPAddrToAddrPort converts a *net.UDPAddr, as returned by
// quic.Connection.RemoteAddr, into a netip.AddrPort suitable for WriteAddr.
func UDPAddrToAddrPort(addr *net.UDPAddr) (netip.AddrPort, error) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("wire: cannot convert IP %s", addr.IP)
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}
