// Package btconn implements the BitTorrent protocol handshake on both sides of a connection.
package btconn

import (
	"io"
	"net"
	"time"
)

const protocol = "BitTorrent protocol"

// Layout of the 68 byte handshake.
const (
	offReserved  = 1 + len(protocol)
	offInfoHash  = offReserved + 8
	offPeerID    = offInfoHash + 20
	handshakeLen = offPeerID + 20
)

// The extension protocol (BEP 10) is advertised with bit 0x10 of the sixth reserved byte.
const extensionByte, extensionMask = 5, 0x10

// Extensions returns reserved bytes advertising extension protocol support.
func Extensions() [8]byte {
	var ext [8]byte
	ext[extensionByte] |= extensionMask
	return ext
}

// SupportsExtensions reports whether reserved bytes advertise extension protocol support.
func SupportsExtensions(ext [8]byte) bool {
	return ext[extensionByte]&extensionMask != 0
}

// Handshake performs the outgoing side of the handshake on an established connection.
// The peer must answer with the same info hash.
func Handshake(conn net.Conn, timeout time.Duration, ourExtensions [8]byte, ih [20]byte, ourID [20]byte) (peerExtensions [8]byte, peerID [20]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return
	}
	b := encode(ourExtensions, ih, ourID)
	if _, err = conn.Write(b[:]); err != nil {
		return
	}
	var peerIH [20]byte
	if peerExtensions, peerIH, err = readHeader(conn); err != nil {
		return
	}
	if peerIH != ih {
		err = errInvalidInfoHash
		return
	}
	if peerID, err = readPeerID(conn, ourID); err != nil {
		return
	}
	err = conn.SetDeadline(time.Time{})
	return
}

// Accept reads the handshake of an incoming connection.
// It is answered only if hasInfoHash reports that the torrent is known.
func Accept(conn net.Conn, timeout time.Duration, hasInfoHash func([20]byte) bool, ourExtensions [8]byte, ourID [20]byte) (peerExtensions [8]byte, peerID [20]byte, infoHash [20]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return
	}
	if peerExtensions, infoHash, err = readHeader(conn); err != nil {
		return
	}
	if !hasInfoHash(infoHash) {
		err = errInvalidInfoHash
		return
	}
	b := encode(ourExtensions, infoHash, ourID)
	if _, err = conn.Write(b[:]); err != nil {
		return
	}
	if peerID, err = readPeerID(conn, ourID); err != nil {
		return
	}
	err = conn.SetDeadline(time.Time{})
	return
}

func encode(extensions [8]byte, ih, id [20]byte) (b [handshakeLen]byte) {
	b[0] = byte(len(protocol))
	copy(b[1:], protocol)
	copy(b[offReserved:], extensions[:])
	copy(b[offInfoHash:], ih[:])
	copy(b[offPeerID:], id[:])
	return
}

// readHeader reads everything before the peer id.
// Sending the peer id is delayed by some clients until they see ours.
func readHeader(r io.Reader) (extensions [8]byte, ih [20]byte, err error) {
	var b [offPeerID]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		return
	}
	if int(b[0]) != len(protocol) || string(b[1:offReserved]) != protocol {
		err = errInvalidProtocol
		return
	}
	copy(extensions[:], b[offReserved:offInfoHash])
	copy(ih[:], b[offInfoHash:])
	return
}

func readPeerID(r io.Reader, ourID [20]byte) (id [20]byte, err error) {
	if _, err = io.ReadFull(r, id[:]); err != nil {
		return
	}
	if id == ourID {
		err = errOwnConnection
	}
	return
}
