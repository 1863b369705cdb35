package peerprotocol

import "strconv"

// MessageID is the first byte of a peer message.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
	Port
	// Extension messages (BEP 10).
	Extension MessageID = 20
)

var messageNames = [...]string{
	Choke:         "choke",
	Unchoke:       "unchoke",
	Interested:    "interested",
	NotInterested: "not interested",
	Have:          "have",
	Bitfield:      "bitfield",
	Request:       "request",
	Piece:         "piece",
	Cancel:        "cancel",
	Port:          "port",
	Extension:     "extension",
}

func (m MessageID) String() string {
	if int(m) < len(messageNames) && messageNames[m] != "" {
		return messageNames[m]
	}
	return "unknown(" + strconv.Itoa(int(m)) + ")"
}
