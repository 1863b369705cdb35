package peerconn

import (
	"github.com/kestrelbt/kestrel/internal/peerprotocol"
)

// Methods in this file are called from the torrent loop only.

// SendRequest sends a block request to the peer and adds it to the pipeline.
// Returns *PipelineFullError if the pipeline is at its configured depth.
func (c *Conn) SendRequest(r peerprotocol.RequestMessage) error {
	if len(c.requests) >= c.config.PipelineDepth {
		return &PipelineFullError{Depth: c.config.PipelineDepth}
	}
	c.requests = append(c.requests, r)
	c.SendMessage(r)
	return nil
}

// CompleteRequest removes the request matching a received block from the pipeline.
// Returns false if the block was not requested from this peer.
func (c *Conn) CompleteRequest(index, begin, length uint32) bool {
	return c.removeRequest(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length})
}

// CancelRequest removes an outstanding request and sends a cancel message to the peer.
func (c *Conn) CancelRequest(r peerprotocol.RequestMessage) bool {
	if !c.removeRequest(r) {
		return false
	}
	c.SendMessage(peerprotocol.CancelMessage{RequestMessage: r})
	return true
}

func (c *Conn) removeRequest(r peerprotocol.RequestMessage) bool {
	for i, req := range c.requests {
		if req == r {
			c.requests = append(c.requests[:i], c.requests[i+1:]...)
			return true
		}
	}
	return false
}

// OnChoked handles a choke message from the peer.
// Outstanding requests are dropped from the pipeline and returned so the blocks can be scheduled again.
func (c *Conn) OnChoked() []peerprotocol.RequestMessage {
	c.PeerChoking = true
	reqs := c.requests
	c.requests = nil
	return reqs
}

// OnUnchoked handles an unchoke message from the peer. The pipeline is empty and ready for new requests.
func (c *Conn) OnUnchoked() {
	c.PeerChoking = false
}

// Requests returns a copy of outstanding requests in the order they were sent.
func (c *Conn) Requests() []peerprotocol.RequestMessage {
	return append([]peerprotocol.RequestMessage(nil), c.requests...)
}

// QueueDepth returns the number of outstanding requests to the peer.
func (c *Conn) QueueDepth() int {
	return len(c.requests)
}

// FreeSlots returns how many more requests can be sent.
func (c *Conn) FreeSlots() int {
	if c.PeerChoking {
		return 0
	}
	return c.config.PipelineDepth - len(c.requests)
}

// UploadsQueued returns the number of piece requests from the peer we have queued.
func (c *Conn) UploadsQueued() int {
	return c.uploadsQueued
}

// QueueUpload records a queued upload. Call UploadDone when it is sent or cancelled.
func (c *Conn) QueueUpload() { c.uploadsQueued++ }

// UploadDone decrements the queued upload count.
func (c *Conn) UploadDone() {
	if c.uploadsQueued > 0 {
		c.uploadsQueued--
	}
}

// Choke stops uploading to the peer.
func (c *Conn) Choke() {
	if c.AmChoking {
		return
	}
	c.AmChoking = true
	c.uploadsQueued = 0
	c.SendMessage(peerprotocol.ChokeMessage{})
}

// Unchoke allows the peer to request blocks.
func (c *Conn) Unchoke() {
	if !c.AmChoking {
		return
	}
	c.AmChoking = false
	c.SendMessage(peerprotocol.UnchokeMessage{})
}

// SetInterested sends interested or not interested if the value changes.
func (c *Conn) SetInterested(v bool) {
	if c.AmInterested == v {
		return
	}
	c.AmInterested = v
	if v {
		c.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		c.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}
