package torrent

import (
	"errors"
	"net"

	"github.com/kestrelbt/kestrel/internal/btconn"
)

func (e *Engine) accept() {
	defer e.wg.Done()
	for {
		conn, err := e.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			e.log.Errorln("cannot accept connection:", err)
			continue
		}
		e.mHandshakes.Lock()
		select {
		case <-e.closeC:
			e.mHandshakes.Unlock()
			conn.Close()
			return
		default:
		}
		e.handshakes[conn] = struct{}{}
		e.mHandshakes.Unlock()
		e.wg.Add(1)
		go e.handshakeIncoming(conn)
	}
}

// handshakeIncoming completes the handshake of an incoming connection and hands it to the torrent.
func (e *Engine) handshakeIncoming(conn net.Conn) {
	defer e.wg.Done()
	ext, id, ih, err := btconn.Accept(conn, e.config.PeerHandshakeTimeout, e.hasTorrent, e.extensions, e.peerID)

	e.mHandshakes.Lock()
	delete(e.handshakes, conn)
	e.mHandshakes.Unlock()

	if err != nil {
		e.log.Debugf("handshake failed with %s: %s", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if id == e.peerID {
		e.log.Debugln("rejected connection to ourselves from", conn.RemoteAddr())
		conn.Close()
		return
	}
	t := e.GetTorrent(ih)
	if t == nil {
		conn.Close()
		return
	}
	t.handleIncoming(incomingConn{conn: conn, id: id, ext: ext})
}
