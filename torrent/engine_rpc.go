package torrent

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/rpc"
	"strconv"
	"time"

	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

var (
	errRPCTorrentNotFound = jsonrpc2.NewError(1, "torrent not found")
	errRPCInvalidInfoHash = jsonrpc2.NewError(3, "invalid info hash")
)

type rpcServer struct {
	rpcServer  *rpc.Server
	httpServer http.Server
	log        logger.Logger
	doneC      chan struct{}
}

func newRPCServer(e *Engine) *rpcServer {
	h := &rpcHandler{engine: e}
	srv := rpc.NewServer()
	_ = srv.RegisterName("Engine", h)

	mux := http.NewServeMux()
	mux.Handle("/", jsonrpc2.HTTPHandler(srv))

	return &rpcServer{
		rpcServer: srv,
		httpServer: http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log:   logger.New("rpc server"),
		doneC: make(chan struct{}),
	}
}

func (s *rpcServer) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		close(s.doneC)
		return err
	}

	s.log.Infoln("RPC server is listening on", listener.Addr().String())

	go func() {
		defer close(s.doneC)
		err := s.httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			return
		}
		s.log.Errorln("RPC server has stopped:", err)
	}()

	return nil
}

func (s *rpcServer) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	<-s.doneC
	return err
}

type rpcHandler struct {
	engine *Engine
}

func (h *rpcHandler) getTorrent(infoHash string) (*Torrent, error) {
	b, err := hex.DecodeString(infoHash)
	if err != nil || len(b) != 20 {
		return nil, errRPCInvalidInfoHash
	}
	var ih [20]byte
	copy(ih[:], b)
	t := h.engine.GetTorrent(ih)
	if t == nil {
		return nil, errRPCTorrentNotFound
	}
	return t, nil
}

func newRPCTorrent(t *Torrent) rpctypes.Torrent {
	s := t.Status()
	return rpctypes.Torrent{
		InfoHash: s.InfoHash,
		Name:     s.Name,
		State:    s.State.String(),
		AddedAt:  rpctypes.Time{Time: t.AddedAt()},
	}
}

func (h *rpcHandler) ListTorrents(args *rpctypes.ListTorrentsRequest, reply *rpctypes.ListTorrentsResponse) error {
	torrents := h.engine.ListTorrents()
	reply.Torrents = make([]rpctypes.Torrent, 0, len(torrents))
	for _, t := range torrents {
		reply.Torrents = append(reply.Torrents, newRPCTorrent(t))
	}
	return nil
}

func (h *rpcHandler) AddTorrent(args *rpctypes.AddTorrentRequest, reply *rpctypes.AddTorrentResponse) error {
	t, err := h.engine.AddTorrent(args.Descriptor, args.SavePath, &AddOptions{Paused: args.Paused})
	var ie *InvalidTorrentError
	if errors.As(err, &ie) {
		return jsonrpc2.NewError(2, ie.Error())
	}
	if err != nil {
		return err
	}
	reply.Torrent = newRPCTorrent(t)
	return nil
}

func (h *rpcHandler) RemoveTorrent(args *rpctypes.RemoveTorrentRequest, reply *rpctypes.RemoveTorrentResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	err = h.engine.RemoveTorrent(t.InfoHash(), args.DeleteData)
	if errors.Is(err, ErrTorrentNotFound) {
		return errRPCTorrentNotFound
	}
	return err
}

func (h *rpcHandler) GetStatus(args *rpctypes.GetStatusRequest, reply *rpctypes.GetStatusResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	s := t.Status()
	var errStr *string
	if s.Error != nil {
		es := s.Error.Error()
		errStr = &es
	}
	var nextAnnounce *uint
	if s.CurrentTracker != "" {
		sec := uint(s.NextAnnounceETA / time.Second)
		nextAnnounce = &sec
	}
	reply.Status = rpctypes.Status{
		State:        s.State.String(),
		Error:        errStr,
		Name:         s.Name,
		Progress:     s.Progress,
		Tracker:      s.CurrentTracker,
		NextAnnounce: nextAnnounce,
	}
	reply.Status.Pieces.Checked = s.PiecesChecked
	reply.Status.Pieces.Complete = s.PiecesComplete
	reply.Status.Pieces.Total = s.PiecesTotal
	reply.Status.Bytes.Total = s.BytesTotal
	reply.Status.Bytes.Complete = s.BytesComplete
	reply.Status.Bytes.Downloaded = s.TotalDownloaded
	reply.Status.Bytes.Uploaded = s.TotalUploaded
	reply.Status.Bytes.Wasted = s.BytesWasted
	reply.Status.Peers.Total = s.NumPeers
	reply.Status.Peers.Seeds = s.NumSeeds
	reply.Status.Speed.Download = s.DownloadRate
	reply.Status.Speed.Upload = s.UploadRate
	return nil
}

func (h *rpcHandler) GetPeers(args *rpctypes.GetPeersRequest, reply *rpctypes.GetPeersResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	peers := t.Peers()
	reply.Peers = make([]rpctypes.Peer, len(peers))
	for i, p := range peers {
		reply.Peers[i] = rpctypes.Peer{
			Addr:               p.Addr,
			Client:             p.Client,
			DownloadSpeed:      p.DownloadRate,
			UploadSpeed:        p.UploadRate,
			BytesDownloaded:    p.TotalDownloaded,
			BytesUploaded:      p.TotalUploaded,
			QueueDepthDown:     p.QueueDepthDown,
			QueueDepthUp:       p.QueueDepthUp,
			Interesting:        p.Flags.Interesting,
			ChokedLocal:        p.Flags.ChokedLocal,
			RemoteInterested:   p.Flags.RemoteInterested,
			RemoteChoked:       p.Flags.RemoteChoked,
			SupportsExtensions: p.Flags.SupportsExtensions,
			Incoming:           p.Flags.IsIncoming,
		}
	}
	return nil
}

func (h *rpcHandler) Pause(args *rpctypes.PauseRequest, reply *rpctypes.PauseResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	t.Pause()
	return nil
}

func (h *rpcHandler) Resume(args *rpctypes.ResumeRequest, reply *rpctypes.ResumeResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	t.Resume()
	return nil
}

func (h *rpcHandler) AddPeer(args *rpctypes.AddPeerRequest, reply *rpctypes.AddPeerResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", args.Addr)
	if err != nil {
		return jsonrpc2.NewError(4, err.Error())
	}
	t.AddPeers([]*net.TCPAddr{addr})
	return nil
}

func (h *rpcHandler) ForceReannounce(args *rpctypes.ForceReannounceRequest, reply *rpctypes.ForceReannounceResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	t.ForceReannounce()
	return nil
}

var blockChars = map[BlockState]byte{
	BlockMissing:   '-',
	BlockRequested: '=',
	BlockReceived:  '#',
}

func blockString(blocks []BlockState) string {
	b := make([]byte, len(blocks))
	for i, bs := range blocks {
		b[i] = blockChars[bs]
	}
	return string(b)
}

func (h *rpcHandler) GetDownloadQueue(args *rpctypes.GetDownloadQueueRequest, reply *rpctypes.GetDownloadQueueResponse) error {
	t, err := h.getTorrent(args.InfoHash)
	if err != nil {
		return err
	}
	queue := t.DownloadQueue()
	reply.Queue = make([]rpctypes.DownloadQueueEntry, len(queue))
	for i, qe := range queue {
		reply.Queue[i] = rpctypes.DownloadQueueEntry{PieceIndex: qe.PieceIndex, Blocks: blockString(qe.Blocks)}
	}
	return nil
}

func (h *rpcHandler) GetEngineStats(args *rpctypes.GetEngineStatsRequest, reply *rpctypes.GetEngineStatsResponse) error {
	s := h.engine.Stats()
	reply.Stats = rpctypes.EngineStats{
		Uptime:        int(s.Uptime / time.Second),
		Torrents:      s.Torrents,
		Peers:         s.Peers,
		WritesActive:  s.WritesActive,
		WriteTimeMean: s.WriteTimeMean.String(),
		BytesWasted:   s.BytesWasted,
		SpeedDownload: s.SpeedDownload,
		SpeedUpload:   s.SpeedUpload,
	}
	return nil
}
