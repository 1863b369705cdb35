// Package rpcclient is a client for the JSON-RPC API of a running engine.
package rpcclient

import (
	"github.com/kestrelbt/kestrel/internal/rpctypes"
	"github.com/powerman/rpc-codec/jsonrpc2"
)

// Client of the engine. Calls are sent as HTTP POST requests.
type Client struct {
	client *jsonrpc2.Client
}

// New returns a client for the server at url, e.g. "http://127.0.0.1:7247".
func New(url string) *Client {
	return &Client{client: jsonrpc2.NewHTTPClient(url)}
}

// Close the client.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) ListTorrents() ([]rpctypes.Torrent, error) {
	var args rpctypes.ListTorrentsRequest
	var reply rpctypes.ListTorrentsResponse
	return reply.Torrents, c.client.Call("Engine.ListTorrents", args, &reply)
}

func (c *Client) AddTorrent(descriptor, savePath string, paused bool) (*rpctypes.Torrent, error) {
	args := rpctypes.AddTorrentRequest{Descriptor: descriptor, SavePath: savePath, Paused: paused}
	var reply rpctypes.AddTorrentResponse
	return &reply.Torrent, c.client.Call("Engine.AddTorrent", args, &reply)
}

func (c *Client) RemoveTorrent(infoHash string, deleteData bool) error {
	args := rpctypes.RemoveTorrentRequest{InfoHash: infoHash, DeleteData: deleteData}
	var reply rpctypes.RemoveTorrentResponse
	return c.client.Call("Engine.RemoveTorrent", args, &reply)
}

func (c *Client) GetStatus(infoHash string) (*rpctypes.Status, error) {
	args := rpctypes.GetStatusRequest{InfoHash: infoHash}
	var reply rpctypes.GetStatusResponse
	return &reply.Status, c.client.Call("Engine.GetStatus", args, &reply)
}

func (c *Client) GetPeers(infoHash string) ([]rpctypes.Peer, error) {
	args := rpctypes.GetPeersRequest{InfoHash: infoHash}
	var reply rpctypes.GetPeersResponse
	return reply.Peers, c.client.Call("Engine.GetPeers", args, &reply)
}

func (c *Client) Pause(infoHash string) error {
	args := rpctypes.PauseRequest{InfoHash: infoHash}
	var reply rpctypes.PauseResponse
	return c.client.Call("Engine.Pause", args, &reply)
}

func (c *Client) Resume(infoHash string) error {
	args := rpctypes.ResumeRequest{InfoHash: infoHash}
	var reply rpctypes.ResumeResponse
	return c.client.Call("Engine.Resume", args, &reply)
}

func (c *Client) AddPeer(infoHash, addr string) error {
	args := rpctypes.AddPeerRequest{InfoHash: infoHash, Addr: addr}
	var reply rpctypes.AddPeerResponse
	return c.client.Call("Engine.AddPeer", args, &reply)
}

func (c *Client) ForceReannounce(infoHash string) error {
	args := rpctypes.ForceReannounceRequest{InfoHash: infoHash}
	var reply rpctypes.ForceReannounceResponse
	return c.client.Call("Engine.ForceReannounce", args, &reply)
}

func (c *Client) GetDownloadQueue(infoHash string) ([]rpctypes.DownloadQueueEntry, error) {
	args := rpctypes.GetDownloadQueueRequest{InfoHash: infoHash}
	var reply rpctypes.GetDownloadQueueResponse
	return reply.Queue, c.client.Call("Engine.GetDownloadQueue", args, &reply)
}

func (c *Client) GetEngineStats() (*rpctypes.EngineStats, error) {
	var args rpctypes.GetEngineStatsRequest
	var reply rpctypes.GetEngineStatsResponse
	return &reply.Stats, c.client.Call("Engine.GetEngineStats", args, &reply)
}
