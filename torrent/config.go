package torrent

import (
	"os"
	"time"

	"github.com/kestrelbt/kestrel/internal/peerconn"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Config for Engine.
type Config struct {
	// Directory of resume files, one per torrent. Ignored when ResumeDB is set.
	ResumeDir string `yaml:"resume-dir"`
	// Bolt database file to keep resume records in instead of ResumeDir.
	ResumeDB string `yaml:"resume-db"`
	// Default save path of torrents added without one.
	DataDir string `yaml:"data-dir"`
	// Host and port to accept peer connections. Port 0 picks a random port.
	ListenHost string `yaml:"listen-host"`
	ListenPort int    `yaml:"listen-port"`
	// At start, the engine sets the max open files limit to this number. (like "ulimit -n" command)
	MaxOpenFiles uint64 `yaml:"max-open-files"`

	// Enable JSON-RPC server for status queries and commands.
	RPCEnabled bool   `yaml:"rpc-enabled"`
	RPCHost    string `yaml:"rpc-host"`
	RPCPort    int    `yaml:"rpc-port"`
	// Time to wait for ongoing requests before shutting down RPC HTTP server.
	RPCShutdownTimeout time.Duration `yaml:"rpc-shutdown-timeout"`

	// Auto managed torrents over this number wait in Queued state. 0 means no limit.
	MaxActiveTorrents int `yaml:"max-active-torrents"`
	// Max size of a torrent file fetched over HTTP.
	MaxTorrentSize int64 `yaml:"max-torrent-size"`
	// Timeout for fetching a torrent file over HTTP.
	HTTPTimeout time.Duration `yaml:"http-timeout"`
	// Number of attempts to fetch a torrent file over HTTP.
	HTTPRetries uint64 `yaml:"http-retries"`

	// Max number of peer connections per torrent.
	MaxConnections int `yaml:"max-connections"`
	// Max number of peer addresses kept per torrent.
	MaxPeerAddresses int `yaml:"max-peer-addresses"`
	// A peer address is dropped after this many failed connection attempts in a row.
	MaxPeerRetries int `yaml:"max-peer-retries"`
	// First wait before redialing a peer that could not be connected. Doubles on every failure.
	PeerRetryInterval    time.Duration `yaml:"peer-retry-interval"`
	PeerRetryMaxInterval time.Duration `yaml:"peer-retry-max-interval"`
	// Wait before redialing a peer after the connection is closed.
	PeerReconnectDelay time.Duration `yaml:"peer-reconnect-delay"`
	// Outgoing connections started per second, per torrent.
	DialRate float64 `yaml:"dial-rate"`
	// Time to wait for TCP connection to open.
	PeerConnectTimeout time.Duration `yaml:"peer-connect-timeout"`
	// Time to wait for BitTorrent handshake to complete.
	PeerHandshakeTimeout time.Duration `yaml:"peer-handshake-timeout"`
	// Peer connection is closed if no message is received in this duration.
	PeerReadTimeout time.Duration `yaml:"peer-read-timeout"`
	// When peer has started to send piece block, if it does not send any bytes in PieceReadTimeout, the connection is closed.
	PieceReadTimeout time.Duration `yaml:"piece-read-timeout"`
	// Keep-alive messages are sent if nothing is written in this duration.
	PeerKeepAlivePeriod time.Duration `yaml:"peer-keep-alive-period"`
	// Time to wait for queued messages to be written when a torrent is paused.
	PeerShutdownTimeout time.Duration `yaml:"peer-shutdown-timeout"`
	// Max number of blocks requested from a peer but not received yet.
	PipelineDepth int `yaml:"pipeline-depth"`
	// Max number of block requests of a peer queued for upload.
	MaxQueuedUploads int `yaml:"max-queued-uploads"`
	// Number of metadata downloads run in parallel for magnet links.
	ParallelMetadataDownloads int `yaml:"parallel-metadata-downloads"`

	// Number of blocks written to disk in parallel, shared by all torrents.
	ParallelWrites int `yaml:"parallel-writes"`
	// A piece failing hash check this many times in a row stops the torrent.
	MaxCorruption int `yaml:"max-corruption"`
	// Endgame starts when the fraction of incomplete pieces is below this value.
	EndgameThreshold float64 `yaml:"endgame-threshold"`
	// Max number of peers a block is requested from in endgame.
	MaxDuplicateRequests int `yaml:"max-duplicate-requests"`

	// Number of peers unchoked by upload or download rate.
	UnchokedPeers int `yaml:"unchoked-peers"`
	// Number of peers unchoked at random.
	OptimisticUnchokedPeers int `yaml:"optimistic-unchoked-peers"`

	// Per torrent limits in bytes per second. Zero or negative means unlimited.
	DownloadLimit int64 `yaml:"download-limit"`
	UploadLimit   int64 `yaml:"upload-limit"`
	// Limits shared by all torrents.
	GlobalDownloadLimit int64 `yaml:"global-download-limit"`
	GlobalUploadLimit   int64 `yaml:"global-upload-limit"`

	// Number of peer addresses to request in announce request.
	TrackerNumWant int `yaml:"tracker-num-want"`
	// To prevent spamming the tracker an interval is set to wait before the next announce.
	TrackerMinAnnounceInterval time.Duration `yaml:"tracker-min-announce-interval"`
	// Used until a tracker returns an interval.
	TrackerDefaultAnnounceInterval time.Duration `yaml:"tracker-default-announce-interval"`
	// Creates a Tracker for an announce URL. Torrents are not announced when nil.
	NewTracker func(announceURL string) (Tracker, error) `yaml:"-"`

	// Log level: debug, info, notice, warning, error or critical.
	LogLevel string `yaml:"log-level"`
}

// DefaultConfig for Engine.
var DefaultConfig = Config{
	ResumeDir:          "~/.kestrel/resume",
	DataDir:            "~/kestrel-downloads",
	ListenHost:         "0.0.0.0",
	ListenPort:         6881,
	MaxOpenFiles:       10240,
	RPCHost:            "127.0.0.1",
	RPCPort:            7247,
	RPCShutdownTimeout: 5 * time.Second,

	MaxActiveTorrents: 8,
	MaxTorrentSize:    10 << 20,
	HTTPTimeout:       30 * time.Second,
	HTTPRetries:       3,

	MaxConnections:            60,
	MaxPeerAddresses:          2000,
	MaxPeerRetries:            5,
	PeerRetryInterval:         10 * time.Second,
	PeerRetryMaxInterval:      10 * time.Minute,
	PeerReconnectDelay:        time.Minute,
	DialRate:                  10,
	PeerConnectTimeout:        10 * time.Second,
	PeerHandshakeTimeout:      10 * time.Second,
	PeerReadTimeout:           2 * time.Minute,
	PieceReadTimeout:          30 * time.Second,
	PeerKeepAlivePeriod:       time.Minute,
	PeerShutdownTimeout:       5 * time.Second,
	PipelineDepth:             8,
	MaxQueuedUploads:          250,
	ParallelMetadataDownloads: 2,

	ParallelWrites:       4,
	MaxCorruption:        3,
	EndgameThreshold:     0.05,
	MaxDuplicateRequests: 3,

	UnchokedPeers:           3,
	OptimisticUnchokedPeers: 1,

	TrackerNumWant:                 200,
	TrackerMinAnnounceInterval:     time.Minute,
	TrackerDefaultAnnounceInterval: 30 * time.Minute,

	LogLevel: "info",
}

// LoadConfig reads the YAML file at filename over DefaultConfig.
// DefaultConfig is returned if the file does not exist.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) peerConfig() peerconn.Config {
	return peerconn.Config{
		PipelineDepth:    c.PipelineDepth,
		ConnectTimeout:   c.PeerConnectTimeout,
		HandshakeTimeout: c.PeerHandshakeTimeout,
		ReadTimeout:      c.PeerReadTimeout,
		PieceTimeout:     c.PieceReadTimeout,
		KeepAlivePeriod:  c.PeerKeepAlivePeriod,
		MaxQueuedUploads: c.MaxQueuedUploads,
	}
}
