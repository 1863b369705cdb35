// Package rpctypes contains the request and response types of the engine's JSON-RPC API.
package rpctypes

type Torrent struct {
	InfoHash string
	Name     string
	State    string
	AddedAt  Time
}

type Peer struct {
	Addr            string
	Client          string
	DownloadSpeed   int64
	UploadSpeed     int64
	BytesDownloaded int64
	BytesUploaded   int64
	QueueDepthDown  int
	QueueDepthUp    int

	Interesting        bool
	ChokedLocal        bool
	RemoteInterested   bool
	RemoteChoked       bool
	SupportsExtensions bool
	Incoming           bool
}

type Status struct {
	State    string
	Error    *string
	Name     string
	Progress float64
	Pieces   struct {
		Checked  uint32
		Complete uint32
		Total    uint32
	}
	Bytes struct {
		Total      int64
		Complete   int64
		Downloaded int64
		Uploaded   int64
		Wasted     int64
	}
	Peers struct {
		Total int
		Seeds int
	}
	Speed struct {
		Download int64
		Upload   int64
	}
	Tracker      string
	NextAnnounce *uint
}

type ListTorrentsRequest struct {
}

type ListTorrentsResponse struct {
	Torrents []Torrent
}

type AddTorrentRequest struct {
	Descriptor string
	SavePath   string
	Paused     bool
}

type AddTorrentResponse struct {
	Torrent Torrent
}

type RemoveTorrentRequest struct {
	InfoHash   string
	DeleteData bool
}

type RemoveTorrentResponse struct {
}

type GetStatusRequest struct {
	InfoHash string
}

type GetStatusResponse struct {
	Status Status
}

type GetPeersRequest struct {
	InfoHash string
}

type GetPeersResponse struct {
	Peers []Peer
}

type PauseRequest struct {
	InfoHash string
}

type PauseResponse struct {
}

type ResumeRequest struct {
	InfoHash string
}

type ResumeResponse struct {
}

type AddPeerRequest struct {
	InfoHash string
	Addr     string
}

type AddPeerResponse struct {
}

type ForceReannounceRequest struct {
	InfoHash string
}

type ForceReannounceResponse struct {
}

// DownloadQueueEntry has one character per block of the piece:
// '-' missing, '=' requested, '#' received.
type DownloadQueueEntry struct {
	PieceIndex uint32
	Blocks     string
}

type GetDownloadQueueRequest struct {
	InfoHash string
}

type GetDownloadQueueResponse struct {
	Queue []DownloadQueueEntry
}

type EngineStats struct {
	Uptime        int
	Torrents      int
	Peers         int
	WritesActive  int
	WriteTimeMean string
	BytesWasted   int64
	SpeedDownload int
	SpeedUpload   int
}

type GetEngineStatsRequest struct {
}

type GetEngineStatsResponse struct {
	Stats EngineStats
}
