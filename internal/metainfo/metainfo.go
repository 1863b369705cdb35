// Package metainfo supports reading and writing torrent files.
package metainfo

import (
	"errors"
	"io"
	"net/url"

	"github.com/zeebo/bencode"
)

// ErrNoInfo is returned when the torrent file has no info dictionary.
var ErrNoInfo = errors.New("no info dict in torrent file")

// MetaInfo is a parsed torrent file.
type MetaInfo struct {
	Info *Info
	// Tracker tiers. Unsupported tracker URLs are left out.
	AnnounceList [][]string
}

// Keys are in order for encoding.
type torrentFile struct {
	Announce     bencode.RawMessage `bencode:"announce,omitempty"`
	AnnounceList bencode.RawMessage `bencode:"announce-list,omitempty"`
	Info         bencode.RawMessage `bencode:"info"`
}

// New reads a bencoded torrent file from r.
// Malformed tracker fields are ignored since the torrent can still get peers from other sources.
func New(r io.Reader) (*MetaInfo, error) {
	var f torrentFile
	if err := bencode.NewDecoder(r).Decode(&f); err != nil {
		return nil, err
	}
	if len(f.Info) == 0 {
		return nil, ErrNoInfo
	}
	info, err := NewInfo(f.Info)
	if err != nil {
		return nil, err
	}
	return &MetaInfo{Info: info, AnnounceList: f.tiers()}, nil
}

// tiers prefers announce-list over announce.
func (f *torrentFile) tiers() [][]string {
	var list [][]string
	if len(f.AnnounceList) > 0 {
		if bencode.DecodeBytes(f.AnnounceList, &list) != nil {
			return nil
		}
	} else if len(f.Announce) > 0 {
		var s string
		if bencode.DecodeBytes(f.Announce, &s) != nil {
			return nil
		}
		list = [][]string{{s}}
	}
	var tiers [][]string
	for _, tier := range list {
		var urls []string
		for _, s := range tier {
			if supportedTracker(s) {
				urls = append(urls, s)
			}
		}
		if len(urls) > 0 {
			tiers = append(tiers, urls)
		}
	}
	return tiers
}

func supportedTracker(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u.Host != ""
	}
	return false
}

// NewBytes creates a torrent file from a bencoded info dictionary and tracker tiers.
func NewBytes(info []byte, trackers [][]string) ([]byte, error) {
	f := torrentFile{Info: info}
	var err error
	switch {
	case len(trackers) == 1 && len(trackers[0]) == 1:
		f.Announce, err = bencode.EncodeBytes(trackers[0][0])
	case len(trackers) > 0:
		f.AnnounceList, err = bencode.EncodeBytes(trackers)
	}
	if err != nil {
		return nil, err
	}
	return bencode.EncodeBytes(f)
}
