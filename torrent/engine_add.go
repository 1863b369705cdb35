package torrent

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v3"
	"github.com/kestrelbt/kestrel/internal/addrlist"
	"github.com/kestrelbt/kestrel/internal/magnet"
	"github.com/kestrelbt/kestrel/internal/metainfo"
	"github.com/kestrelbt/kestrel/internal/resume"
	"github.com/kestrelbt/kestrel/internal/storage"
	"github.com/mitchellh/go-homedir"
)

var errTorrentTooLarge = errors.New("torrent file is too large")

// AddTorrent adds a torrent from a magnet link, an HTTP(S) URL of a torrent file or a path of a torrent file.
// Files are saved under savePath, or under opt.SavePath or Config.DataDir if savePath is empty.
// If the torrent is already in the engine, the existing torrent is returned unless opt.DuplicateIsError is set.
func (e *Engine) AddTorrent(descriptor, savePath string, opt *AddOptions) (*Torrent, error) {
	var o AddOptions
	if opt != nil {
		o = *opt
	}
	if savePath != "" {
		o.SavePath = savePath
	}
	if o.SavePath == "" {
		o.SavePath = e.config.DataDir
	}
	var err error
	o.SavePath, err = homedir.Expand(o.SavePath)
	if err != nil {
		return nil, err
	}
	spec, err := e.parseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	t, added, err := e.insertTorrent(spec, &o)
	if err != nil || !added {
		return t, err
	}
	// Remember the torrent even if the engine is not closed properly.
	if err = t.SaveResume(); err != nil {
		t.log.Errorln("cannot write resume record:", err)
	}
	return t, nil
}

func (e *Engine) parseDescriptor(descriptor string) (*torrentSpec, error) {
	switch {
	case strings.HasPrefix(descriptor, "magnet:"):
		return parseMagnet(descriptor)
	case strings.HasPrefix(descriptor, "http://"), strings.HasPrefix(descriptor, "https://"):
		b, err := e.fetchTorrent(descriptor)
		if err != nil {
			return nil, &InvalidTorrentError{Descriptor: descriptor, Err: err}
		}
		return parseMetaInfo(descriptor, bytes.NewReader(b))
	default:
		path, err := homedir.Expand(descriptor)
		if err != nil {
			return nil, &InvalidTorrentError{Descriptor: descriptor, Err: err}
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, &InvalidTorrentError{Descriptor: descriptor, Err: err}
		}
		defer f.Close()
		return parseMetaInfo(descriptor, io.LimitReader(f, e.config.MaxTorrentSize))
	}
}

func parseMetaInfo(descriptor string, r io.Reader) (*torrentSpec, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, &InvalidTorrentError{Descriptor: descriptor, Err: err}
	}
	spec := &torrentSpec{
		infoHash: mi.Info.Hash,
		name:     mi.Info.Name,
		info:     mi.Info,
	}
	for _, tier := range mi.AnnounceList {
		spec.trackers = append(spec.trackers, tier...)
	}
	return spec, nil
}

func parseMagnet(link string) (*torrentSpec, error) {
	ma, err := magnet.Parse(link)
	if err != nil {
		return nil, &InvalidTorrentError{Descriptor: link, Err: err}
	}
	spec := &torrentSpec{
		infoHash:   ma.InfoHash,
		name:       ma.Name,
		peerSource: addrlist.Magnet,
	}
	for _, tier := range ma.Trackers {
		spec.trackers = append(spec.trackers, tier...)
	}
	spec.peers = resolvePeers(ma.Peers)
	return spec, nil
}

// resolvePeers parses host:port strings. Invalid addresses are skipped.
func resolvePeers(hostports []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, s := range hostports {
		addr, err := net.ResolveTCPAddr("tcp", s)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// fetchTorrent downloads a torrent file. Server errors and network errors are retried with backoff.
func (e *Engine) fetchTorrent(u string) ([]byte, error) {
	var b []byte
	operation := func() error {
		resp, err := e.httpClient.Get(u)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("unexpected status: %s", resp.Status)
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if resp.ContentLength > e.config.MaxTorrentSize {
			return backoff.Permanent(errTorrentTooLarge)
		}
		b, err = io.ReadAll(io.LimitReader(resp.Body, e.config.MaxTorrentSize+1))
		if err != nil {
			return err
		}
		if int64(len(b)) > e.config.MaxTorrentSize {
			return backoff.Permanent(errTorrentTooLarge)
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.config.HTTPRetries)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return b, nil
}

// insertTorrent creates and starts the torrent unless a torrent with the same info hash exists.
func (e *Engine) insertTorrent(spec *torrentSpec, opt *AddOptions) (*Torrent, bool, error) {
	e.mTorrents.Lock()
	defer e.mTorrents.Unlock()
	select {
	case <-e.closeC:
		return nil, false, errClosed
	default:
	}
	if t, ok := e.torrents[spec.infoHash]; ok {
		if opt.DuplicateIsError {
			return nil, false, &DuplicateTorrentError{InfoHash: spec.infoHash}
		}
		return t, false, nil
	}
	t := newTorrent(e, spec, opt)
	e.torrents[spec.infoHash] = t
	e.order = append(e.order, t)
	go t.run()
	t.log.Infof("torrent is added: %s", t.name)
	return t, true, nil
}

// loadExistingTorrents adds the torrents in the resume store. Invalid records are logged and skipped.
func (e *Engine) loadExistingTorrents() error {
	records, err := e.resume.List()
	if err != nil {
		return err
	}
	var loaded int
	for _, rec := range records {
		ih := hex.EncodeToString(rec.InfoHash[:])
		spec, opt, err := specFromRecord(rec)
		if err != nil {
			e.log.Errorf("cannot load torrent %s: %s", ih, err)
			continue
		}
		if _, _, err = e.insertTorrent(spec, opt); err != nil {
			return err
		}
		loaded++
	}
	e.log.Infof("loaded %d existing torrents", loaded)
	return nil
}

func specFromRecord(rec *resume.Record) (*torrentSpec, *AddOptions, error) {
	spec := &torrentSpec{
		infoHash:   rec.InfoHash,
		name:       rec.Name,
		trackers:   rec.Trackers,
		peers:      resolvePeers(rec.Peers),
		peerSource: addrlist.Resume,
		record:     rec,
	}
	if len(rec.Info) > 0 {
		info, err := metainfo.NewInfo(rec.Info)
		if err != nil {
			return nil, nil, err
		}
		if info.Hash != rec.InfoHash {
			return nil, nil, errors.New("info hash does not match info dictionary")
		}
		spec.info = info
	}
	opt := &AddOptions{
		SavePath:    rec.SavePath,
		AutoManaged: rec.AutoManaged,
		Paused:      rec.Paused,
	}
	if rec.AllocationMode != "" {
		mode, err := storage.ParseAllocationMode(rec.AllocationMode)
		if err != nil {
			return nil, nil, err
		}
		opt.AllocationMode = mode
	}
	return spec, opt, nil
}
