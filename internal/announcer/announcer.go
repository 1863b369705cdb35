// Package announcer announces a torrent to a tracker periodically.
package announcer

import (
	"context"
	"errors"
	"math"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/cenkalti/backoff/v3"
	"github.com/kestrelbt/kestrel/internal/logger"
	"github.com/kestrelbt/kestrel/internal/tracker"
)

// Status of the announcer.
type Status int

// Announcer statuses.
const (
	NotContactedYet Status = iota
	Contacting
	Working
	NotWorking
)

func (s Status) String() string {
	switch s {
	case NotContactedYet:
		return "not contacted yet"
	case Contacting:
		return "contacting"
	case Working:
		return "working"
	case NotWorking:
		return "not working"
	default:
		return "unknown"
	}
}

// Time allowed for the stopped event when closing.
const stopTimeout = 5 * time.Second

// Config of Announcer.
type Config struct {
	NumWant     int
	MinInterval time.Duration
	// Used until the tracker returns an interval.
	DefaultInterval time.Duration
}

// Stats is a snapshot of the announcer state.
type Stats struct {
	Status   Status
	Error    error
	Seeders  int
	Leechers int
	// Zero while a request is in flight.
	NextAnnounce time.Time
	URL          string
}

// Announcer announces to a single tracker from Run until Close is called.
// Peers returned by the tracker are sent to the channel given to New.
type Announcer struct {
	trk        tracker.Tracker
	cfg        Config
	clk        clock.Clock
	log        logger.Logger
	torrent    func() tracker.Torrent
	completedC chan struct{}
	peersC     chan<- []*net.TCPAddr
	retry      *backoff.ExponentialBackOff
	forceC     chan struct{}
	closeC     chan struct{}
	doneC      chan struct{}

	mu        sync.Mutex
	stats     Stats
	announced bool
}

type result struct {
	resp *tracker.AnnounceResponse
	err  error
}

// New returns an announcer. Run must be called to start announcing.
// completedC is closed by the caller when the torrent finishes downloading.
func New(trk tracker.Tracker, cfg Config, torrent func() tracker.Torrent, completedC chan struct{}, peersC chan<- []*net.TCPAddr, clk clock.Clock, l logger.Logger) *Announcer {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = 30 * time.Minute
	}
	retry := &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Second,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         30 * time.Minute,
		Clock:               clk,
	}
	retry.Reset()
	return &Announcer{
		trk:        trk,
		cfg:        cfg,
		clk:        clk,
		log:        l,
		torrent:    torrent,
		completedC: completedC,
		peersC:     peersC,
		retry:      retry,
		forceC:     make(chan struct{}, 1),
		closeC:     make(chan struct{}),
		doneC:      make(chan struct{}),
		stats:      Stats{URL: trk.URL()},
	}
}

// Close stops Run. A stopped event is sent if the tracker has answered before.
func (a *Announcer) Close() {
	close(a.closeC)
	<-a.doneC
}

// Stats returns the current state of the announcer. It does not block on Run.
func (a *Announcer) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Announced reports whether the tracker has answered at least once.
func (a *Announcer) Announced() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.announced
}

// ForceAnnounce asks for an announce before the interval expires.
// It is ignored while a request is in flight or before the minimum interval passes.
func (a *Announcer) ForceAnnounce() {
	select {
	case a.forceC <- struct{}{}:
	default:
	}
}

func (a *Announcer) update(f func(s *Stats)) {
	a.mu.Lock()
	f(&a.stats)
	a.mu.Unlock()
}

// Run announces until Close is called.
func (a *Announcer) Run() {
	defer close(a.doneC)

	// A torrent that is already complete does not send the completed event.
	completedC := a.completedC
	select {
	case <-completedC:
		completedC = nil
	default:
	}

	timer := a.clk.Timer(math.MaxInt64)
	defer timer.Stop()

	interval := a.cfg.DefaultInterval
	minInterval := a.cfg.MinInterval
	var lastAnnounce time.Time

	// resultC is non-nil while a request is in flight.
	var resultC chan result
	var cancel context.CancelFunc
	begin := func(e tracker.Event, numWant int) {
		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		c := make(chan result, 1)
		resultC = c
		a.update(func(s *Stats) {
			s.Status = Contacting
			s.NextAnnounce = time.Time{}
		})
		req := tracker.AnnounceRequest{Torrent: a.torrent(), Event: e, NumWant: numWant}
		go func() {
			resp, err := a.trk.Announce(ctx, req)
			c <- result{resp, err}
		}()
	}
	abort := func() {
		if cancel != nil {
			cancel()
		}
		resultC, cancel = nil, nil
	}
	defer abort()
	schedule := func(d time.Duration) {
		timer.Reset(d)
		next := a.clk.Now().Add(d)
		a.update(func(s *Stats) { s.NextAnnounce = next })
	}

	begin(tracker.EventStarted, a.cfg.NumWant)
	for {
		select {
		case <-timer.C:
			if resultC == nil {
				begin(tracker.EventNone, a.cfg.NumWant)
			}
		case <-a.forceC:
			if resultC != nil {
				break
			}
			if !lastAnnounce.IsZero() && a.clk.Now().Sub(lastAnnounce) < minInterval {
				a.log.Debugln("not announcing before min interval")
				break
			}
			timer.Stop()
			begin(tracker.EventNone, a.cfg.NumWant)
		case r := <-resultC:
			abort()
			lastAnnounce = a.clk.Now()
			if r.err != nil {
				a.log.Debugln("announce error:", r.err)
				a.update(func(s *Stats) {
					s.Status = NotWorking
					s.Error = r.err
				})
				var terr *tracker.Error
				if errors.As(r.err, &terr) && terr.RetryIn > 0 {
					schedule(terr.RetryIn)
				} else {
					schedule(a.retry.NextBackOff())
				}
				break
			}
			a.retry.Reset()
			if r.resp.Interval > 0 {
				interval = r.resp.Interval
			}
			if r.resp.MinInterval > 0 {
				minInterval = r.resp.MinInterval
			}
			a.mu.Lock()
			a.announced = true
			a.stats.Status = Working
			a.stats.Error = nil
			a.stats.Seeders = int(r.resp.Seeders)
			a.stats.Leechers = int(r.resp.Leechers)
			a.mu.Unlock()
			schedule(interval)
			if len(r.resp.Peers) == 0 {
				break
			}
			select {
			case a.peersC <- r.resp.Peers:
			case <-a.closeC:
				a.sendStopped()
				return
			}
		case <-completedC:
			completedC = nil
			abort()
			begin(tracker.EventCompleted, 0)
		case <-a.closeC:
			abort()
			a.sendStopped()
			return
		}
	}
}

func (a *Announcer) sendStopped() {
	if !a.Announced() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	req := tracker.AnnounceRequest{Torrent: a.torrent(), Event: tracker.EventStopped}
	if _, err := a.trk.Announce(ctx, req); err != nil {
		a.log.Debugln("cannot announce stopped event:", err)
	}
}
