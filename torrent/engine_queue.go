package torrent

import "sync/atomic"

func (e *Engine) notifyQueue() {
	select {
	case e.queueC <- struct{}{}:
	default:
	}
}

// manageQueue starts waiting auto managed torrents while there are less than Config.MaxActiveTorrents active ones.
func (e *Engine) manageQueue() {
	defer e.wg.Done()
	for {
		select {
		case <-e.queueC:
			e.startQueued()
		case <-e.closeC:
			return
		}
	}
}

func (e *Engine) startQueued() {
	torrents := e.ListTorrents()
	var active int
	for _, t := range torrents {
		if atomic.LoadInt32(&t.queueState) == queueActive {
			active++
		}
	}
	for _, t := range torrents {
		if e.config.MaxActiveTorrents > 0 && active >= e.config.MaxActiveTorrents {
			return
		}
		if atomic.CompareAndSwapInt32(&t.queueState, queueWaiting, queueActive) {
			active++
			t.notifyStart()
		}
	}
}
