package nomagic

import (
	"net"
	"sync"
	"sync/atomic"
)

// idleConnList tracks accepted connections that have not yet started an
// exchange, so Server.Shutdown can close the ones sitting idle instead of
// waiting out their full idle timeout.
type idleConnList struct {
	mtx       sync.Mutex
	firstItem *idleConnListItem
	lastItem  *idleConnListItem
}

type idleConnListItem struct {
	nextItem *idleConnListItem
	prevItem *idleConnListItem
	c        net.Conn
	reader   *ByteSource
	connTime atomic.Int64
}

func (l *idleConnList) insertBack(item *idleConnListItem) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	if l.lastItem == nil {
		l.firstItem = item
		l.lastItem = item
	} else {
		l.lastItem.nextItem = item
		item.prevItem = l.lastItem
		l.lastItem = item
	}
}

func (l *idleConnList) remove(item *idleConnListItem) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	l.removeNoLock(item)
}

func (l *idleConnList) removeNoLock(item *idleConnListItem) {
	if item.prevItem != nil {
		item.prevItem.nextItem = item.nextItem
	} else {
		l.firstItem = item.nextItem
	}
	if item.nextItem != nil {
		item.nextItem.prevItem = item.prevItem
	} else {
		l.lastItem = item.prevItem
	}
	item.prevItem = nil
	item.nextItem = nil
}

// forEach visits every tracked item under the list lock. f must not call
// back into insertBack/remove on the same list.
func (l *idleConnList) forEach(f func(item *idleConnListItem)) {
	var nextItem *idleConnListItem

	l.mtx.Lock()
	defer l.mtx.Unlock()

	for item := l.firstItem; item != nil; item = nextItem {
		nextItem = item.nextItem
		f(item)
	}
}

// closeIdle closes (and removes) every tracked connection whose reader has
// not yet delivered a single byte of its current exchange — the connections
// that are genuinely idle, as opposed to mid-request.
func (l *idleConnList) closeIdle() {
	var stale []*idleConnListItem

	l.mtx.Lock()
	for item := l.firstItem; item != nil; item = item.nextItem {
		if item.reader == nil || item.reader.HasNotStarted() {
			stale = append(stale, item)
		}
	}
	for _, item := range stale {
		l.removeNoLock(item)
	}
	l.mtx.Unlock()

	for _, item := range stale {
		_ = item.c.Close()
	}
}
