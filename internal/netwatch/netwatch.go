// Package netwatch reports OS-level network availability by polling the
// host's network interfaces.
package netwatch

import (
	"net"
	"sync"
	"time"
)

// DefaultInterval is how often interfaces are polled.
const DefaultInterval = 2 * time.Second

// InterfaceLister returns the host's interfaces. Replaced in tests.
type InterfaceLister func() ([]net.Interface, error)

// Watcher polls network interfaces and notifies watchers when the host
// goes from no usable interface to at least one, or back.
type Watcher struct {
	interval time.Duration
	list     InterfaceLister

	mu       sync.Mutex
	online   bool
	known    bool
	next     int
	watchers map[int]func(bool)
	stop     chan struct{}
}

// New creates a watcher polling every interval. Polling starts with the
// first Watch call and stops when the last watcher unregisters.
func New(interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Watcher{
		interval: interval,
		list:     net.Interfaces,
		watchers: make(map[int]func(bool)),
	}
}

// WithLister replaces the interface source.
func (w *Watcher) WithLister(l InterfaceLister) *Watcher {
	w.list = l
	return w
}

// Online reports whether a non-loopback interface is up.
func (w *Watcher) Online() bool {
	w.mu.Lock()
	if w.known && w.stop != nil {
		defer w.mu.Unlock()
		return w.online
	}
	w.mu.Unlock()
	return w.check()
}

// Watch registers fn for availability changes.
func (w *Watcher) Watch(fn func(online bool)) (unregister func()) {
	w.mu.Lock()
	id := w.next
	w.next++
	w.watchers[id] = fn
	if w.stop == nil {
		w.stop = make(chan struct{})
		w.online = w.check()
		w.known = true
		go w.poll(w.stop)
	}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { w.remove(id) })
	}
}

func (w *Watcher) remove(id int) {
	w.mu.Lock()
	delete(w.watchers, id)
	if len(w.watchers) > 0 || w.stop == nil {
		w.mu.Unlock()
		return
	}
	stop := w.stop
	w.stop = nil
	w.known = false
	w.mu.Unlock()

	close(stop)
}

func (w *Watcher) poll(stop chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			up := w.check()

			w.mu.Lock()
			if w.stop != stop {
				w.mu.Unlock()
				return
			}
			changed := up != w.online
			w.online = up
			var fns []func(bool)
			if changed {
				for _, fn := range w.watchers {
					fns = append(fns, fn)
				}
			}
			w.mu.Unlock()

			for _, fn := range fns {
				fn(up)
			}
		}
	}
}

func (w *Watcher) check() bool {
	ifaces, err := w.list()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		return true
	}
	return false
}
