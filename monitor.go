package studiosync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NetworkSignal is a passive source of OS-level connectivity changes.
type NetworkSignal interface {
	// Online reports whether any usable network is up.
	Online() bool

	// Watch registers fn for connectivity changes and returns a function
	// that removes it.
	Watch(fn func(online bool)) (unregister func())
}

// Monitor tracks whether the remote store is reachable and drives the
// queue drain and the realtime feed from its transitions.
type Monitor struct {
	syncer   *Syncer
	signal   NetworkSignal
	queue    *Queue
	feed     *Feed
	bus      *Bus
	interval time.Duration
	log      zerolog.Logger

	mu             sync.RWMutex
	online         bool
	dependencyDown bool
	lastProbe      time.Time

	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	unregister func()
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	drains     sync.WaitGroup
}

// NewMonitor creates a stopped monitor. signal may be nil, in which case
// only the active probe decides.
func NewMonitor(syncer *Syncer, signal NetworkSignal, queue *Queue, feed *Feed, bus *Bus, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		syncer:   syncer,
		signal:   signal,
		queue:    queue,
		feed:     feed,
		bus:      bus,
		interval: interval,
		log:      log.With().Str("component", "monitor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start registers the passive signal handler, probes once and starts the
// probe loop. Start on a running or closed monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Unlock()

	select {
	case <-m.stop:
		close(m.done)
		return
	default:
	}

	if m.signal != nil {
		m.unregister = m.signal.Watch(m.onSignal)
	}

	m.probe(m.ctx)
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.probe(m.ctx)
			if m.Online() && m.queue.Len() > 0 {
				m.startDrain()
			}
		}
	}
}

func (m *Monitor) onSignal(up bool) {
	select {
	case <-m.stop:
		return
	default:
	}
	m.log.Debug().Bool("network_up", up).Msg("network signal")
	if !up {
		m.setStatus(false, false)
		return
	}
	go m.probe(m.context())
}

// ProbeNow runs a probe immediately and returns the resulting status.
func (m *Monitor) ProbeNow(ctx context.Context) ConnectivityStatus {
	m.probe(ctx)
	return m.Status()
}

// probe decides online or offline. A passive offline signal wins without a
// round trip; otherwise the remote store must answer a ping.
func (m *Monitor) probe(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	m.lastProbe = time.Now()
	m.mu.Unlock()

	if m.signal != nil && !m.signal.Online() {
		m.setStatus(false, false)
		return
	}
	if !m.syncer.HasRemote() {
		m.setStatus(false, false)
		return
	}

	err := m.syncer.Ping(ctx)
	if err == nil {
		m.setStatus(true, false)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	m.log.Debug().Err(err).Msg("ping failed")
	m.setStatus(false, true)
}

func (m *Monitor) setStatus(online, dependencyDown bool) {
	m.mu.Lock()
	wasOnline, wasDown := m.online, m.dependencyDown
	m.online, m.dependencyDown = online, dependencyDown
	m.mu.Unlock()

	if online != wasOnline || dependencyDown != wasDown {
		m.log.Info().Bool("online", online).Bool("dependency_down", dependencyDown).Msg("connectivity changed")
		m.bus.Publish(Event{Tag: EventStatusChange, Detail: statusDetail(online, dependencyDown)})
	}
	if dependencyDown && !wasDown {
		m.bus.Publish(Event{Tag: EventDependencyDown, Detail: "network up, remote store unreachable"})
	}

	switch {
	case online && !wasOnline:
		m.startDrain()
		if m.feed != nil {
			if err := m.feed.Connect(m.context()); err != nil {
				m.log.Debug().Err(err).Msg("feed connect")
			}
		}
	case !online && wasOnline:
		if m.feed != nil {
			m.feed.Disconnect()
		}
	}
}

// startDrain runs a drain pass in the background. The queue itself
// rejects overlapping passes.
func (m *Monitor) startDrain() {
	if m.queue.Draining() {
		return
	}
	m.drains.Add(1)
	go func() {
		defer m.drains.Done()
		res, err := m.queue.Drain(m.context())
		if err != nil {
			m.log.Warn().Err(err).Msg("drain")
			return
		}
		if res.Attempted > 0 {
			m.log.Info().Int("succeeded", res.Succeeded).Int("failed", res.Failed).
				Int("deferred", res.Deferred).Int("terminal", len(res.Terminal)).Msg("drain finished")
		}
	}()
}

func (m *Monitor) context() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// Online reports the last probe decision.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status returns the diagnostic connectivity status.
func (m *Monitor) Status() ConnectivityStatus {
	m.mu.RLock()
	st := ConnectivityStatus{
		IsOnline:       m.online,
		DependencyDown: m.dependencyDown,
		LastProbe:      m.lastProbe,
	}
	m.mu.RUnlock()

	st.QueueLength = m.queue.Len()
	st.Draining = m.queue.Draining()
	st.Feed = FeedDisconnected
	if m.feed != nil {
		st.Feed = m.feed.State()
	}
	return st
}

// Close stops the probe loop, removes the signal handler, cancels
// in-flight drains and waits for them to return. Calling Close more than
// once is safe.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)

		m.mu.Lock()
		started := m.started
		m.started = true
		m.mu.Unlock()

		if started {
			<-m.done
		}
		if m.unregister != nil {
			m.unregister()
		}
		if m.feed != nil {
			m.feed.Disconnect()
		}
		if m.cancel != nil {
			m.cancel()
		}
		m.drains.Wait()
	})
}

func statusDetail(online, dependencyDown bool) string {
	switch {
	case online:
		return "online"
	case dependencyDown:
		return "dependency_down"
	default:
		return "offline"
	}
}
