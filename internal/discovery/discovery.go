// Package discovery implements Conveyor's zero-configuration presence
// mechanism. The coordinator periodically broadcasts an announcement
// (coordinator id + base address) as a UDP datagram on a well-known
// discovery address; executors and clients run a Listener that caches the
// announced endpoints and prunes them after an inactivity window.
//
// This is the only hard dependency discovery creates: when no announcement
// arrives within a bounded wait, WaitForCoordinator fails with
// ErrNoCoordinator and dependent operations surface a coordinator
// unavailable condition. Discovery itself never retries on behalf of the
// caller.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dreamware/conveyor/internal/cluster"
)

var log = logging.Logger("conveyor/discovery")

// ErrNoCoordinator is returned when no coordinator announced itself within
// the bounded wait window.
var ErrNoCoordinator = errors.New("no coordinator discovered")

// DefaultAnnounceInterval is how often the coordinator re-broadcasts its
// presence.
const DefaultAnnounceInterval = 2 * time.Second

// DefaultPruneAfter is how long a cached endpoint survives without a fresh
// announcement before the listener drops it.
const DefaultPruneAfter = 10 * time.Second

// Announcer periodically broadcasts the coordinator's presence on the
// discovery address. Start/Stop are its only lifecycle operations.
type Announcer struct {
	coordinatorID string
	address       string // the coordinator base address being announced
	target        string // discovery UDP address datagrams are sent to
	interval      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAnnouncer builds an announcer for the given coordinator identity.
// target is the discovery UDP address (host:port); interval <= 0 selects
// the default.
func NewAnnouncer(coordinatorID, address, target string, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	return &Announcer{
		coordinatorID: coordinatorID,
		address:       address,
		target:        target,
		interval:      interval,
	}
}

// Start begins broadcasting. The first announcement goes out immediately so
// waiting listeners do not have to sit through a full interval.
func (a *Announcer) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return nil // already running
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.run(ctx)
	return nil
}

func (a *Announcer) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.announce()
	for {
		select {
		case <-ticker.C:
			a.announce()
		case <-ctx.Done():
			return
		}
	}
}

func (a *Announcer) announce() {
	data, err := json.Marshal(cluster.Announcement{
		CoordinatorID: a.coordinatorID,
		Address:       a.address,
	})
	if err != nil {
		log.Errorw("marshal announcement", "err", err)
		return
	}

	conn, err := net.Dial("udp", a.target)
	if err != nil {
		log.Debugw("discovery send failed", "target", a.target, "err", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		log.Debugw("discovery write failed", "target", a.target, "err", err)
	}
}

// Stop halts broadcasting and waits for the announce loop to exit.
func (a *Announcer) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

type endpoint struct {
	address  string
	lastSeen time.Time
}

// Listener receives coordinator announcements on the discovery address and
// maintains a cache of known coordinator endpoints keyed by id, pruned
// after an inactivity window with no fresh announcement.
type Listener struct {
	discoveryAddr string
	pruneAfter    time.Duration

	mu        sync.Mutex
	endpoints map[string]endpoint
	announced chan struct{} // closed and replaced on every announcement

	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener builds a listener bound to the discovery UDP address.
// pruneAfter <= 0 selects the default inactivity window.
func NewListener(discoveryAddr string, pruneAfter time.Duration) *Listener {
	if pruneAfter <= 0 {
		pruneAfter = DefaultPruneAfter
	}
	return &Listener{
		discoveryAddr: discoveryAddr,
		pruneAfter:    pruneAfter,
		endpoints:     make(map[string]endpoint),
		announced:     make(chan struct{}),
	}
}

// Start binds the discovery socket and begins caching announcements.
func (l *Listener) Start() error {
	addr, err := net.ResolveUDPAddr("udp", l.discoveryAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.recvLoop(ctx)
	go l.pruneLoop(ctx)

	log.Infow("discovery listener started", "addr", l.discoveryAddr)
	return nil
}

func (l *Listener) recvLoop(ctx context.Context) {
	defer close(l.done)

	buf := make([]byte, 64<<10)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // closed during Stop
			}
			log.Debugw("discovery read failed", "err", err)
			continue
		}

		var ann cluster.Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			log.Debugw("discarding malformed announcement", "err", err)
			continue
		}
		if ann.CoordinatorID == "" || ann.Address == "" {
			continue
		}

		l.mu.Lock()
		_, known := l.endpoints[ann.CoordinatorID]
		l.endpoints[ann.CoordinatorID] = endpoint{address: ann.Address, lastSeen: time.Now()}
		close(l.announced)
		l.announced = make(chan struct{})
		l.mu.Unlock()

		if !known {
			log.Infow("discovered coordinator", "id", ann.CoordinatorID, "addr", ann.Address)
		}
	}
}

func (l *Listener) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(l.pruneAfter / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for id, ep := range l.endpoints {
				if now.Sub(ep.lastSeen) > l.pruneAfter {
					delete(l.endpoints, id)
					log.Infow("pruned stale coordinator", "id", id)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Coordinators returns the currently known coordinator base addresses.
func (l *Listener) Coordinators() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.endpoints))
	for _, ep := range l.endpoints {
		out = append(out, ep.address)
	}
	return out
}

// WaitForCoordinator blocks until a coordinator endpoint is known and
// returns its base address, or fails with ErrNoCoordinator when the context
// expires first. Endpoints pruned for inactivity do not count; the wait
// continues for a fresh announcement.
func (l *Listener) WaitForCoordinator(ctx context.Context) (string, error) {
	for {
		l.mu.Lock()
		var addr string
		for _, ep := range l.endpoints {
			addr = ep.address
			break
		}
		announced := l.announced
		l.mu.Unlock()

		if addr != "" {
			return addr, nil
		}

		select {
		case <-announced:
		case <-ctx.Done():
			return "", ErrNoCoordinator
		}
	}
}

// Stop closes the discovery socket and halts the cache maintenance.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		_ = l.conn.Close()
	}
	if l.done != nil {
		<-l.done
	}
}
