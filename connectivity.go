package growlog

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Connectivity State
// ============================================================================

// ConnectivityState is the monitor's view of the network.
type ConnectivityState string

const (
	Online  ConnectivityState = "online"
	Offline ConnectivityState = "offline"
)

// InterfaceClass groups network interface kinds for the online/offline
// policy decision.
type InterfaceClass string

const (
	ClassWifi      InterfaceClass = "wifi"
	ClassCellular  InterfaceClass = "cellular"
	ClassEthernet  InterfaceClass = "ethernet"
	ClassBluetooth InterfaceClass = "bluetooth"
	ClassVPN       InterfaceClass = "vpn"
	ClassOther     InterfaceClass = "other"
	ClassNone      InterfaceClass = "none"
)

// classOnline is the policy: which interface classes count as usable. This
// mirrors the platform behavior being replaced, not a technical constraint.
func classOnline(class InterfaceClass) bool {
	switch class {
	case ClassWifi, ClassCellular, ClassEthernet:
		return true
	}
	return false
}

// Prober reports the best available interface class. Injected so tests (and
// alternate platforms) never touch the real network stack.
type Prober interface {
	Probe() (InterfaceClass, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func() (InterfaceClass, error)

func (f ProberFunc) Probe() (InterfaceClass, error) { return f() }

// interfaceProber is the default Prober: it enumerates system interfaces and
// classifies them by name prefix.
type interfaceProber struct{}

func (interfaceProber) Probe() (InterfaceClass, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ClassNone, err
	}
	best := ClassNone
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		class := classifyInterfaceName(iface.Name)
		if classOnline(class) {
			return class, nil
		}
		if best == ClassNone {
			best = class
		}
	}
	return best, nil
}

func classifyInterfaceName(name string) InterfaceClass {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "wl"), strings.HasPrefix(lower, "wifi"), strings.HasPrefix(lower, "en"):
		return ClassWifi
	case strings.HasPrefix(lower, "eth"), strings.HasPrefix(lower, "em"):
		return ClassEthernet
	case strings.HasPrefix(lower, "rmnet"), strings.HasPrefix(lower, "wwan"), strings.HasPrefix(lower, "ccmni"):
		return ClassCellular
	case strings.HasPrefix(lower, "bt"), strings.HasPrefix(lower, "bnep"):
		return ClassBluetooth
	case strings.HasPrefix(lower, "tun"), strings.HasPrefix(lower, "tap"), strings.HasPrefix(lower, "utun"), strings.HasPrefix(lower, "wg"):
		return ClassVPN
	}
	return ClassOther
}

// ============================================================================
// Monitor
// ============================================================================

// TransitionListener receives connectivity transitions.
type TransitionListener func(from, to ConnectivityState)

// Monitor tracks online/offline transitions. Listeners are notified on every
// transition; the drain callback fires exactly once per Offline→Online
// transition regardless of listener count.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      logrus.FieldLogger

	mu        sync.Mutex
	state     ConnectivityState
	listeners []TransitionListener
	onOnline  func()
	cancel    context.CancelFunc
}

// NewMonitor creates a monitor polling prober at the given interval. A nil
// prober uses system interface enumeration.
func NewMonitor(prober Prober, interval time.Duration, log logrus.FieldLogger) *Monitor {
	if prober == nil {
		prober = interfaceProber{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = discardLogger()
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		log:      log,
		state:    Offline,
	}
}

// CurrentState returns the last observed state.
func (m *Monitor) CurrentState() ConnectivityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a transition listener.
func (m *Monitor) Subscribe(l TransitionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnOnline registers the callback fired once per Offline→Online transition.
// The dispatcher uses this as the queue drain trigger.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = fn
}

// Start probes immediately and then polls until ctx is cancelled or Stop is
// called. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.Refresh()
	go m.pollLoop(ctx)
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh()
		}
	}
}

// Refresh probes once and applies the result. A probe failure counts as
// Offline (fail-safe).
func (m *Monitor) Refresh() ConnectivityState {
	class, err := m.prober.Probe()
	if err != nil {
		m.log.WithError(err).Warn("connectivity probe failed, assuming offline")
		m.SetState(Offline)
		return Offline
	}
	state := Offline
	if classOnline(class) {
		state = Online
	}
	m.SetState(state)
	return state
}

// SetState applies a state observation, emitting transition events when it
// differs from the current state. Tests use this to inject synthetic
// connectivity events.
func (m *Monitor) SetState(state ConnectivityState) {
	m.mu.Lock()
	prev := m.state
	if prev == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	listeners := append([]TransitionListener(nil), m.listeners...)
	onOnline := m.onOnline
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"from": prev, "to": state}).Debug("connectivity transition")

	for _, l := range listeners {
		l(prev, state)
	}
	if prev == Offline && state == Online && onOnline != nil {
		onOnline()
	}
}
