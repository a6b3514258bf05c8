// Package resilience keeps scans alive on an unreliable workstation.
// A single monitor goroutine probes connectivity, battery and thermal
// state on a fixed tick, freezes the scan queue when the host cannot
// sustain scanning, and thaws it once conditions clear.
package resilience

import (
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mzaki/scanward/internal/config"
	"github.com/mzaki/scanward/internal/models"
)

// Pauser is the queue-freeze capability the monitor drives
type Pauser interface {
	PauseAll(reason string)
	ResumeAll()
}

// StateStore persists the per-tick health snapshot
type StateStore interface {
	UpsertSystemState(state *models.SystemState) error
}

// ModelReporter names the currently loaded triage model, if any
type ModelReporter interface {
	LoadedModel() string
}

// Dialer is the probe transport; net.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

const (
	defaultProbeInterval = 10 * time.Second
	defaultOfflineAfter  = 30 * time.Second
	defaultResumeDelay   = 10 * time.Second
	probeDialTimeout     = 3 * time.Second

	batterySysfsDir = "/sys/class/power_supply"
)

var defaultProbeHosts = []string{"1.1.1.1", "8.8.8.8", "9.9.9.9"}

// Monitor owns the host-health loop
type Monitor struct {
	log    *zap.Logger
	cfg    config.ResilienceConfig
	pauser Pauser
	store  StateStore
	model  ModelReporter
	dialer Dialer

	// OnNetworkChange fires on every online/offline flip, consumed by
	// the event broadcaster and the metrics gauge.
	OnNetworkChange func(online bool)

	mu           sync.Mutex
	online       bool
	offlineSince time.Time
	onlineSince  time.Time
	pausedFor    string // active freeze reason, empty when thawed
	manualHold   bool   // operator froze the queue; the monitor keeps its hands off

	readBattery func() (level int, charging bool, ok bool)
	readTemp    func() (float64, bool)
	readMem     func() (availableMB uint64, ok bool)

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a monitor over the given queue and store
func New(cfg config.ResilienceConfig, pauser Pauser, store StateStore, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.OfflinePauseAfter <= 0 {
		cfg.OfflinePauseAfter = defaultOfflineAfter
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = defaultResumeDelay
	}
	if len(cfg.ProbeHosts) == 0 {
		cfg.ProbeHosts = defaultProbeHosts
	}
	m := &Monitor{
		log:    log,
		cfg:    cfg,
		pauser: pauser,
		store:  store,
		dialer: &net.Dialer{Timeout: probeDialTimeout},
		online: true, // assume connectivity until a probe says otherwise
		done:   make(chan struct{}),
	}
	m.readBattery = readSysfsBattery
	m.readTemp = readHostTemperature
	m.readMem = readAvailableMemory
	return m
}

// SetModelReporter wires the triage adapter in after construction; the
// snapshot then carries the loaded model name.
func (m *Monitor) SetModelReporter(r ModelReporter) { m.model = r }

// Start launches the monitor loop
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop terminates the loop and waits for it to exit
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

// TriggerPause freezes the queue on operator request. The monitor will
// not thaw a manual freeze; only TriggerResume does.
func (m *Monitor) TriggerPause(reason string) {
	m.mu.Lock()
	m.manualHold = true
	m.pausedFor = reason
	m.mu.Unlock()
	m.pauser.PauseAll(reason)
	m.log.Info("manual system pause", zap.String("reason", reason))
}

// TriggerResume thaws a freeze regardless of who initiated it
func (m *Monitor) TriggerResume() {
	m.mu.Lock()
	m.manualHold = false
	m.pausedFor = ""
	m.mu.Unlock()
	m.pauser.ResumeAll()
	m.log.Info("manual system resume")
}

// Online reports the last probe verdict
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// PausedFor returns the active freeze reason, empty when running
func (m *Monitor) PausedFor() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pausedFor
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one probe round: connectivity, power, thermals, snapshot
func (m *Monitor) tick(ctx context.Context) {
	online := m.probeConnectivity(ctx)
	now := time.Now()

	m.mu.Lock()
	wasOnline := m.online
	if online != wasOnline {
		m.online = online
		if online {
			m.onlineSince = now
			m.offlineSince = time.Time{}
		} else {
			m.offlineSince = now
			m.onlineSince = time.Time{}
		}
	}
	m.mu.Unlock()

	if online != wasOnline {
		m.log.Warn("network state changed", zap.Bool("online", online))
		if m.OnNetworkChange != nil {
			m.OnNetworkChange(online)
		}
	}

	state, batteryOK := m.collectState(online)
	m.applyGates(online, now, state, batteryOK)

	if m.store != nil {
		if err := m.store.UpsertSystemState(state); err != nil {
			m.log.Warn("persisting system snapshot", zap.Error(err))
		}
	}
}

// applyGates decides whether the queue should freeze or thaw this tick
func (m *Monitor) applyGates(online bool, now time.Time, state *models.SystemState, batteryOK bool) {
	m.mu.Lock()
	if m.manualHold {
		m.mu.Unlock()
		return
	}

	var freeze string
	switch {
	case !online && !m.offlineSince.IsZero() && now.Sub(m.offlineSince) >= m.cfg.OfflinePauseAfter:
		freeze = "network outage"
	case m.cfg.PauseOnBattery && batteryOK && !state.Charging && state.BatteryLevel <= m.cfg.BatteryThreshold:
		freeze = "battery below threshold"
	case m.cfg.PauseOnTemp && m.cfg.TempThresholdC > 0 && state.TemperatureC >= m.cfg.TempThresholdC:
		freeze = "thermal limit reached"
	}

	paused := m.pausedFor
	switch {
	case freeze != "" && paused == "":
		m.pausedFor = freeze
		m.mu.Unlock()
		m.pauser.PauseAll(freeze)

	case freeze == "" && paused != "":
		// conditions cleared; give flapping links a grace window
		if online && !m.onlineSince.IsZero() && now.Sub(m.onlineSince) < m.cfg.ResumeDelay {
			m.mu.Unlock()
			return
		}
		m.pausedFor = ""
		m.mu.Unlock()
		m.pauser.ResumeAll()
		m.log.Info("system recovered, queue resumed", zap.String("was", paused))

	default:
		m.mu.Unlock()
	}
}

// probeConnectivity dials every probe host in parallel; one success
// means online. Port 53 first, 443 as the fallback for networks that
// filter outbound DNS.
func (m *Monitor) probeConnectivity(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeDialTimeout+time.Second)
	defer cancel()

	var mu sync.Mutex
	reachable := false

	g, probeCtx := errgroup.WithContext(probeCtx)
	for _, hostAddr := range m.cfg.ProbeHosts {
		hostAddr := hostAddr
		g.Go(func() error {
			for _, port := range []string{"53", "443"} {
				conn, err := m.dialer.DialContext(probeCtx, "tcp", net.JoinHostPort(hostAddr, port))
				if err == nil {
					conn.Close()
					mu.Lock()
					reachable = true
					mu.Unlock()
					cancel() // one success is enough, stop the rest
					return nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return reachable
}

// collectState gathers the per-tick host snapshot. Every reading is
// best-effort; absent sensors leave zero values. The second return
// distinguishes a real battery reading from no battery at all, since a
// level of zero is a valid (and urgent) reading.
func (m *Monitor) collectState(online bool) (*models.SystemState, bool) {
	state := &models.SystemState{
		NetworkStatus: models.NetworkOffline,
		TunnelURL:     m.cfg.TunnelURL,
		TunnelService: m.cfg.TunnelService,
		UpdatedAt:     time.Now(),
	}
	if online {
		state.NetworkStatus = models.NetworkOnline
	}
	level, charging, batteryOK := m.readBattery()
	if batteryOK {
		state.BatteryLevel = level
		state.Charging = charging
	}
	if temp, ok := m.readTemp(); ok {
		state.TemperatureC = temp
	}
	if avail, ok := m.readMem(); ok {
		state.AvailableMemMB = avail
	}
	if m.model != nil {
		state.LoadedModel = m.model.LoadedModel()
	}
	return state, batteryOK
}

// readSysfsBattery reads the first battery under /sys/class/power_supply.
// Desktops without one report not-ok and the battery gate stays inert.
func readSysfsBattery() (int, bool, bool) {
	entries, err := os.ReadDir(batterySysfsDir)
	if err != nil {
		return 0, false, false
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "BAT") {
			continue
		}
		base := batterySysfsDir + "/" + entry.Name()
		raw, err := os.ReadFile(base + "/capacity")
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}
		status, _ := os.ReadFile(base + "/status")
		charging := strings.TrimSpace(string(status)) != "Discharging"
		return level, charging, true
	}
	return 0, false, false
}

// readHostTemperature returns the hottest CPU-ish sensor reading
func readHostTemperature() (float64, bool) {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		return 0, false
	}
	var max float64
	for _, t := range temps {
		if t.Temperature > max {
			max = t.Temperature
		}
	}
	return max, max > 0
}

func readAvailableMemory() (uint64, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, false
	}
	return vm.Available / (1 << 20), true
}
