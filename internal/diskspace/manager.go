package diskspace

import (
	"sync"
	"syscall"

	"github.com/hlsget/hlsget/internal/utils"
)

// Manager is the narrow disk-space admission interface: sessions
// reserve an estimate before fetching and release on every exit path.
type Manager struct {
	mu           sync.Mutex
	root         string
	reservations map[string]float64
}

func NewManager(root string) *Manager {
	if root == "" {
		root = "."
	}
	return &Manager{root: root, reservations: make(map[string]float64)}
}

// Reserve admits a session if the filesystem has room for sizeGB on top
// of existing reservations.
func (m *Manager) Reserve(sizeGB float64, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := utils.GetLogger("diskspace")
	available := m.freeGB() - m.reservedLocked()
	if sizeGB > available {
		log.Warn().Float64("wantGB", sizeGB).Float64("availableGB", available).Msg("Disk reservation refused")
		return false
	}
	m.reservations[sessionID] = sizeGB
	log.Debug().Float64("sizeGB", sizeGB).Str("session", sessionID).Msg("Disk space reserved")
	return true
}

func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, sessionID)
}

// AvailableGB reports free space minus outstanding reservations.
func (m *Manager) AvailableGB() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeGB() - m.reservedLocked()
}

func (m *Manager) reservedLocked() float64 {
	total := 0.0
	for _, gb := range m.reservations {
		total += gb
	}
	return total
}

func (m *Manager) freeGB() float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.root, &stat); err != nil {
		return 0
	}
	return float64(stat.Bavail) * float64(stat.Bsize) / (1024 * 1024 * 1024)
}
