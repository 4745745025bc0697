package pool

import (
	"fmt"
	"net"
	"time"
)

// portProbeTimeout bounds the dial used to detect externally occupied ports.
const portProbeTimeout = 250 * time.Millisecond

// portIsFree reports whether nothing currently accepts connections on the
// port. A successful dial means some process (ours or not) already owns it.
func portIsFree(hostname string, port int) bool {
	addr := net.JoinHostPort(hostname, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

// allocatePortLocked scans the configured range and returns the lowest port
// not owned by a live record, not reserved by an in-flight spawn, and not
// externally occupied. Caller must hold m.mu.
func (m *Manager) allocatePortLocked() (int, error) {
	owned := make(map[int]struct{}, len(m.records))
	for _, rec := range m.records {
		owned[rec.Port] = struct{}{}
	}

	for port := m.cfg.BasePort; port < m.cfg.BasePort+m.cfg.PortRange; port++ {
		if _, ok := owned[port]; ok {
			continue
		}
		if _, ok := m.reserved[port]; ok {
			continue
		}
		if !portIsFree(m.cfg.Hostname, port) {
			continue
		}
		return port, nil
	}
	return 0, ErrNoAvailablePorts
}
