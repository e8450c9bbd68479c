package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/leozw/certiroute/internal/core"
)

// ScanPorts dials each candidate port on the probe host. A port is open iff
// the TCP connect succeeds within the dial timeout. Results keep the order
// of ports. An empty list scans the configured candidates.
func (p *Prober) ScanPorts(ctx context.Context, ports []int) (core.ScanResult, error) {
	if len(ports) == 0 {
		ports = p.cfg.Ports
	}
	for _, port := range ports {
		if !p.isCandidate(port) {
			return core.ScanResult{}, core.Validation("probe.scan", fmt.Sprintf("port %d is not a candidate web port", port))
		}
	}

	open := make([]bool, len(ports))
	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			open[i] = p.dial(ctx, port)
		}(i, port)
	}
	wg.Wait()

	res := core.ScanResult{Open: []int{}, Closed: []int{}}
	for i, port := range ports {
		if open[i] {
			res.Open = append(res.Open, port)
		} else {
			res.Closed = append(res.Closed, port)
		}
	}
	return res, nil
}

func (p *Prober) dial(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.cfg.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) isCandidate(port int) bool {
	for _, c := range p.cfg.Ports {
		if c == port {
			return true
		}
	}
	return false
}
