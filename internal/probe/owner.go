package probe

import (
	"context"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/leozw/certiroute/internal/core"
)

// OwnerResolver maps a listening port to its process. It returns nil when
// the owner cannot be determined.
type OwnerResolver interface {
	Owner(ctx context.Context, port int) *core.ProcessInfo
}

// SystemOwners reads the OS socket and process tables.
type SystemOwners struct{}

func (SystemOwners) Owner(ctx context.Context, port int) *core.ProcessInfo {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil
	}

	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		proc, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			// Exited between the two reads.
			return nil
		}
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			return nil
		}
		cmdline, _ := proc.CmdlineWithContext(ctx)
		return &core.ProcessInfo{Name: name, PID: c.Pid, Cmdline: cmdline}
	}
	return nil
}

// IdentifyOwner resolves the process listening on port, or nil.
func (p *Prober) IdentifyOwner(ctx context.Context, port int) *core.ProcessInfo {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()
	return p.owners.Owner(ctx, port)
}
