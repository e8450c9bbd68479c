package probe

import (
	"context"
	"regexp"
	"strings"

	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/core"
)

const unknown = "unknown"

// VersionProbe recognises one server family from its process and reports
// type and version.
type VersionProbe interface {
	Matches(info *core.ProcessInfo) bool
	Identify(ctx context.Context, info *core.ProcessInfo) core.ServerIdentity
}

// DefaultProbes returns the probes in priority order.
func DefaultProbes(runner command.Runner) []VersionProbe {
	return []VersionProbe{
		&commandProbe{
			names:      []string{"nginx"},
			serverType: "nginx",
			cmd:        "nginx",
			args:       []string{"-v"},
			pattern:    regexp.MustCompile(`nginx/(\d+\.\d+\.\d+)`),
			runner:     runner,
		},
		&commandProbe{
			names:      []string{"apache2", "httpd"},
			serverType: "apache",
			cmd:        "apachectl",
			args:       []string{"-v"},
			pattern:    regexp.MustCompile(`Apache/(\d+\.\d+\.\d+)`),
			runner:     runner,
		},
		&nodeProbe{runner: runner},
	}
}

// commandProbe runs the server's version flag and extracts the version with
// pattern.
type commandProbe struct {
	names      []string
	serverType string
	cmd        string
	args       []string
	pattern    *regexp.Regexp
	runner     command.Runner
}

func (c *commandProbe) Matches(info *core.ProcessInfo) bool {
	name := strings.ToLower(info.Name)
	for _, n := range c.names {
		if name == n {
			return true
		}
	}
	return false
}

func (c *commandProbe) Identify(ctx context.Context, _ *core.ProcessInfo) core.ServerIdentity {
	id := core.ServerIdentity{ServerType: c.serverType, ServerVersion: unknown}
	// nginx prints its version to stderr and some builds exit non-zero.
	out, _ := c.runner.Run(ctx, c.cmd, c.args...)
	if m := c.pattern.FindSubmatch(out); m != nil {
		id.ServerVersion = string(m[1])
	}
	return id
}

var nodeFrameworks = []struct {
	hint       string
	serverType string
}{
	{"express", "express.js"},
	{"koa", "koa.js"},
	{"hapi", "hapi.js"},
	{"next", "next.js"},
}

var nodeVersion = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

type nodeProbe struct {
	runner command.Runner
}

func (n *nodeProbe) Matches(info *core.ProcessInfo) bool {
	return strings.ToLower(info.Name) == "node"
}

func (n *nodeProbe) Identify(ctx context.Context, info *core.ProcessInfo) core.ServerIdentity {
	id := core.ServerIdentity{ServerType: "node.js", ServerVersion: unknown}

	cmdline := strings.ToLower(info.Cmdline)
	for _, f := range nodeFrameworks {
		if strings.Contains(cmdline, f.hint) {
			id.ServerType = f.serverType
			break
		}
	}

	if out, err := n.runner.Run(ctx, "node", "-v"); err == nil {
		if v := nodeVersion.FindString(strings.TrimSpace(string(out))); v != "" {
			id.ServerVersion = v
		}
	}
	return id
}

// Fingerprint classifies the server behind port. The first matching probe
// wins; no match, or no owner, is "unknown".
func (p *Prober) Fingerprint(ctx context.Context, port int, info *core.ProcessInfo) core.ServerIdentity {
	if info == nil {
		return core.ServerIdentity{ServerType: unknown, ServerVersion: unknown}
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CommandTimeout)
	defer cancel()

	for _, vp := range p.probes {
		if vp.Matches(info) {
			return vp.Identify(ctx, info)
		}
	}
	return core.ServerIdentity{ServerType: unknown, ServerVersion: unknown}
}
