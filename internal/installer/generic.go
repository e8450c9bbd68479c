package installer

import (
	"bytes"
	"context"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/core"
)

var instructionsTemplate = template.Must(template.New("instructions").Parse(`Certificate for {{.FQDN}} (port {{.Port}}) was written to:

  private key: {{.KeyPath}}
  certificate: {{.CertPath}}
  chain:       {{.ChainPath}}
  full chain:  {{.FullchainPath}}

Configure your server to terminate TLS on port {{.Port}} with the full chain
and private key above, then restart it.
{{- if .Node}}

Node.js example:

  const https = require('https');
  const fs = require('fs');

  https.createServer({
    key: fs.readFileSync('{{.KeyPath}}'),
    cert: fs.readFileSync('{{.FullchainPath}}'),
  }, app).listen({{.Port}});
{{- end}}
`))

// Generic writes the files and explains how to use them. Nothing on the host
// is reconfigured.
type Generic struct {
	certDir string
	logger  *zap.Logger
}

func NewGeneric(certDir string, logger *zap.Logger) *Generic {
	return &Generic{certDir: certDir, logger: logger.With(zap.String("installer", TypeGeneric))}
}

func (g *Generic) Install(_ context.Context, b Bundle) (*Result, error) {
	paths, err := writeMaterial(g.certDir, b)
	if err != nil {
		return nil, err
	}

	st := strings.ToLower(b.ServerType)
	node := st == "node" || strings.HasSuffix(st, ".js")

	var out bytes.Buffer
	if err := instructionsTemplate.Execute(&out, struct {
		siteData
		Node bool
	}{
		siteData: siteData{
			CertificateID: b.CertificateID,
			FQDN:          b.FQDN,
			Port:          b.Port,
			KeyPath:       paths.KeyPath,
			CertPath:      paths.CertPath,
			ChainPath:     paths.ChainPath,
			FullchainPath: paths.FullchainPath,
		},
		Node: node,
	}); err != nil {
		return nil, core.E(core.KindInternal, "installer.generic", "render instructions", err)
	}

	steps := []string{"Wrote certificate files to " + paths.Dir}
	if node {
		steps = append(steps, "Generated Node.js HTTPS server sample")
	} else {
		steps = append(steps, "Generated installation instructions")
	}

	g.logger.Info("Certificate files written", zap.String("fqdn", b.FQDN), zap.String("server_type", b.ServerType))
	return &Result{
		ServerType:   TypeGeneric,
		CertPath:     paths.CertPath,
		KeyPath:      paths.KeyPath,
		ChainPath:    paths.ChainPath,
		Steps:        steps,
		Instructions: out.String(),
	}, nil
}
