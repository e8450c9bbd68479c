package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
)

var nginxTemplate = template.Must(template.New("nginx").Parse(`# Managed by certiroute. Certificate {{.CertificateID}}.
server {
    listen {{.Port}} ssl;
    listen [::]:{{.Port}} ssl;
    server_name {{.FQDN}};

    ssl_certificate     {{.FullchainPath}};
    ssl_certificate_key {{.KeyPath}};
    ssl_protocols       TLSv1.2 TLSv1.3;

    root {{.WebRoot}};

    location / {
        try_files $uri $uri/ =404;
    }
}
`))

var apacheTemplate = template.Must(template.New("apache").Parse(`# Managed by certiroute. Certificate {{.CertificateID}}.
{{- if ne .Port 443}}
Listen {{.Port}}
{{- end}}
<IfModule mod_ssl.c>
<VirtualHost *:{{.Port}}>
    ServerName {{.FQDN}}
    DocumentRoot {{.WebRoot}}

    SSLEngine on
    SSLCertificateFile {{.CertPath}}
    SSLCertificateKeyFile {{.KeyPath}}
    SSLCertificateChainFile {{.ChainPath}}
</VirtualHost>
</IfModule>
`))

type siteData struct {
	CertificateID string
	FQDN          string
	Port          int
	WebRoot       string
	KeyPath       string
	CertPath      string
	ChainPath     string
	FullchainPath string
}

// siteFileName keys the site file by slot so each port of a domain keeps its
// own server block.
func siteFileName(fqdn string, port int) string {
	return fmt.Sprintf("certiroute-%s-%d.conf", fqdn, port)
}

// serverInstaller renders a site file, validates it with the server's own
// config test and reloads. Any failure restores the previous site file.
type serverInstaller struct {
	kind     string
	confDir  string
	certDir  string
	webRoot  string
	testCmd  string
	tmpl     *template.Template
	runner   command.Runner
	reloader Reloader
	logger   *zap.Logger
}

func NewNginx(cfg config.InstallerConfig, runner command.Runner, reloader Reloader, logger *zap.Logger) Installer {
	return &serverInstaller{
		kind:     TypeNginx,
		confDir:  cfg.NginxConfDir,
		certDir:  cfg.CertDir,
		webRoot:  cfg.WebRoot,
		testCmd:  cfg.NginxTestCommand,
		tmpl:     nginxTemplate,
		runner:   runner,
		reloader: reloader,
		logger:   logger.With(zap.String("installer", TypeNginx)),
	}
}

func NewApache(cfg config.InstallerConfig, runner command.Runner, reloader Reloader, logger *zap.Logger) Installer {
	return &serverInstaller{
		kind:     TypeApache,
		confDir:  cfg.ApacheConfDir,
		certDir:  cfg.CertDir,
		webRoot:  cfg.WebRoot,
		testCmd:  cfg.ApacheTestCommand,
		tmpl:     apacheTemplate,
		runner:   runner,
		reloader: reloader,
		logger:   logger.With(zap.String("installer", TypeApache)),
	}
}

func (s *serverInstaller) Install(ctx context.Context, b Bundle) (*Result, error) {
	op := "installer." + s.kind
	res := &Result{ServerType: s.kind}

	paths, err := writeMaterial(s.certDir, b)
	if err != nil {
		return nil, err
	}
	res.KeyPath, res.CertPath, res.ChainPath = paths.KeyPath, paths.CertPath, paths.ChainPath
	res.Steps = append(res.Steps, "Wrote certificate files to "+paths.Dir)

	var rendered bytes.Buffer
	if err := s.tmpl.Execute(&rendered, siteData{
		CertificateID: b.CertificateID,
		FQDN:          b.FQDN,
		Port:          b.Port,
		WebRoot:       s.webRoot,
		KeyPath:       paths.KeyPath,
		CertPath:      paths.CertPath,
		ChainPath:     paths.ChainPath,
		FullchainPath: paths.FullchainPath,
	}); err != nil {
		os.RemoveAll(paths.Dir)
		return nil, core.E(core.KindInternal, op, "render site configuration", err)
	}

	confPath := filepath.Join(s.confDir, siteFileName(b.FQDN, b.Port))
	res.ConfigPath = confPath

	previous, err := os.ReadFile(confPath)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		os.RemoveAll(paths.Dir)
		return nil, core.E(core.KindInternal, op, "read existing site configuration", err)
	}
	if hadPrevious {
		res.Steps = append(res.Steps, "Backed up existing configuration")
	}

	rollback := func(cause error) error {
		if hadPrevious {
			if err := writeFileAtomic(confPath, previous, 0o644); err != nil {
				s.logger.Error("Failed to restore previous site configuration", zap.String("path", confPath), zap.Error(err))
			}
		} else {
			os.Remove(confPath)
		}
		os.RemoveAll(paths.Dir)
		return cause
	}

	if err := os.MkdirAll(s.confDir, 0o755); err != nil {
		return nil, rollback(core.E(core.KindInternal, op, "create configuration directory", err))
	}
	if err := writeFileAtomic(confPath, rendered.Bytes(), 0o644); err != nil {
		return nil, rollback(core.E(core.KindInternal, op, "write site configuration", err))
	}
	res.Steps = append(res.Steps, "Wrote "+s.kind+" configuration "+confPath)

	if s.testCmd != "" {
		name, args, err := command.Split(s.testCmd)
		if err != nil {
			return nil, rollback(core.E(core.KindInternal, op, "invalid config test command", err))
		}
		if _, err := s.runner.Run(ctx, name, args...); err != nil {
			s.logger.Warn("Configuration test failed; previous configuration restored", zap.String("fqdn", b.FQDN), zap.Error(err))
			return nil, rollback(core.E(core.KindExternalPermanent, op, "configuration test failed", err))
		}
		res.Steps = append(res.Steps, "Configuration test passed")
	}

	if err := s.reloader.Reload(ctx); err != nil {
		s.logger.Warn("Reload failed; previous configuration restored", zap.String("fqdn", b.FQDN), zap.Error(err))
		return nil, rollback(err)
	}
	res.Steps = append(res.Steps, fmt.Sprintf("Reloaded %s", s.kind))

	s.logger.Info("Certificate installed",
		zap.String("fqdn", b.FQDN),
		zap.Int("port", b.Port),
		zap.String("certificate_id", b.CertificateID),
		zap.String("config", confPath),
	)
	return res, nil
}
