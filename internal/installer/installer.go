// Package installer writes issued certificates to disk and points a local web
// server at them.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/leozw/certiroute/internal/command"
	"github.com/leozw/certiroute/internal/config"
	"github.com/leozw/certiroute/internal/core"
)

const (
	TypeNginx   = "nginx"
	TypeApache  = "apache"
	TypeGeneric = "generic"
)

var safeName = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*$`)

// Bundle is everything an installer needs for one certificate.
type Bundle struct {
	CertificateID string
	FQDN          string
	Port          int
	ServerType    string
	KeyPEM        []byte
	CertPEM       []byte
	ChainPEM      []byte
}

type Result struct {
	ServerType   string   `json:"server_type"`
	ConfigPath   string   `json:"config_path,omitempty"`
	CertPath     string   `json:"cert_path"`
	KeyPath      string   `json:"key_path"`
	ChainPath    string   `json:"chain_path"`
	Steps        []string `json:"steps"`
	Instructions string   `json:"instructions,omitempty"`
}

type Installer interface {
	Install(ctx context.Context, b Bundle) (*Result, error)
}

// Kind normalizes a detected or requested server type to the installer that
// handles it. Anything that is not nginx or apache gets the generic one.
func Kind(serverType string) string {
	switch strings.ToLower(strings.TrimSpace(serverType)) {
	case "nginx":
		return TypeNginx
	case "apache", "apache2", "httpd":
		return TypeApache
	}
	return TypeGeneric
}

type Registry struct {
	installers map[string]Installer
}

func NewRegistry(cfg config.InstallerConfig, runner command.Runner, logger *zap.Logger) (*Registry, error) {
	nginxReload, err := newReloader(cfg.NginxReloadCommand, cfg.NginxContainer, runner)
	if err != nil {
		return nil, fmt.Errorf("nginx reloader: %w", err)
	}
	apacheReload, err := newReloader(cfg.ApacheReloadCommand, "", runner)
	if err != nil {
		return nil, fmt.Errorf("apache reloader: %w", err)
	}

	return &Registry{installers: map[string]Installer{
		TypeNginx:   NewNginx(cfg, runner, nginxReload, logger),
		TypeApache:  NewApache(cfg, runner, apacheReload, logger),
		TypeGeneric: NewGeneric(cfg.CertDir, logger),
	}}, nil
}

// NewRegistryWith builds a registry from explicit installers; missing kinds
// fall back to the generic installer.
func NewRegistryWith(installers map[string]Installer) *Registry {
	return &Registry{installers: installers}
}

func (r *Registry) For(serverType string) Installer {
	if inst, ok := r.installers[Kind(serverType)]; ok {
		return inst
	}
	return r.installers[TypeGeneric]
}

type materialPaths struct {
	Dir           string
	KeyPath       string
	CertPath      string
	ChainPath     string
	FullchainPath string
}

// writeMaterial stores the PEMs under certDir/<fqdn>/<certificate id>/ so a
// failed install never overwrites files a running server still reads.
func writeMaterial(certDir string, b Bundle) (*materialPaths, error) {
	const op = "installer.write_material"

	if !safeName.MatchString(b.FQDN) || !safeName.MatchString(strings.ToLower(b.CertificateID)) {
		return nil, core.Validation(op, "fqdn and certificate id must be plain names")
	}
	if len(b.KeyPEM) == 0 || len(b.CertPEM) == 0 {
		return nil, core.Validation(op, "key and certificate material are required")
	}

	dir := filepath.Join(certDir, b.FQDN, strings.ToLower(b.CertificateID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, core.E(core.KindInternal, op, "create certificate directory", err)
	}

	p := &materialPaths{
		Dir:           dir,
		KeyPath:       filepath.Join(dir, "privkey.pem"),
		CertPath:      filepath.Join(dir, "cert.pem"),
		ChainPath:     filepath.Join(dir, "chain.pem"),
		FullchainPath: filepath.Join(dir, "fullchain.pem"),
	}

	var fullchain bytes.Buffer
	fullchain.Write(bytes.TrimRight(b.CertPEM, "\n"))
	fullchain.WriteByte('\n')
	fullchain.Write(b.ChainPEM)

	files := []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{p.KeyPath, b.KeyPEM, 0o600},
		{p.CertPath, b.CertPEM, 0o644},
		{p.ChainPath, b.ChainPEM, 0o644},
		{p.FullchainPath, fullchain.Bytes(), 0o644},
	}
	for _, f := range files {
		if err := writeFileAtomic(f.path, f.data, f.mode); err != nil {
			os.RemoveAll(dir)
			return nil, core.E(core.KindInternal, op, "write "+filepath.Base(f.path), err)
		}
	}
	return p, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
