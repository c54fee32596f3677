// Package cloudinit renders the #cloud-config user data that installs and
// starts the bootstrap runner on an instance's first boot.
package cloudinit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const header = "#cloud-config\n"

// Paths used on the instance.
const (
	RunnerPath   = "/usr/local/bin/lampstack-boot"
	ManifestPath = "/etc/lampstack/manifest.yaml"
	StateDir     = "/var/lib/lampstack"
	LogPath      = "/var/log/lampstack-boot.log"
)

var (
	ErrRunnerURL      = errors.New("runner url must be https")
	ErrRunnerChecksum = errors.New("runner checksum must be a hex sha256 digest")
)

// Config is the subset of cloud-config the bootstrap uses.
type Config struct {
	PackageUpdate bool     `yaml:"package_update,omitempty"`
	Packages      []string `yaml:"packages,omitempty"`
	WriteFiles    []File   `yaml:"write_files,omitempty"`
	RunCmd        []string `yaml:"runcmd,omitempty"`
	FinalMessage  string   `yaml:"final_message,omitempty"`
}

type File struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Owner       string `yaml:"owner,omitempty"`
	Permissions string `yaml:"permissions,omitempty"`
}

// AddCommand appends a command, quoting each argument for sh.
func (c *Config) AddCommand(args ...string) {
	c.RunCmd = append(c.RunCmd, shellquote.Join(args...))
}

// Render returns the user data document.
func (c *Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("failed to render cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a document produced by Render.
func Parse(data []byte) (*Config, error) {
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, fmt.Errorf("user data does not start with %q", strings.TrimSpace(header))
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse cloud-config: %w", err)
	}
	return &c, nil
}

// Bootstrap describes how the runner is fetched and started.
type Bootstrap struct {
	RunnerURL    string
	RunnerSHA256 string
	// Manifest is the runner manifest, written verbatim to ManifestPath.
	// It carries secret references, never secret values.
	Manifest []byte
	Region   string
	LogGroup string
}

func (b Bootstrap) validate() error {
	u, err := url.Parse(b.RunnerURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrRunnerURL, b.RunnerURL)
	}
	if sum, err := hex.DecodeString(b.RunnerSHA256); err != nil || len(sum) != 32 {
		return fmt.Errorf("%w: %q", ErrRunnerChecksum, b.RunnerSHA256)
	}
	if len(b.Manifest) == 0 {
		return errors.New("manifest is empty")
	}
	return nil
}

// New builds the cloud-config that installs the manifest, downloads and
// verifies the runner, then runs it.
func New(b Bootstrap) (*Config, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	c := &Config{
		Packages: []string{"curl", "ca-certificates"},
		WriteFiles: []File{{
			Path:        ManifestPath,
			Content:     string(b.Manifest),
			Owner:       "root:root",
			Permissions: "0600",
		}},
		FinalMessage: "lampstack bootstrap finished after $UPTIME seconds",
	}

	c.AddCommand("mkdir", "-p", StateDir)
	c.AddCommand("curl", "--fail", "--silent", "--show-error", "--location", "--retry", "5", "--output", RunnerPath, b.RunnerURL)
	c.AddCommand("sh", "-c", shellquote.Join("echo", b.RunnerSHA256+"  "+RunnerPath)+" | sha256sum --check --strict -")
	c.AddCommand("chmod", "0755", RunnerPath)

	run := []string{RunnerPath, "run", "--manifest", ManifestPath, "--state-dir", StateDir, "--log-file", LogPath}
	if b.Region != "" {
		run = append(run, "--region", b.Region)
	}
	if b.LogGroup != "" {
		run = append(run, "--log-group", b.LogGroup)
	}
	c.AddCommand(run...)
	return c, nil
}
