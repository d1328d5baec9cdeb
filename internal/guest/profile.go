package guest

import (
	"fmt"
	"path"
	"strings"
)

// Profile describes the container engine service inside the guest.
type Profile struct {
	ServiceName  string `yaml:"service_name"`
	BinaryPath   string `yaml:"binary_path"`
	ConfigPath   string `yaml:"config_path"`
	FirewallRule string `yaml:"firewall_rule"`
	APIPort      int    `yaml:"api_port"`
	// ServiceFlag is the only flag the service definition should carry.
	ServiceFlag string `yaml:"service_flag"`
	// ForbiddenFlags may not appear on the service command line because the
	// config file already declares them.
	ForbiddenFlags []string `yaml:"forbidden_flags"`
	EngineURL      string   `yaml:"engine_url"`
	MarkerPath     string   `yaml:"marker_path"`
}

// DefaultProfile targets dockerd on Windows.
func DefaultProfile() Profile {
	return Profile{
		ServiceName:    "docker",
		BinaryPath:     `C:\Program Files\docker\dockerd.exe`,
		ConfigPath:     `C:\ProgramData\docker\config\daemon.json`,
		FirewallRule:   "Docker API",
		APIPort:        2375,
		ServiceFlag:    "--run-service",
		ForbiddenFlags: []string{"-H", "--host"},
		EngineURL:      "https://download.docker.com/win/static/stable/x86_64/docker-27.3.1.zip",
		MarkerPath:     `C:\ProgramData\keel\provisioned`,
	}
}

// ListenAddress is the API address the config file must declare.
func (p Profile) ListenAddress() string {
	return fmt.Sprintf("tcp://0.0.0.0:%d", p.APIPort)
}

// ServiceCommandLine is the expected service binary path with flags.
func (p Profile) ServiceCommandLine() string {
	return fmt.Sprintf(`"%s" %s`, p.BinaryPath, p.ServiceFlag)
}

func (p Profile) binaryDir() string {
	return windowsDir(p.BinaryPath)
}

func windowsDir(p string) string {
	dir := path.Dir(strings.ReplaceAll(p, `\`, "/"))
	return strings.ReplaceAll(dir, "/", `\`)
}

// psQuote renders s as a single-quoted PowerShell literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
