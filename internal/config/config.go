package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/keel/arch"
)

// Config holds the orchestrator settings. Zero values are filled in by
// Default and Load; call Validate before use.
type Config struct {
	RAMSize  string `yaml:"ram_size"`
	CPUCores int    `yaml:"cpu_cores"`
	DiskSize string `yaml:"disk_size"`
	Arch     string `yaml:"arch"`

	HostDockerPort int  `yaml:"host_docker_port"`
	HostAppPort    int  `yaml:"host_app_port"`
	HostWinRMPort  int  `yaml:"host_winrm_port"`
	EnableVNC      bool `yaml:"enable_vnc"`

	StorageDir   string `yaml:"storage_dir"`
	TemplatePath string `yaml:"template_path"`
	InstallISO   string `yaml:"install_iso"`
	AnswerFile   string `yaml:"answer_file"`
	// DriverISO, when set, is attached to builds so Setup can load the
	// virtio storage and network drivers the answer file points at.
	DriverISO string `yaml:"driver_iso"`
	// MediaFiles are copied next to the answer file, e.g. scripts it runs.
	MediaFiles []string `yaml:"media_files"`

	BridgeCandidates []string `yaml:"bridge_candidates"`
	BridgeHelper     string   `yaml:"bridge_helper"`
	BridgeConf       string   `yaml:"bridge_conf"`
	GuestIP          string   `yaml:"guest_ip"`
	GuestMAC         string   `yaml:"guest_mac"`
	DNSServer        string   `yaml:"dns_server"`

	WinRMUser     string `yaml:"winrm_user"`
	WinRMPassword string `yaml:"winrm_password"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`

	BootTimeout    time.Duration `yaml:"boot_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	APITimeout     time.Duration `yaml:"api_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

const (
	defaultStorageDir = "/storage"
	defaultGuestMAC   = "52:54:00:4b:45:4c"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RAMSize:          "4G",
		CPUCores:         2,
		DiskSize:         "64G",
		Arch:             string(arch.X86_64),
		HostDockerPort:   2375,
		HostAppPort:      8080,
		HostWinRMPort:    5985,
		StorageDir:       defaultStorageDir,
		BridgeCandidates: []string{"br0", "virbr0"},
		BridgeHelper:     "/usr/lib/qemu/qemu-bridge-helper",
		BridgeConf:       "/etc/qemu/bridge.conf",
		GuestMAC:         defaultGuestMAC,
		DNSServer:        "1.1.1.1",
		WinRMUser:        "keel",
		WinRMPassword:    "keel",
		LogLevel:         "info",
		LogFormat:        "cli",
		BootTimeout:      10 * time.Minute,
		InstallTimeout:   2 * time.Hour,
		APITimeout:       5 * time.Minute,
		HealthInterval:   30 * time.Second,
		ShutdownGrace:    60 * time.Second,
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadFile overlays the YAML document at path onto cfg. Keys absent from the
// file keep their current value.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load overlays environment variables onto cfg and fills in derived paths.
func Load(cfg Config, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}

	env.str("RAM_SIZE", &cfg.RAMSize)
	env.integer("CPU_CORES", &cfg.CPUCores)
	env.str("DISK_SIZE", &cfg.DiskSize)
	env.str("ARCH", &cfg.Arch)
	env.integer("HOST_DOCKER_PORT", &cfg.HostDockerPort)
	env.integer("HOST_APP_PORT", &cfg.HostAppPort)
	env.integer("HOST_WINRM_PORT", &cfg.HostWinRMPort)
	env.boolean("ENABLE_VNC", &cfg.EnableVNC)
	env.str("STORAGE_DIR", &cfg.StorageDir)
	env.str("TEMPLATE_PATH", &cfg.TemplatePath)
	env.str("INSTALL_ISO", &cfg.InstallISO)
	env.str("ANSWER_FILE", &cfg.AnswerFile)
	env.str("DRIVER_ISO", &cfg.DriverISO)
	env.list("MEDIA_FILES", &cfg.MediaFiles)
	env.list("BRIDGE_CANDIDATES", &cfg.BridgeCandidates)
	env.str("BRIDGE_HELPER", &cfg.BridgeHelper)
	env.str("BRIDGE_CONF", &cfg.BridgeConf)
	env.str("GUEST_IP", &cfg.GuestIP)
	env.str("GUEST_MAC", &cfg.GuestMAC)
	env.str("DNS_SERVER", &cfg.DNSServer)
	env.str("WINRM_USER", &cfg.WinRMUser)
	env.str("WINRM_PASSWORD", &cfg.WinRMPassword)
	env.str("STATUS_ADDR", &cfg.StatusAddr)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.str("LOG_FORMAT", &cfg.LogFormat)
	env.duration("BOOT_TIMEOUT", &cfg.BootTimeout)
	env.duration("INSTALL_TIMEOUT", &cfg.InstallTimeout)
	env.duration("API_TIMEOUT", &cfg.APITimeout)
	env.duration("HEALTH_INTERVAL", &cfg.HealthInterval)
	env.duration("SHUTDOWN_GRACE", &cfg.ShutdownGrace)

	if env.err != nil {
		return cfg, env.err
	}

	if cfg.StorageDir == "" {
		cfg.StorageDir = defaultStorageDir
	}
	if cfg.TemplatePath == "" {
		cfg.TemplatePath = filepath.Join(cfg.StorageDir, "template.qcow2")
	}
	if cfg.InstallISO == "" {
		cfg.InstallISO = filepath.Join(cfg.StorageDir, "install.iso")
	}
	if cfg.AnswerFile == "" {
		cfg.AnswerFile = filepath.Join(cfg.StorageDir, "autounattend.xml")
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if c.CPUCores < 1 {
		return &PreconditionError{What: fmt.Sprintf("CPU_CORES must be at least 1, got %d", c.CPUCores)}
	}
	if _, err := ParseSize(c.RAMSize); err != nil {
		return &PreconditionError{What: "RAM_SIZE", Err: err}
	}
	if _, err := ParseSize(c.DiskSize); err != nil {
		return &PreconditionError{What: "DISK_SIZE", Err: err}
	}
	if _, err := arch.Parse(c.Arch); err != nil {
		return &PreconditionError{What: "ARCH", Err: err}
	}
	for name, port := range map[string]int{
		"HOST_DOCKER_PORT": c.HostDockerPort,
		"HOST_APP_PORT":    c.HostAppPort,
		"HOST_WINRM_PORT":  c.HostWinRMPort,
	} {
		if port < 1 || port > 65535 {
			return &PreconditionError{What: fmt.Sprintf("%s out of range: %d", name, port)}
		}
	}
	if c.GuestIP != "" && net.ParseIP(c.GuestIP).To4() == nil {
		return &PreconditionError{What: fmt.Sprintf("GUEST_IP is not an IPv4 address: %q", c.GuestIP)}
	}
	if _, err := net.ParseMAC(c.GuestMAC); err != nil {
		return &PreconditionError{What: "GUEST_MAC", Err: err}
	}
	for name, d := range map[string]time.Duration{
		"BOOT_TIMEOUT":    c.BootTimeout,
		"INSTALL_TIMEOUT": c.InstallTimeout,
		"API_TIMEOUT":     c.APITimeout,
		"HEALTH_INTERVAL": c.HealthInterval,
		"SHUTDOWN_GRACE":  c.ShutdownGrace,
	} {
		if d <= 0 {
			return &PreconditionError{What: fmt.Sprintf("%s must be positive, got %s", name, d)}
		}
	}
	return nil
}

// Architecture returns the parsed guest architecture. Validate first.
func (c Config) Architecture() arch.Architecture {
	a, _ := arch.Parse(c.Arch)
	return a
}

// WorkDir holds per-run files (overlay disk, QMP socket, pid files, logs).
func (c Config) WorkDir() string {
	return filepath.Join(c.StorageDir, "run")
}

// ParseSize converts QEMU size syntax ("4G", "512M", "1024") into bytes.
// A bare number is taken as mebibytes, matching qemu's -m.
func ParseSize(value string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1 << 20)
	switch v[len(v)-1] {
	case 'K':
		multiplier = 1 << 10
		v = v[:len(v)-1]
	case 'M':
		v = v[:len(v)-1]
	case 'G':
		multiplier = 1 << 30
		v = v[:len(v)-1]
	case 'T':
		multiplier = 1 << 40
		v = v[:len(v)-1]
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	return n * multiplier, nil
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = &PreconditionError{What: fmt.Sprintf("%s=%q", key, value), Err: err}
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	default:
		e.fail(key, v, fmt.Errorf("not a boolean"))
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
