package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/spawnctl/internal/master"
	"github.com/danmuck/spawnctl/internal/protocol/session"
	"github.com/danmuck/spawnctl/internal/spawner"
)

// sessionFile is the link section shared by both config files.
type sessionFile struct {
	SecurityMode   string `toml:"session_security_mode"`
	RequestTimeout string `toml:"session_request_timeout"`
	DeadAfter      string `toml:"session_dead_after"`
	TLSEnabled     bool   `toml:"session_tls_enabled"`
	TLSMutual      bool   `toml:"session_tls_mutual"`
	TLSCertFile    string `toml:"session_tls_cert_file"`
	TLSKeyFile     string `toml:"session_tls_key_file"`
	TLSCAFile      string `toml:"session_tls_ca_file"`
	TLSServerName  string `toml:"session_tls_server_name"`
}

// masterctl config.toml key mapping to master runtime settings.
type masterFile struct {
	Addr                   string `toml:"addr"`
	LobbyTemplates         string `toml:"lobby_templates"`
	DispatchInterval       string `toml:"dispatch_interval"`
	ReaperInterval         string `toml:"reaper_interval"`
	ProcessRegisterTimeout string `toml:"process_register_timeout"`
	FinalizedRetention     string `toml:"finalized_retention"`
	AccessSweepInterval    string `toml:"access_sweep_interval"`
	sessionFile
}

// spawnerctl config.toml key mapping to spawner host settings.
type spawnerFile struct {
	MasterAddr              string `toml:"master_addr"`
	MasterIP                string `toml:"master_ip"`
	MasterPort              int    `toml:"master_port"`
	MachineIP               string `toml:"machine_ip"`
	Region                  string `toml:"region"`
	MaxProcesses            int    `toml:"max_processes"`
	Executable              string `toml:"executable"`
	WorkDir                 string `toml:"work_dir"`
	AllowExecutableOverride bool   `toml:"allow_executable_override"`
	Batchmode               bool   `toml:"spawn_in_batchmode"`
	WebGL                   bool   `toml:"add_webgl_flag"`
	PortsStart              int    `toml:"ports_start"`
	CountReportInterval     string `toml:"count_report_interval"`
	MaxConnectAttempts      int    `toml:"max_connect_attempts"`
	sessionFile
}

// overlay applies the keys present in a decoded file.
type overlay struct {
	meta toml.MetaData
	errs []error
}

func (o *overlay) str(key, raw string, dst *string) {
	if o.meta.IsDefined(key) {
		*dst = strings.TrimSpace(raw)
	}
}

func (o *overlay) duration(key, raw string, dst *time.Duration) {
	if !o.meta.IsDefined(key) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (o *overlay) err() error {
	if len(o.errs) == 0 {
		return nil
	}
	return o.errs[0]
}

func (o *overlay) session(raw sessionFile, cfg *session.Config) {
	if o.meta.IsDefined("session_security_mode") {
		cfg.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SecurityMode))
	}
	o.duration("session_request_timeout", raw.RequestTimeout, &cfg.RequestTimeout)
	o.duration("session_dead_after", raw.DeadAfter, &cfg.SessionDeadAfter)
	if o.meta.IsDefined("session_tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if o.meta.IsDefined("session_tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
	o.str("session_tls_cert_file", raw.TLSCertFile, &cfg.TLS.CertFile)
	o.str("session_tls_key_file", raw.TLSKeyFile, &cfg.TLS.KeyFile)
	o.str("session_tls_ca_file", raw.TLSCAFile, &cfg.TLS.CAFile)
	o.str("session_tls_server_name", raw.TLSServerName, &cfg.TLS.ServerName)
}

// LoadMasterConfig overlays a masterctl config file onto the defaults.
// A relative lobby_templates path is resolved against the file's
// directory.
func LoadMasterConfig(path string) (master.ServiceConfig, error) {
	cfg := master.DefaultServiceConfig()

	var raw masterFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return master.ServiceConfig{}, fmt.Errorf("load master config: %w", err)
	}
	o := &overlay{meta: meta}
	o.str("addr", raw.Addr, &cfg.ListenAddr)
	o.str("lobby_templates", raw.LobbyTemplates, &cfg.LobbyTemplatesPath)
	o.duration("dispatch_interval", raw.DispatchInterval, &cfg.Spawn.DispatchInterval)
	o.duration("reaper_interval", raw.ReaperInterval, &cfg.Spawn.ReaperInterval)
	o.duration("process_register_timeout", raw.ProcessRegisterTimeout, &cfg.Spawn.ProcessRegisterTimeout)
	o.duration("finalized_retention", raw.FinalizedRetention, &cfg.Spawn.FinalizedRetention)
	o.duration("access_sweep_interval", raw.AccessSweepInterval, &cfg.Rooms.SweepInterval)
	o.session(raw.sessionFile, &cfg.Session)
	if err := o.err(); err != nil {
		return master.ServiceConfig{}, fmt.Errorf("load master config: %w", err)
	}

	if p := cfg.LobbyTemplatesPath; p != "" && !filepath.IsAbs(p) {
		cfg.LobbyTemplatesPath = filepath.Join(filepath.Dir(path), p)
	}
	if err := cfg.Session.WithDefaults().ValidateServerTransport(); err != nil {
		return master.ServiceConfig{}, fmt.Errorf("load master config: %w", err)
	}
	return cfg.Normalize(), nil
}

// LoadSpawnerConfig overlays a spawnerctl config file onto the defaults.
func LoadSpawnerConfig(path string) (spawner.Config, error) {
	cfg := spawner.DefaultServiceConfig()

	var raw spawnerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return spawner.Config{}, fmt.Errorf("load spawner config: %w", err)
	}
	o := &overlay{meta: meta}
	o.str("master_addr", raw.MasterAddr, &cfg.MasterAddr)
	o.str("master_ip", raw.MasterIP, &cfg.MasterIP)
	if meta.IsDefined("master_port") {
		cfg.MasterPort = raw.MasterPort
	}
	o.str("machine_ip", raw.MachineIP, &cfg.MachineIP)
	o.str("region", raw.Region, &cfg.Region)
	if meta.IsDefined("max_processes") {
		cfg.MaxProcesses = raw.MaxProcesses
	}
	o.str("executable", raw.Executable, &cfg.ExecutablePath)
	o.str("work_dir", raw.WorkDir, &cfg.WorkDir)
	if meta.IsDefined("allow_executable_override") {
		cfg.AllowExecutableOverride = raw.AllowExecutableOverride
	}
	if meta.IsDefined("spawn_in_batchmode") {
		cfg.SpawnInBatchmode = raw.Batchmode
	}
	if meta.IsDefined("add_webgl_flag") {
		cfg.AddWebGLFlag = raw.WebGL
	}
	if meta.IsDefined("ports_start") {
		cfg.PortsStart = raw.PortsStart
	}
	o.duration("count_report_interval", raw.CountReportInterval, &cfg.CountReportInterval)
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	o.session(raw.sessionFile, &cfg.Session)
	if err := o.err(); err != nil {
		return spawner.Config{}, fmt.Errorf("load spawner config: %w", err)
	}

	if err := cfg.Session.WithDefaults().ValidateClientTransport(); err != nil {
		return spawner.Config{}, fmt.Errorf("load spawner config: %w", err)
	}
	normalized, err := cfg.Normalize()
	if err != nil {
		return spawner.Config{}, fmt.Errorf("load spawner config: %w", err)
	}
	return normalized, nil
}
