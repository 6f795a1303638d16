package spawner

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/spawnctl/internal/protocol/session"
)

var (
	ErrMasterAddressRequired = errors.New("spawner: master address required")
	ErrInvalidMasterAddress  = errors.New("spawner: invalid master address")
)

// Config configures one spawner host.
type Config struct {
	MasterAddr string
	// MasterIP and MasterPort are handed to spawned processes; they
	// default to the host and port of MasterAddr.
	MasterIP   string
	MasterPort int

	MachineIP    string
	Region       string
	MaxProcesses int

	ExecutablePath          string
	WorkDir                 string
	AllowExecutableOverride bool
	SpawnInBatchmode        bool
	AddWebGLFlag            bool
	PortsStart              int

	CountReportInterval time.Duration
	MaxConnectAttempts  int
	Session             session.Config
}

// DefaultServiceConfig returns spawner defaults for a local master.
func DefaultServiceConfig() Config {
	return Config{
		MasterAddr:          "127.0.0.1:5000",
		MachineIP:           "127.0.0.1",
		SpawnInBatchmode:    true,
		PortsStart:          DefaultPortsStart,
		CountReportInterval: 10 * time.Second,
		Session:             session.DefaultConfig(),
	}
}

// Normalize validates cfg and fills derived fields.
func (c Config) Normalize() (Config, error) {
	c.MasterAddr = strings.TrimSpace(c.MasterAddr)
	if c.MasterAddr == "" {
		return c, ErrMasterAddressRequired
	}
	host, portText, err := net.SplitHostPort(c.MasterAddr)
	if err != nil {
		return c, fmt.Errorf("%w: %v", ErrInvalidMasterAddress, err)
	}
	if c.MasterIP == "" {
		c.MasterIP = host
	}
	if c.MasterPort == 0 {
		port, err := strconv.Atoi(portText)
		if err != nil {
			return c, fmt.Errorf("%w: port %q", ErrInvalidMasterAddress, portText)
		}
		c.MasterPort = port
	}
	if c.PortsStart <= 0 {
		c.PortsStart = DefaultPortsStart
	}
	if c.MaxProcesses < 0 {
		c.MaxProcesses = 0
	}
	c.Session = c.Session.WithDefaults()
	return c, nil
}
