package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/spawnctl/internal/config"
	"github.com/danmuck/spawnctl/internal/logging"
	"github.com/danmuck/spawnctl/internal/spawner"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/spawnerctl/config.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "spawnerctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		masterAddr string
		region     string
		executable string
		machineIP  string
		maxProcs   int
	)

	flagSet := pflag.NewFlagSet("spawnerctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath, "spawner config file (defaults apply when the default path is missing)")
	flagSet.StringVar(&masterAddr, "master", "", "master address host:port")
	flagSet.StringVar(&region, "region", "", "region advertised to the master")
	flagSet.IntVar(&maxProcs, "max-processes", 0, "maximum concurrent processes, 0 for unlimited")
	flagSet.StringVar(&executable, "executable", "", "game server executable")
	flagSet.StringVar(&machineIP, "machine-ip", "", "address clients use to reach spawned processes")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logging.ConfigureRuntime()

	cfg, err := loadConfig(configPath, flagSet.Changed("config"))
	if err != nil {
		return err
	}
	if flagSet.Changed("master") {
		cfg.MasterAddr = masterAddr
		cfg.MasterIP = ""
		cfg.MasterPort = 0
	}
	if flagSet.Changed("region") {
		cfg.Region = region
	}
	if flagSet.Changed("max-processes") {
		cfg.MaxProcesses = maxProcs
	}
	if flagSet.Changed("executable") {
		cfg.ExecutablePath = executable
	}
	if flagSet.Changed("machine-ip") {
		cfg.MachineIP = machineIP
	}

	svc, err := spawner.NewServiceWithConfig(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run()
}

func loadConfig(path string, explicit bool) (spawner.Config, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return spawner.DefaultServiceConfig(), nil
		}
	}
	return config.LoadSpawnerConfig(path)
}
