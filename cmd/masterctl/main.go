package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/spawnctl/internal/config"
	"github.com/danmuck/spawnctl/internal/logging"
	"github.com/danmuck/spawnctl/internal/master"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "cmd/masterctl/config.toml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "masterctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, addr, lobbies string

	flagSet := pflag.NewFlagSet("masterctl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath, "master config file (defaults apply when the default path is missing)")
	flagSet.StringVar(&addr, "addr", "", "listen address, overrides the config file")
	flagSet.StringVar(&lobbies, "lobby-templates", "", "lobby templates file, overrides the config file")
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
	if flagSet.Changed("addr") {
		cfg.ListenAddr = addr
	}
	if flagSet.Changed("lobby-templates") {
		cfg.LobbyTemplatesPath = lobbies
	}

	svc, err := master.NewServiceWithConfig(cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}

func loadConfig(path string, explicit bool) (master.ServiceConfig, error) {
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return master.DefaultServiceConfig(), nil
		}
	}
	return config.LoadMasterConfig(path)
}
