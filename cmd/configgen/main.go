package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/danmuck/spawnctl/internal/config"
	"github.com/danmuck/spawnctl/internal/lobby"
	"github.com/spf13/pflag"
)

var defaultPaths = map[string]string{
	"master":  "cmd/masterctl/config.toml",
	"spawner": "cmd/spawnerctl/config.toml",
	"lobbies": "cmd/masterctl/lobbies.toml",
}

func main() {
	var (
		kind     string
		output   string
		input    string
		validate bool
		force    bool
	)
	flagSet := pflag.NewFlagSet("configgen", pflag.ContinueOnError)
	flagSet.StringVar(&kind, "kind", "master", "config kind: master|spawner|lobbies")
	flagSet.StringVar(&output, "output", "", "output path for config template")
	flagSet.BoolVar(&validate, "validate", false, "validate an existing config file")
	flagSet.StringVar(&input, "input", "", "config path for validation (defaults to per-kind cmd path)")
	flagSet.BoolVar(&force, "force", false, "overwrite existing config file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	def, ok := defaultPaths[kind]
	if !ok {
		log.Fatalf("unknown kind: %s", kind)
	}

	if validate {
		path := input
		if path == "" {
			path = def
		}
		if err := validateFile(kind, path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", kind, path)
		return
	}

	target := output
	if target == "" {
		target = def
	}
	if err := config.WriteTemplate(target, kind, force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", kind, target)
}

func validateFile(kind, path string) error {
	switch kind {
	case "master":
		_, err := config.LoadMasterConfig(path)
		return err
	case "spawner":
		_, err := config.LoadSpawnerConfig(path)
		return err
	case "lobbies":
		_, err := lobby.LoadTemplates(path)
		return err
	default:
		return fmt.Errorf("unknown kind: %s", kind)
	}
}
