package config

import (
	"fmt"
	"os"
	"strings"
)

// Kinds lists the template kinds configgen knows.
var Kinds = []string{"master", "spawner", "lobbies"}

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "master":
		return masterTemplate, nil
	case "spawner":
		return spawnerTemplate, nil
	case "lobbies":
		return lobbiesTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const masterTemplate = `addr = ":5000"
lobby_templates = "lobbies.toml"

dispatch_interval = "100ms"
reaper_interval = "1s"
process_register_timeout = "60s"
finalized_retention = "10m"
access_sweep_interval = "1s"

session_security_mode = "development"
session_request_timeout = "20s"
session_dead_after = "15s"
session_tls_enabled = false
`

const spawnerTemplate = `master_addr = "127.0.0.1:5000"
machine_ip = "127.0.0.1"
region = "eu"
max_processes = 8

executable = "./game-server"
work_dir = ""
allow_executable_override = false
spawn_in_batchmode = true
add_webgl_flag = false
ports_start = 10000

count_report_interval = "10s"
max_connect_attempts = 0

session_security_mode = "development"
session_tls_enabled = false
`

const lobbiesTemplate = `[[lobby]]
template = "2v2"
name = "Two vs Two"
ready_system = true
manual_start = true
play_again = true

[[lobby.team]]
name = "red"
min_players = 1
max_players = 2

[[lobby.team]]
name = "blue"
min_players = 1
max_players = 2

[[lobby]]
template = "deathmatch"
name = "Deathmatch"
game_masters = false
manual_start = false
autostart = true
wait_after_min_players = "10s"
wait_after_full_teams = "5s"

[[lobby.team]]
name = "players"
min_players = 2
max_players = 10
`
