package lobby

import "fmt"

type State int

const (
	StatePreparations State = iota
	StateStartingGameServer
	StateGameInProgress
	StateFailedToStart
	StateGameOver
)

func (s State) String() string {
	switch s {
	case StatePreparations:
		return "preparations"
	case StateStartingGameServer:
		return "starting_game_server"
	case StateGameInProgress:
		return "game_in_progress"
	case StateFailedToStart:
		return "failed_to_start"
	case StateGameOver:
		return "game_over"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// statusText is the human-readable text broadcast with a transition.
func (s State) statusText() string {
	switch s {
	case StatePreparations:
		return "Preparing"
	case StateStartingGameServer:
		return "Starting game server"
	case StateGameInProgress:
		return "Game in progress"
	case StateFailedToStart:
		return "Failed to start server"
	case StateGameOver:
		return "Game is over"
	default:
		return "Unknown lobby state"
	}
}
