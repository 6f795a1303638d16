package schema

import (
	"fmt"
	"strings"
)

// ValidationError reports a payload missing a required field.
type ValidationError struct {
	MessageType uint32
	Field       string
	Reason      string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: %s: %s", Name(e.MessageType), e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%s: %s", Name(e.MessageType), e.Field, e.Reason)
}

func missing(msgType uint32, field string) error {
	return ValidationError{MessageType: msgType, Field: field, Reason: "required"}
}

type Identify struct {
	Username string `cbor:"username"`
}

func (m Identify) Validate() error {
	if strings.TrimSpace(m.Username) == "" {
		return missing(MsgIdentify, "username")
	}
	return nil
}

type Identified struct {
	PeerID int64 `cbor:"peer_id"`
}

// RegisterSpawner is sent by a spawner host once per connection.
type RegisterSpawner struct {
	Region       string `cbor:"region"`
	MachineIP    string `cbor:"machine_ip"`
	MaxProcesses int    `cbor:"max_processes"`
}

func (m RegisterSpawner) Validate() error {
	if m.MaxProcesses < 0 {
		return ValidationError{MessageType: MsgRegisterSpawner, Field: "max_processes", Reason: "negative"}
	}
	return nil
}

type SpawnerRegistered struct {
	SpawnerID int64 `cbor:"spawner_id"`
}

// SpawnRequest is the launch command the master sends to a spawner host.
type SpawnRequest struct {
	SpawnerID  int64             `cbor:"spawner_id"`
	SpawnID    int64             `cbor:"spawn_id"`
	SpawnCode  string            `cbor:"spawn_code"`
	CustomArgs []string          `cbor:"custom_args,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

func (m SpawnRequest) Validate() error {
	if m.SpawnID <= 0 {
		return missing(MsgSpawnRequest, "spawn_id")
	}
	if strings.TrimSpace(m.SpawnCode) == "" {
		return missing(MsgSpawnRequest, "spawn_code")
	}
	return nil
}

type KillSpawnedProcess struct {
	SpawnerID int64 `cbor:"spawner_id"`
	SpawnID   int64 `cbor:"spawn_id"`
}

type ProcessStarted struct {
	SpawnerID int64    `cbor:"spawner_id"`
	SpawnID   int64    `cbor:"spawn_id"`
	ProcessID int      `cbor:"process_id"`
	Args      []string `cbor:"args,omitempty"`
}

type ProcessKilled struct {
	SpawnerID int64 `cbor:"spawner_id"`
	SpawnID   int64 `cbor:"spawn_id"`
}

type UpdateProcessesCount struct {
	SpawnerID int64 `cbor:"spawner_id"`
	Count     int   `cbor:"count"`
}

// ClientSpawnRequest asks the master to start a game server.
type ClientSpawnRequest struct {
	Region     string            `cbor:"region,omitempty"`
	CustomArgs []string          `cbor:"custom_args,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type SpawnAccepted struct {
	SpawnID int64 `cbor:"spawn_id"`
}

type SpawnStatusChange struct {
	SpawnID int64 `cbor:"spawn_id"`
	Status  int   `cbor:"status"`
}

type AbortSpawnRequest struct {
	SpawnID int64 `cbor:"spawn_id"`
}

// RegisterSpawnedProcess is presented by a launched game server.
type RegisterSpawnedProcess struct {
	SpawnID   int64  `cbor:"spawn_id"`
	SpawnCode string `cbor:"spawn_code"`
}

func (m RegisterSpawnedProcess) Validate() error {
	if m.SpawnID <= 0 {
		return missing(MsgRegisterSpawnedProcess, "spawn_id")
	}
	if m.SpawnCode == "" {
		return missing(MsgRegisterSpawnedProcess, "spawn_code")
	}
	return nil
}

type SpawnedProcessRegistered struct {
	Properties map[string]string `cbor:"properties,omitempty"`
}

type CompleteSpawnProcess struct {
	SpawnID          int64             `cbor:"spawn_id"`
	FinalizationData map[string]string `cbor:"finalization_data,omitempty"`
}

type GetSpawnFinalizationData struct {
	SpawnID int64 `cbor:"spawn_id"`
}

type SpawnFinalizationData struct {
	Data map[string]string `cbor:"data,omitempty"`
}

// RoomOptions describe a registered room.
type RoomOptions struct {
	Name          string            `cbor:"name"`
	RoomIP        string            `cbor:"room_ip"`
	RoomPort      int               `cbor:"room_port"`
	MaxPlayers    int               `cbor:"max_players"`
	IsPublic      bool              `cbor:"is_public"`
	AccessTimeout int64             `cbor:"access_timeout_ms"`
	Password      string            `cbor:"password,omitempty"`
	Properties    map[string]string `cbor:"properties,omitempty"`
}

func (m RoomOptions) Validate() error {
	if m.MaxPlayers < 0 {
		return ValidationError{MessageType: MsgRegisterRoom, Field: "max_players", Reason: "negative"}
	}
	if m.AccessTimeout < 0 {
		return ValidationError{MessageType: MsgRegisterRoom, Field: "access_timeout_ms", Reason: "negative"}
	}
	return nil
}

type RoomRegistered struct {
	RoomID int64 `cbor:"room_id"`
}

type DestroyRoom struct {
	RoomID int64 `cbor:"room_id"`
}

type SaveRoomOptions struct {
	RoomID  int64       `cbor:"room_id"`
	Options RoomOptions `cbor:"options"`
}

type GetRoomAccess struct {
	RoomID     int64             `cbor:"room_id"`
	Password   string            `cbor:"password,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

// RoomAccess is what a player needs to connect to a game server.
type RoomAccess struct {
	RoomID     int64             `cbor:"room_id"`
	RoomIP     string            `cbor:"room_ip"`
	RoomPort   int               `cbor:"room_port"`
	Token      string            `cbor:"token"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

// ProvideRoomAccessCheck asks the owning game server to admit a player.
type ProvideRoomAccessCheck struct {
	RoomID     int64             `cbor:"room_id"`
	PeerID     int64             `cbor:"peer_id"`
	Username   string            `cbor:"username,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type ValidateRoomAccess struct {
	RoomID int64  `cbor:"room_id"`
	Token  string `cbor:"token"`
}

type RoomAccessValidated struct {
	PeerID   int64  `cbor:"peer_id"`
	Username string `cbor:"username,omitempty"`
}

type PlayerLeftRoom struct {
	RoomID int64 `cbor:"room_id"`
	PeerID int64 `cbor:"peer_id"`
}

type FindGames struct {
	Filters map[string]string `cbor:"filters,omitempty"`
}

type GameInfo struct {
	ID         int64             `cbor:"id"`
	Kind       string            `cbor:"kind"`
	Name       string            `cbor:"name"`
	Address    string            `cbor:"address,omitempty"`
	MaxPlayers int               `cbor:"max_players"`
	Players    int               `cbor:"players"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type GameList struct {
	Games []GameInfo `cbor:"games"`
}

type CreateLobby struct {
	Template   string            `cbor:"template"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type LobbyCreated struct {
	LobbyID int64 `cbor:"lobby_id"`
}

type JoinLobby struct {
	LobbyID int64 `cbor:"lobby_id"`
}

type GetLobbyInfo struct {
	LobbyID int64 `cbor:"lobby_id"`
}

type PropertyMap struct {
	Properties map[string]string `cbor:"properties"`
}

type SetReady struct {
	Ready bool `cbor:"ready"`
}

type JoinTeam struct {
	Team string `cbor:"team"`
}

type ChatText struct {
	Text string `cbor:"text"`
}

type LobbyMemberData struct {
	Username   string            `cbor:"username"`
	Team       string            `cbor:"team"`
	Ready      bool              `cbor:"ready"`
	Properties map[string]string `cbor:"properties,omitempty"`
}

type LobbyTeamData struct {
	Name       string `cbor:"name"`
	MinPlayers int    `cbor:"min_players"`
	MaxPlayers int    `cbor:"max_players"`
	Members    int    `cbor:"members"`
}

// LobbyInfo is the snapshot handed to a joining member.
type LobbyInfo struct {
	LobbyID    int64             `cbor:"lobby_id"`
	Name       string            `cbor:"name"`
	State      int               `cbor:"state"`
	StatusText string            `cbor:"status_text"`
	GameMaster string            `cbor:"game_master,omitempty"`
	Properties map[string]string `cbor:"properties,omitempty"`
	Members    []LobbyMemberData `cbor:"members"`
	Teams      []LobbyTeamData   `cbor:"teams"`
	MaxPlayers int               `cbor:"max_players"`
	MinPlayers int               `cbor:"min_players"`
}

type LobbyMemberLeft struct {
	Username string `cbor:"username"`
}

type LobbyStateChange struct {
	State int `cbor:"state"`
}

type LobbyStatusText struct {
	Text string `cbor:"text"`
}

type LobbyPropertyChanged struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

type LobbyMemberPropertyChanged struct {
	Username string `cbor:"username"`
	Key      string `cbor:"key"`
	Value    string `cbor:"value"`
}

type LobbyMemberReadyChange struct {
	Username string `cbor:"username"`
	Ready    bool   `cbor:"ready"`
}

type LobbyMasterChange struct {
	Username string `cbor:"username"`
}

type LobbyChatMessage struct {
	Sender  string `cbor:"sender"`
	Text    string `cbor:"text"`
	IsError bool   `cbor:"is_error"`
}

type LobbyMemberChangedTeam struct {
	Username string `cbor:"username"`
	Team     string `cbor:"team"`
}

type LeftLobby struct {
	LobbyID int64 `cbor:"lobby_id"`
}
