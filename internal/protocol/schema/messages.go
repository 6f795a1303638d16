// Package schema holds the message type ids and payload shapes exchanged
// between master, spawner hosts, game servers and player clients.
package schema

import "fmt"

// Message type ids. Response frames reuse the request id and carry a
// peer.Status in place of the type, so ids only name requests and
// one-way messages.
const (
	MsgPing uint32 = 1

	// identity
	MsgIdentify uint32 = 16

	// spawner host <-> master
	MsgRegisterSpawner      uint32 = 32
	MsgSpawnRequest         uint32 = 33
	MsgKillSpawnedProcess   uint32 = 34
	MsgProcessStarted       uint32 = 35
	MsgProcessKilled        uint32 = 36
	MsgUpdateProcessesCount uint32 = 37

	// clients and game servers <-> master, spawn tasks
	MsgClientSpawnRequest       uint32 = 48
	MsgSpawnStatusChange        uint32 = 49
	MsgAbortSpawnRequest        uint32 = 50
	MsgRegisterSpawnedProcess   uint32 = 51
	MsgCompleteSpawnProcess     uint32 = 52
	MsgGetSpawnFinalizationData uint32 = 53

	// rooms
	MsgRegisterRoom           uint32 = 64
	MsgDestroyRoom            uint32 = 65
	MsgSaveRoomOptions        uint32 = 66
	MsgGetRoomAccess          uint32 = 67
	MsgProvideRoomAccessCheck uint32 = 68
	MsgValidateRoomAccess     uint32 = 69
	MsgPlayerLeftRoom         uint32 = 70
	MsgFindGames              uint32 = 71

	// lobby requests
	MsgCreateLobby          uint32 = 80
	MsgJoinLobby            uint32 = 81
	MsgLeaveLobby           uint32 = 82
	MsgSetLobbyProperties   uint32 = 83
	MsgSetMyLobbyProperties uint32 = 84
	MsgLobbySetReady        uint32 = 85
	MsgJoinLobbyTeam        uint32 = 86
	MsgLobbyStartGame       uint32 = 87
	MsgLobbySendChat        uint32 = 88
	MsgGetLobbyRoomAccess   uint32 = 89
	MsgGetLobbyInfo         uint32 = 90

	// lobby broadcasts
	MsgLobbyMemberJoined         uint32 = 96
	MsgLobbyMemberLeft           uint32 = 97
	MsgLobbyStateChange          uint32 = 98
	MsgLobbyStatusTextChange     uint32 = 99
	MsgLobbyPropertyChanged      uint32 = 100
	MsgLobbyMemberPropertyChange uint32 = 101
	MsgLobbyMemberReadyChange    uint32 = 102
	MsgLobbyMasterChange         uint32 = 103
	MsgLobbyChatMessage          uint32 = 104
	MsgLobbyMemberChangedTeam    uint32 = 105
	MsgLeftLobby                 uint32 = 106
)

var names = map[uint32]string{
	MsgPing:                      "ping",
	MsgIdentify:                  "identify",
	MsgRegisterSpawner:           "register_spawner",
	MsgSpawnRequest:              "spawn_request",
	MsgKillSpawnedProcess:        "kill_spawned_process",
	MsgProcessStarted:            "process_started",
	MsgProcessKilled:             "process_killed",
	MsgUpdateProcessesCount:      "update_processes_count",
	MsgClientSpawnRequest:        "client_spawn_request",
	MsgSpawnStatusChange:         "spawn_status_change",
	MsgAbortSpawnRequest:         "abort_spawn_request",
	MsgRegisterSpawnedProcess:    "register_spawned_process",
	MsgCompleteSpawnProcess:      "complete_spawn_process",
	MsgGetSpawnFinalizationData:  "get_spawn_finalization_data",
	MsgRegisterRoom:              "register_room",
	MsgDestroyRoom:               "destroy_room",
	MsgSaveRoomOptions:           "save_room_options",
	MsgGetRoomAccess:             "get_room_access",
	MsgProvideRoomAccessCheck:    "provide_room_access_check",
	MsgValidateRoomAccess:        "validate_room_access",
	MsgPlayerLeftRoom:            "player_left_room",
	MsgFindGames:                 "find_games",
	MsgCreateLobby:               "create_lobby",
	MsgJoinLobby:                 "join_lobby",
	MsgLeaveLobby:                "leave_lobby",
	MsgSetLobbyProperties:        "set_lobby_properties",
	MsgSetMyLobbyProperties:      "set_my_lobby_properties",
	MsgLobbySetReady:             "lobby_set_ready",
	MsgJoinLobbyTeam:             "join_lobby_team",
	MsgLobbyStartGame:            "lobby_start_game",
	MsgLobbySendChat:             "lobby_send_chat",
	MsgGetLobbyRoomAccess:        "get_lobby_room_access",
	MsgGetLobbyInfo:              "get_lobby_info",
	MsgLobbyMemberJoined:         "lobby_member_joined",
	MsgLobbyMemberLeft:           "lobby_member_left",
	MsgLobbyStateChange:          "lobby_state_change",
	MsgLobbyStatusTextChange:     "lobby_status_text_change",
	MsgLobbyPropertyChanged:      "lobby_property_changed",
	MsgLobbyMemberPropertyChange: "lobby_member_property_changed",
	MsgLobbyMemberReadyChange:    "lobby_member_ready_change",
	MsgLobbyMasterChange:         "lobby_master_change",
	MsgLobbyChatMessage:          "lobby_chat_message",
	MsgLobbyMemberChangedTeam:    "lobby_member_changed_team",
	MsgLeftLobby:                 "left_lobby",
}

// Name returns a stable log name for msgType.
func Name(msgType uint32) string {
	if n, ok := names[msgType]; ok {
		return n
	}
	return fmt.Sprintf("msg(%d)", msgType)
}

// Known reports whether msgType is part of the protocol.
func Known(msgType uint32) bool {
	_, ok := names[msgType]
	return ok
}
