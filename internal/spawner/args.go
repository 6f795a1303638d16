package spawner

import (
	"strconv"

	"github.com/danmuck/spawnctl/internal/protocol/schema"
)

// Launch argument names. Spawned game servers parse them by position, so
// BuildArgs must keep their order.
const (
	ArgBatchmode    = "-batchmode"
	ArgNoGraphics   = "-nographics"
	ArgWebGL        = "-webgl"
	ArgLoadScene    = "-loadScene"
	ArgMasterIP     = "-masterIp"
	ArgMasterPort   = "-masterPort"
	ArgSpawnID      = "-spawnId"
	ArgAssignedPort = "-assignedPort"
	ArgMachineIP    = "-machineIp"
	ArgSpawnCode    = "-spawnCode"
)

// Launch property keys read from a spawn request.
const (
	PropSceneName      = "sceneName"
	PropExecutablePath = "executablePath"
)

// BuildArgs returns the ordered argument list for one launch: execution
// flags, optional scene, master address, spawn id, assigned port, machine
// address, spawn code, then the caller's custom arguments.
func BuildArgs(cfg Config, req schema.SpawnRequest, port int) []string {
	args := make([]string, 0, 20+len(req.CustomArgs))
	if cfg.SpawnInBatchmode {
		args = append(args, ArgBatchmode, ArgNoGraphics)
	}
	if cfg.AddWebGLFlag {
		args = append(args, ArgWebGL)
	}
	if scene := req.Properties[PropSceneName]; scene != "" {
		args = append(args, ArgLoadScene, scene)
	}
	args = append(args,
		ArgMasterIP, cfg.MasterIP,
		ArgMasterPort, strconv.Itoa(cfg.MasterPort),
		ArgSpawnID, strconv.FormatInt(req.SpawnID, 10),
		ArgAssignedPort, strconv.Itoa(port),
		ArgMachineIP, cfg.MachineIP,
		ArgSpawnCode, req.SpawnCode,
	)
	return append(args, req.CustomArgs...)
}
