package trainer

import (
	"errors"
	"fmt"

	"asyntrain/learner"
	"asyntrain/shm"
)

// Control channel command tags.
const (
	CMD_BOOTSTRAP       = "bootstrap"
	CMD_STEP            = "step"
	CMD_UPLOAD_GRADIENT = "grads"
)

// Operator commands shared by the console and the admin APIs.
const (
	OP_SAVE     = "save"
	OP_CONTINUE = "continue"
	OP_QUIT     = "quit"
	OP_GRAD     = "grad"
	OP_STATUS   = "status"
)

var (
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrBufferNotFound     = shm.ErrBufferNotFound
	ErrLockTimeout        = shm.ErrLockTimeout
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrUpdateRuleFailure  = errors.New("update rule failure")
	ErrCoordinatorLost    = errors.New("coordinator lost")
	ErrCallTimeout        = errors.New("control call timed out")
	ErrShutdown           = errors.New("coordinator is shutting down")
)

type CommandMsg struct {
	Tag      string
	WorkerId uint32
	Seq      uint64 // upload sequence number, CMD_UPLOAD_GRADIENT only
}

type CommandReply struct {
	Ack       bool
	Step      uint64 // step counter after the command
	Bootstrap *BootstrapInfo
}

type ModelConfig struct {
	Name    string
	Options learner.Options
}

// BootstrapInfo is everything a worker needs to join a session. The
// coordinator builds it once and returns the same value to every caller.
type BootstrapInfo struct {
	Session                string
	Manifest               shm.Manifest
	Model                  ModelConfig
	GradientUploadInterval int
	LockTimeoutMs          int
	HeartbeatAddr          string // empty when heartbeats are disabled
}

// Validate rejects replies a worker cannot safely act on.
func (b *BootstrapInfo) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: empty bootstrap reply", ErrProtocolViolation)
	}
	if len(b.Manifest.Vars) == 0 {
		return fmt.Errorf("%w: bootstrap reply names no parameter buffers", ErrProtocolViolation)
	}
	if err := b.Manifest.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if b.Model.Name == "" {
		return fmt.Errorf("%w: bootstrap reply names no model", ErrProtocolViolation)
	}
	if b.GradientUploadInterval <= 0 {
		return fmt.Errorf("%w: gradient upload interval %d", ErrProtocolViolation, b.GradientUploadInterval)
	}
	return nil
}

// Status is a snapshot of coordinator progress.
type Status struct {
	Session             string
	Step                uint64
	Workers             int
	RunningWorkers      int
	GradientsApplied    uint64
	LastCheckpoint      uint64
	LastCheckpointError string
}

func (s Status) asMap() map[string]interface{} {
	return map[string]interface{}{
		"session":             s.Session,
		"step":                s.Step,
		"workers":             s.Workers,
		"runningWorkers":      s.RunningWorkers,
		"gradientsApplied":    s.GradientsApplied,
		"lastCheckpoint":      s.LastCheckpoint,
		"lastCheckpointError": s.LastCheckpointError,
	}
}
