package trainer

import (
	"fmt"
	"time"

	"asyntrain/checkpoint"
	"asyntrain/shm"

	"github.com/google/uuid"
)

const (
	DefaultTargetRefreshInterval  = 1000
	DefaultCheckpointInterval     = 1000000
	DefaultWorkerCount            = 8
	DefaultGradientUploadInterval = 5
	DefaultWorkerAPIListenAddr    = "127.0.0.1:0"
	DefaultWorkerStopTimeout      = 5 * time.Second

	// HeartbeatAuto listens for heartbeats on the control host, any port.
	HeartbeatAuto = "auto"
)

type CoordConfig struct {
	WorkerAPIListenAddr   string // control channel
	AdminAPIListenAddr    string // gRPC admin service, empty disables it
	ExternalAPIListenAddr string // HTTP and gRPC-web, empty disables it
	HeartbeatListenAddr   string // fcheck responder, empty disables it, or HeartbeatAuto

	TargetRefreshInterval  uint64
	CheckpointInterval     uint64
	WorkerCount            int
	GradientUploadInterval int

	ShmDir               string
	Session              string
	Run                  string // checkpoint key, defaults to Session
	LockTimeoutMs        int
	ResumeFromCheckpoint bool
	WorkerStopTimeoutMs  int

	WorkerBinary     string
	WorkerConfigPath string
	LogFile          string

	Checkpoint checkpoint.Config
	Model      ModelConfig
}

// withDefaults fills unset fields. A fresh session name is generated when
// none is configured.
func (c CoordConfig) withDefaults() CoordConfig {
	if c.WorkerAPIListenAddr == "" {
		c.WorkerAPIListenAddr = DefaultWorkerAPIListenAddr
	}
	if c.TargetRefreshInterval == 0 {
		c.TargetRefreshInterval = DefaultTargetRefreshInterval
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	switch {
	case c.WorkerCount == 0:
		c.WorkerCount = DefaultWorkerCount
	case c.WorkerCount < 0:
		// coordinator only, workers are started elsewhere
		c.WorkerCount = 0
	}
	if c.GradientUploadInterval == 0 {
		c.GradientUploadInterval = DefaultGradientUploadInterval
	}
	if c.ShmDir == "" {
		c.ShmDir = shm.DefaultDir
	}
	if c.Session == "" {
		c.Session = "asyntrain-" + uuid.NewString()
	}
	if c.Run == "" {
		c.Run = c.Session
	}
	return c
}

func (c CoordConfig) validate() error {
	if c.GradientUploadInterval < 0 {
		return fmt.Errorf("GradientUploadInterval must be positive, got %d", c.GradientUploadInterval)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("no model configured")
	}
	return nil
}

func (c CoordConfig) lockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

func (c CoordConfig) workerStopTimeout() time.Duration {
	if c.WorkerStopTimeoutMs <= 0 {
		return DefaultWorkerStopTimeout
	}
	return time.Duration(c.WorkerStopTimeoutMs) * time.Millisecond
}

type WorkerConfig struct {
	WorkerId  uint32
	CoordAddr string

	GradientUploadInterval int // 0 uses the coordinator's interval
	LockTimeoutMs          int // 0 uses the coordinator's timeout
	CallTimeoutMs          int // 0 waits for replies indefinitely
	DialTimeoutMs          int
	LostMsgsThresh         uint8
	HeartbeatRTTMs         int
	Seed                   int64 // 0 derives a seed from the session and id
	LogFile                string
}

func (c WorkerConfig) callTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func (c WorkerConfig) dialTimeout() time.Duration {
	if c.DialTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}
