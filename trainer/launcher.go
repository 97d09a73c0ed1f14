package trainer

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Launcher starts and stops the worker fleet. Workers that exit are logged
// and never restarted.
type Launcher interface {
	Launch(id uint32, coordAddr string) error
	Running() int
	// StopAll terminates every worker and waits up to timeout for them.
	StopAll(timeout time.Duration) error
}

// ProcessLauncher runs each worker as a separate OS process.
type ProcessLauncher struct {
	Binary     string
	ConfigPath string
	ExtraArgs  []string

	mu      sync.Mutex
	procs   map[uint32]*exec.Cmd
	exited  map[uint32]chan struct{}
	running int
}

func NewProcessLauncher(binary, configPath string) *ProcessLauncher {
	return &ProcessLauncher{
		Binary:     binary,
		ConfigPath: configPath,
		procs:      make(map[uint32]*exec.Cmd),
		exited:     make(map[uint32]chan struct{}),
	}
}

func (l *ProcessLauncher) Launch(id uint32, coordAddr string) error {
	args := []string{"-id", strconv.FormatUint(uint64(id), 10), "-coord", coordAddr}
	if l.ConfigPath != "" {
		args = append(args, "-config", l.ConfigPath)
	}
	args = append(args, l.ExtraArgs...)

	cmd := exec.Command(l.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch worker %d: %w", id, err)
	}
	log.Printf("Launcher: started worker %d as pid %d\n", id, cmd.Process.Pid)

	done := make(chan struct{})
	l.mu.Lock()
	l.procs[id] = cmd
	l.exited[id] = done
	l.running++
	l.mu.Unlock()

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		l.running--
		l.mu.Unlock()
		close(done)
		log.Printf("Launcher: worker %d exited: %v\n", id, err)
	}()
	return nil
}

func (l *ProcessLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *ProcessLauncher) StopAll(timeout time.Duration) error {
	l.mu.Lock()
	procs := make(map[uint32]*exec.Cmd, len(l.procs))
	for id, cmd := range l.procs {
		procs[id] = cmd
	}
	exited := l.exited
	l.mu.Unlock()

	for id, cmd := range procs {
		select {
		case <-exited[id]:
			continue
		default:
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Printf("Launcher: could not signal worker %d: %v\n", id, err)
		}
	}

	deadline := time.After(timeout)
	var stuck []uint32
	for id := range procs {
		select {
		case <-exited[id]:
		case <-deadline:
			stuck = append(stuck, id)
		}
	}
	for _, id := range stuck {
		select {
		case <-exited[id]:
			continue
		default:
		}
		log.Printf("Launcher: killing worker %d\n", id)
		procs[id].Process.Kill()
		<-exited[id]
	}
	return nil
}

// GoroutineLauncher runs workers inside the coordinator process. It is used
// by tests and by single binary deployments.
type GoroutineLauncher struct {
	Run func(ctx context.Context, id uint32, coordAddr string) error

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int
	exits   map[uint32]error
}

func NewGoroutineLauncher(run func(ctx context.Context, id uint32, coordAddr string) error) *GoroutineLauncher {
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutineLauncher{Run: run, ctx: ctx, cancel: cancel, exits: make(map[uint32]error)}
}

func (l *GoroutineLauncher) Launch(id uint32, coordAddr string) error {
	l.mu.Lock()
	if l.ctx.Err() != nil {
		l.mu.Unlock()
		return fmt.Errorf("launch worker %d: launcher stopped", id)
	}
	l.running++
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		err := l.Run(l.ctx, id, coordAddr)
		l.mu.Lock()
		l.running--
		l.exits[id] = err
		l.mu.Unlock()
		log.Printf("Launcher: worker %d exited: %v\n", id, err)
	}()
	return nil
}

func (l *GoroutineLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Exits returns the error each finished worker returned.
func (l *GoroutineLauncher) Exits() map[uint32]error {
	l.mu.Lock()
	defer l.mu.Unlock()
	exits := make(map[uint32]error, len(l.exits))
	for id, err := range l.exits {
		exits[id] = err
	}
	return exits
}

func (l *GoroutineLauncher) StopAll(timeout time.Duration) error {
	l.mu.Lock()
	l.cancel()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%d workers still running after %v", l.Running(), timeout)
	}
}
