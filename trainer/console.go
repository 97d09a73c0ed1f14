package trainer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/eapache/queue"
	"github.com/mattn/go-isatty"
)

// Console reads operator commands line by line on its own goroutine. The
// coordinator polls it between control commands, so a typed line interrupts
// training at the next command boundary.
type Console struct {
	in          io.Reader
	out         io.Writer
	interactive bool

	mu    sync.Mutex
	lines *queue.Queue
	eof   bool
	wake  chan struct{}
	once  sync.Once
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Console{
		in:          in,
		out:         out,
		interactive: interactive,
		lines:       queue.New(),
		wake:        make(chan struct{}, 1),
	}
}

// Start launches the reader goroutine. It is safe to call more than once.
func (c *Console) Start() {
	c.once.Do(func() {
		go c.read()
	})
}

func (c *Console) read() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		c.mu.Lock()
		c.lines.Add(strings.TrimSpace(scanner.Text()))
		c.mu.Unlock()
		c.signal()
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Console: read error: %v\n", err)
	}
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.signal()
}

func (c *Console) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake fires whenever a line is queued or input ends.
func (c *Console) Wake() <-chan struct{} {
	return c.wake
}

// Poll returns the next queued line without blocking.
func (c *Console) Poll() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines.Length() == 0 {
		return "", false
	}
	return c.lines.Remove().(string), true
}

func (c *Console) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eof && c.lines.Length() == 0
}

// Next blocks for the next line. It returns io.EOF once input is exhausted.
func (c *Console) Next(ctx context.Context) (string, error) {
	for {
		if line, ok := c.Poll(); ok {
			return line, nil
		}
		if c.closed() {
			return "", io.EOF
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.wake:
		}
	}
}

func (c *Console) Printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// Prompt is only printed for a terminal.
func (c *Console) Prompt() {
	if c.interactive {
		c.Printf("paused> save | continue | quit | grad | status\n")
	}
}
