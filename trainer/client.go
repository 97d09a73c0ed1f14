package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/rpc"
	"strings"
	"time"

	"asyntrain/params"
	"asyntrain/shm"
	"asyntrain/util"

	"github.com/cenkalti/backoff/v4"
)

// ControlClient is one worker's connection to the coordinator control
// channel. Calls are synchronous; a worker has at most one request in
// flight.
type ControlClient struct {
	workerId    uint32
	client      *rpc.Client
	callTimeout time.Duration
	uploadSeq   uint64
}

// DialControl connects to the coordinator, retrying with exponential backoff
// until dialTimeout elapses or ctx is done.
func DialControl(ctx context.Context, coordAddr string, workerId uint32, dialTimeout, callTimeout time.Duration) (*ControlClient, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = dialTimeout

	var client *rpc.Client
	err := backoff.RetryNotify(
		func() error {
			conn, err := util.DialTCPCustom("", coordAddr)
			if err != nil {
				return err
			}
			client = rpc.NewClient(conn)
			return nil
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			log.Printf("DialControl: %v, retrying in %v\n", err, wait)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("dial coordinator %s: %w", coordAddr, err)
	}
	// seeded from the clock so a relaunched worker never reuses a sequence number
	return &ControlClient{
		workerId:    workerId,
		client:      client,
		callTimeout: callTimeout,
		uploadSeq:   uint64(time.Now().UnixNano()),
	}, nil
}

// Send issues one command and waits for the reply, ctx, or the call timeout.
func (c *ControlClient) Send(ctx context.Context, tag string) (CommandReply, error) {
	return c.call(ctx, CommandMsg{Tag: tag, WorkerId: c.workerId})
}

func (c *ControlClient) call(ctx context.Context, msg CommandMsg) (CommandReply, error) {
	tag := msg.Tag
	var reply CommandReply
	call := c.client.Go("Coord.Command", msg, &reply, make(chan *rpc.Call, 1))

	var timeout <-chan time.Time
	if c.callTimeout > 0 {
		t := time.NewTimer(c.callTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-call.Done:
		if call.Error != nil {
			return CommandReply{}, translateCallError(tag, call.Error)
		}
		return reply, nil
	case <-ctx.Done():
		return CommandReply{}, ctx.Err()
	case <-timeout:
		return CommandReply{}, fmt.Errorf("%w: %s after %v", ErrCallTimeout, tag, c.callTimeout)
	}
}

// translateCallError restores the sentinel errors that lose their identity
// on the wire.
func translateCallError(tag string, err error) error {
	if errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %v", ErrCoordinatorLost, tag, err)
	}
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		msg := string(serverErr)
		for _, sentinel := range []error{ErrProtocolViolation, ErrUpdateRuleFailure, ErrShutdown} {
			if strings.Contains(msg, sentinel.Error()) {
				return fmt.Errorf("%w: %s: %s", sentinel, tag, msg)
			}
		}
	}
	return fmt.Errorf("%s: %w", tag, err)
}

func (c *ControlClient) Bootstrap(ctx context.Context) (*BootstrapInfo, error) {
	reply, err := c.Send(ctx, CMD_BOOTSTRAP)
	if err != nil {
		return nil, err
	}
	if err := reply.Bootstrap.Validate(); err != nil {
		return nil, err
	}
	return reply.Bootstrap, nil
}

func (c *ControlClient) Step(ctx context.Context) (uint64, error) {
	reply, err := c.Send(ctx, CMD_STEP)
	if err != nil {
		return 0, err
	}
	if !reply.Ack {
		return 0, fmt.Errorf("%w: step was not acknowledged", ErrProtocolViolation)
	}
	return reply.Step, nil
}

// UploadGradient stages grad in gb and tells the coordinator about it,
// holding the Gradient Lock until the reply arrives. Each upload carries a
// fresh stamp, so a request abandoned on timeout can never be applied to a
// gradient staged by someone else.
func (c *ControlClient) UploadGradient(ctx context.Context, gb *shm.GradBuffer, grad *params.Vector) error {
	c.uploadSeq++
	stamp := shm.Stamp{Worker: c.workerId, Seq: c.uploadSeq}
	return gb.Upload(ctx, grad, stamp, func(ctx context.Context) error {
		reply, err := c.call(ctx, CommandMsg{Tag: CMD_UPLOAD_GRADIENT, WorkerId: c.workerId, Seq: stamp.Seq})
		if err != nil {
			return err
		}
		if !reply.Ack {
			return fmt.Errorf("%w: gradient upload was not acknowledged", ErrProtocolViolation)
		}
		return nil
	})
}

func (c *ControlClient) Close() error {
	return c.client.Close()
}
