/*

Package fchecker is a small UDP heartbeat failure detector. A Responder acks
every heartbeat it receives; a Monitor sends heartbeats to one Responder and
reports a failure once LostMsgThresh consecutive heartbeats go unacked.

The coordinator runs a Responder and hands its address to workers in the
bootstrap reply; each worker monitors it so a hung or dead coordinator does
not stall the worker forever.

*/

package fchecker

import (
	"bytes"
	"encoding/gob"
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

////////////////////////////////////////////////////// DATA

// Heartbeat message.
type HBeatMessage struct {
	EpochNonce uint64 // Identifies this monitor instance/epoch.
	SeqNum     uint64 // Unique for each heartbeat in an epoch.
}

// An ack message; response to a heartbeat.
type AckMessage struct {
	HBEatEpochNonce uint64 // Copy of what was received in the heartbeat.
	HBEatSeqNum     uint64 // Copy of what was received in the heartbeat.
}

// Notification of a failure, signal back to the client using this
// library.
type FailureDetected struct {
	UDPIpPort string    // The RemoteIP:RemotePort of the failed node.
	Timestamp time.Time // The time when the failure was detected.
}

const (
	DefaultLostMsgThresh = 3
	DefaultRTT           = 3 * time.Second
	maxMessageSize       = 1024
)

func encodeMessage(msg interface{}) ([]byte, error) {
	var msgBuf bytes.Buffer
	if err := gob.NewEncoder(&msgBuf).Encode(msg); err != nil {
		return nil, err
	}
	return msgBuf.Bytes(), nil
}

func decodeMessage(b []byte, msg interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(msg)
}

////////////////////////////////////////////////////// RESPONDER

// Responder acks heartbeats on a UDP socket until stopped.
type Responder struct {
	conn *net.UDPConn
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// StartResponder listens on ackLocalAddr (use port 0 for any port) and acks
// every heartbeat it receives.
func StartResponder(ackLocalAddr string) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp", ackLocalAddr)
	if err != nil {
		log.Printf("fcheck: StartResponder: could not resolve %v: %v\n", ackLocalAddr, err)
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		log.Printf("fcheck: StartResponder: could not listen on %v: %v\n", ackLocalAddr, err)
		return nil, err
	}
	r := &Responder{conn: conn, done: make(chan struct{})}
	r.wg.Add(1)
	go r.serve()
	return r, nil
}

// Addr is the address heartbeats should be sent to.
func (r *Responder) Addr() string {
	return r.conn.LocalAddr().String()
}

func (r *Responder) serve() {
	defer r.wg.Done()
	buf := make([]byte, maxMessageSize)
	for {
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			log.Printf("fcheck: Responder: read error: %v\n", err)
			return
		}
		var hBeat HBeatMessage
		if err := decodeMessage(buf[:n], &hBeat); err != nil {
			// not one of ours
			continue
		}
		ack, err := encodeMessage(AckMessage{
			HBEatEpochNonce: hBeat.EpochNonce,
			HBEatSeqNum:     hBeat.SeqNum,
		})
		if err != nil {
			log.Printf("fcheck: Responder: encode error: %v\n", err)
			continue
		}
		if _, err := r.conn.WriteToUDP(ack, srcAddr); err != nil {
			log.Printf("fcheck: Responder: write error to %v: %v\n", srcAddr, err)
		}
	}
}

// Stop closes the socket; later heartbeats go unanswered.
func (r *Responder) Stop() {
	r.once.Do(func() {
		close(r.done)
		r.conn.Close()
	})
	r.wg.Wait()
}

////////////////////////////////////////////////////// MONITOR

type MonitorConfig struct {
	HBeatLocalAddr  string // empty picks an ephemeral port
	HBeatRemoteAddr string
	EpochNonce      uint64
	LostMsgThresh   uint8
	RTT             time.Duration // ack deadline and heartbeat period
}

// Monitor heartbeats a single Responder.
type Monitor struct {
	cfg    MonitorConfig
	conn   *net.UDPConn
	notify chan FailureDetected
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func StartMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.HBeatRemoteAddr == "" {
		return nil, errors.New("fcheck: no remote address to monitor")
	}
	if cfg.LostMsgThresh == 0 {
		cfg.LostMsgThresh = DefaultLostMsgThresh
	}
	if cfg.RTT <= 0 {
		cfg.RTT = DefaultRTT
	}
	var localAddr *net.UDPAddr
	if cfg.HBeatLocalAddr != "" {
		var err error
		localAddr, err = net.ResolveUDPAddr("udp", cfg.HBeatLocalAddr)
		if err != nil {
			log.Printf("fcheck: StartMonitor: resolveUDPaddr error: %v\n", err)
			return nil, err
		}
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.HBeatRemoteAddr)
	if err != nil {
		log.Printf("fcheck: StartMonitor: resolveUDPaddr error: %v\n", err)
		return nil, err
	}
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		log.Printf("fcheck: StartMonitor: UDP dialing error: %v\n", err)
		return nil, err
	}

	m := &Monitor{
		cfg:    cfg,
		conn:   conn,
		notify: make(chan FailureDetected, 1),
		done:   make(chan struct{}),
	}
	log.Printf(
		"fcheck: StartMonitor: monitoring %v from %v\n",
		conn.RemoteAddr(), conn.LocalAddr(),
	)
	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Notify delivers at most one failure notification.
func (m *Monitor) Notify() <-chan FailureDetected {
	return m.notify
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	lostMsgs := uint8(0)
	seqNum := uint64(0)
	buf := make([]byte, maxMessageSize)

	for !m.stopped() {
		msg, err := encodeMessage(HBeatMessage{EpochNonce: m.cfg.EpochNonce, SeqNum: seqNum})
		if err != nil {
			log.Printf("fcheck: Monitor: encode error: %v\n", err)
			return
		}
		sentAt := time.Now()
		if _, err := m.conn.Write(msg); err != nil && m.stopped() {
			return
		}

		acked := false
		deadline := sentAt.Add(m.cfg.RTT)
		for !acked {
			if err := m.conn.SetReadDeadline(deadline); err != nil {
				return
			}
			n, err := m.conn.Read(buf)
			if m.stopped() {
				return
			}
			if err != nil {
				// timeouts and refused datagrams both count as a lost heartbeat
				break
			}
			var ack AckMessage
			if decodeMessage(buf[:n], &ack) != nil {
				continue
			}
			if ack.HBEatEpochNonce != m.cfg.EpochNonce || ack.HBEatSeqNum != seqNum {
				continue
			}
			acked = true
		}
		seqNum++

		if !acked {
			lostMsgs++
			if lostMsgs >= m.cfg.LostMsgThresh {
				log.Printf("fcheck: Monitor: failure detected for %v after %d lost heartbeats\n", m.cfg.HBeatRemoteAddr, lostMsgs)
				m.notify <- FailureDetected{UDPIpPort: m.cfg.HBeatRemoteAddr, Timestamp: time.Now()}
				return
			}
		} else {
			lostMsgs = 0
		}
		// one heartbeat per RTT
		select {
		case <-m.done:
			return
		case <-time.After(time.Until(deadline)):
		}
	}
}

// Stop ends monitoring. No notification is delivered after Stop returns.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.done)
		m.conn.Close()
	})
	m.wg.Wait()
}
