package terminal

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
)

const (
	eventQueueSize  = 64
	outputQueueSize = 256
	readBufferSize  = 32 * 1024

	// outputDrainTimeout bounds how long exit waits for the last output
	// after the shell is gone. Background jobs can hold the terminal open.
	outputDrainTimeout = 500 * time.Millisecond
	// flushTimeout bounds delivery of queued messages before the channel
	// is closed.
	flushTimeout = 2 * time.Second
)

// blockedBanner is written to the terminal when a line is refused.
const blockedBanner = "\r\n\x1b[31m%s\x1b[0m\r\n"

type eventKind int

const (
	evMessage eventKind = iota
	evChannelClosed
	evOutput
	evProcessDone
	evTimeout
	evExecute
)

type event struct {
	kind    eventKind
	binary  bool
	data    []byte
	text    string
	exit    ExitStatus
	err     error
	command string
	reply   chan error
}

// Bridge connects one client channel to one session. A single event loop
// processes channel messages, process output and timer events in order;
// a single writer drains outbound messages to the channel.
type Bridge struct {
	m       *Manager
	s       *Session
	conn    Conn
	lines   cmdfilter.LineBuffer
	limiter *rate.Limiter

	events chan event
	out    chan Outbound
	done   chan struct{}

	procMu sync.Mutex
	proc   Process
}

func newBridge(m *Manager, s *Session, conn Conn) *Bridge {
	return &Bridge{
		m:       m,
		s:       s,
		conn:    conn,
		limiter: NewMessageLimiter(),
		events:  make(chan event, eventQueueSize),
		out:     make(chan Outbound, outputQueueSize),
		done:    make(chan struct{}),
	}
}

// Run drives the session until it is destroyed, then closes the channel.
func (b *Bridge) Run(ctx context.Context) {
	defer b.m.bridges.Done()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go b.writeLoop(ctx, writerDone)
	go b.readLoop(ctx)

	b.loop(ctx)
	close(b.done)
	close(b.out)

	select {
	case <-writerDone:
	case <-time.After(flushTimeout):
		log.Printf("[bridge] session %s: timed out flushing output", b.s.ID)
	}

	code, reason := 1000, "session ended"
	if b.s.endedBy() == ReasonShutdown {
		code, reason = CloseShuttingDown, "server shutting down"
	}
	b.conn.Close(code, reason)
}

func (b *Bridge) loop(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			if b.handle(ev) {
				return
			}
		case <-b.s.done:
			return
		case <-ctx.Done():
			b.m.terminate(b.s, ReasonDisconnected)
			return
		}
	}
}

// post queues an event for the loop. It returns false once the loop has
// stopped.
func (b *Bridge) post(ev event) bool {
	select {
	case b.events <- ev:
		return true
	case <-b.done:
		return false
	case <-b.s.done:
		return false
	}
}

func (b *Bridge) send(msg Outbound) {
	b.out <- msg
}

func (b *Bridge) readLoop(ctx context.Context) {
	for {
		binary, data, err := b.conn.Read(ctx)
		if err != nil {
			b.post(event{kind: evChannelClosed, err: err})
			return
		}
		if !b.limiter.Allow() {
			log.Printf("[bridge] session %s: rate limit exceeded, dropping message", b.s.ID)
			continue
		}
		if !b.post(event{kind: evMessage, binary: binary, data: data}) {
			return
		}
	}
}

func (b *Bridge) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for msg := range b.out {
		if err := b.conn.Write(ctx, msg); err != nil {
			log.Printf("[bridge] session %s: write error: %v", b.s.ID, err)
			for range b.out {
			}
			return
		}
	}
}

// handle processes one event and reports whether the session is finished.
func (b *Bridge) handle(ev event) bool {
	switch ev.kind {
	case evMessage:
		return b.handleMessage(ev.binary, ev.data)
	case evOutput:
		b.send(outputMsg(ev.text))
	case evProcessDone:
		if ev.err != nil {
			log.Printf("[bridge] session %s: shell failed: %v", b.s.ID, ev.err)
			b.send(errorMsg("shell process failed: "+ev.err.Error(), true))
			b.m.terminate(b.s, ReasonProcessError)
			return true
		}
		b.send(exitMsg(ev.exit))
		b.m.terminate(b.s, ReasonExited)
		return true
	case evChannelClosed:
		log.Printf("[bridge] session %s: channel closed: %v", b.s.ID, ev.err)
		b.m.terminate(b.s, ReasonDisconnected)
		return true
	case evTimeout:
		b.send(errorMsg("session timed out", true))
		b.m.terminate(b.s, ReasonTimeout)
		return true
	case evExecute:
		ev.reply <- b.execute(ev.command)
	}
	return false
}

func (b *Bridge) handleMessage(binary bool, data []byte) bool {
	if binary {
		b.handleInput(data)
		return false
	}
	msg, err := ParseInbound(data)
	if err != nil {
		b.send(errorMsg("malformed message", false))
		return false
	}
	switch msg.Type {
	case MsgStart:
		return b.handleStart(msg)
	case MsgInput:
		b.handleInput([]byte(msg.Data))
	case MsgResize:
		b.handleResize(msg)
	case MsgSync:
		b.m.requestSync(b.s.User)
		b.send(syncStartedMsg())
	default:
		b.send(errorMsg(fmt.Sprintf("unknown message type %q", msg.Type), false))
	}
	return false
}

func (b *Bridge) handleStart(msg Inbound) bool {
	if b.process() != nil {
		b.send(errorMsg("session already started", false))
		return false
	}
	cols, rows := ClampSize(msg.Cols, msg.Rows)

	proc, err := b.m.opts.Spawner.Spawn(SpawnOptions{Dir: b.s.Dir, Cols: cols, Rows: rows})
	if err != nil {
		log.Printf("[bridge] session %s: spawn failed: %v", b.s.ID, err)
		b.send(errorMsg("failed to start shell: "+err.Error(), true))
		b.m.terminate(b.s, ReasonSpawnError)
		return true
	}

	b.procMu.Lock()
	b.proc = proc
	b.procMu.Unlock()

	b.s.mu.Lock()
	if b.s.status == StatusDestroyed {
		b.s.mu.Unlock()
		proc.Kill()
		return true
	}
	b.s.status = StatusActive
	b.s.cols, b.s.rows = cols, rows
	b.s.mu.Unlock()
	b.m.touch(b.s)

	readerDone := make(chan struct{})
	go b.pumpOutput(proc, readerDone)
	go b.waitProcess(proc, readerDone)

	b.m.sessionStarted(b.s)
	b.send(readyMsg(b.s.ID))
	return false
}

func (b *Bridge) handleInput(data []byte) {
	if b.process() == nil {
		b.send(errorMsg("session not started", false))
		return
	}
	if len(data) > MaxInputMessageSize {
		b.send(errorMsg(fmt.Sprintf("input exceeds %d bytes", MaxInputMessageSize), false))
		return
	}
	b.m.touch(b.s)
	b.submit(data)
}

// submit forwards input to the shell line by line. A finalized line that the
// filter blocks never gets its terminator: an interrupt is written instead so
// the shell discards it. It returns the verdict of the first blocked line.
func (b *Bridge) submit(data []byte) *cmdfilter.Verdict {
	var blocked *cmdfilter.Verdict
	for _, c := range b.lines.Feed(data) {
		if len(c.Data) > 0 {
			b.writeProcess(c.Data)
		}
		if c.Term == nil {
			continue
		}
		v := b.m.opts.Filter.Check(c.Line)
		if v.Blocked {
			b.writeProcess([]byte{0x03})
			b.send(outputMsg(fmt.Sprintf(blockedBanner, b.m.opts.Filter.Warning())))
			b.m.commandBlocked(b.s, c.Line, v)
			if blocked == nil {
				blocked = &v
			}
			continue
		}
		b.writeProcess(c.Term)
		b.m.lineSubmitted(b.s.User, c.Line)
	}
	return blocked
}

func (b *Bridge) execute(command string) error {
	if b.process() == nil {
		return ErrSessionNotActive
	}
	b.m.touch(b.s)
	if v := b.submit([]byte(command + "\r")); v != nil {
		return fmt.Errorf("%w: %s", cmdfilter.ErrCommandBlocked, v.Reason)
	}
	return nil
}

func (b *Bridge) handleResize(msg Inbound) {
	proc := b.process()
	if proc == nil {
		b.send(errorMsg("session not started", false))
		return
	}
	cols, rows := ClampSize(msg.Cols, msg.Rows)
	if err := proc.Resize(cols, rows); err != nil {
		log.Printf("[bridge] session %s: resize error: %v", b.s.ID, err)
		return
	}
	b.s.mu.Lock()
	b.s.cols, b.s.rows = cols, rows
	b.s.mu.Unlock()
}

func (b *Bridge) writeProcess(data []byte) {
	if _, err := b.process().Write(data); err != nil {
		log.Printf("[bridge] session %s: write to shell: %v", b.s.ID, err)
	}
}

func (b *Bridge) process() Process {
	b.procMu.Lock()
	defer b.procMu.Unlock()
	return b.proc
}

func (b *Bridge) killProcess() {
	if proc := b.process(); proc != nil {
		if err := proc.Kill(); err != nil {
			log.Printf("[bridge] session %s: kill: %v", b.s.ID, err)
		}
	}
}

// pumpOutput relays process output to the loop, holding back a trailing
// partial UTF-8 sequence until the rest of it arrives.
func (b *Bridge) pumpOutput(proc Process, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			chunk := append(pending, buf[:n]...)
			head, tail := splitUTF8(chunk)
			text := string(head)
			pending = append([]byte(nil), tail...)
			if text != "" && !b.post(event{kind: evOutput, text: text}) {
				return
			}
		}
		if err != nil {
			if len(pending) > 0 {
				b.post(event{kind: evOutput, text: string(pending)})
			}
			return
		}
	}
}

func (b *Bridge) waitProcess(proc Process, readerDone chan struct{}) {
	st, err := proc.Wait()
	select {
	case <-readerDone:
	case <-time.After(outputDrainTimeout):
	}
	b.post(event{kind: evProcessDone, exit: st, err: err})
}
