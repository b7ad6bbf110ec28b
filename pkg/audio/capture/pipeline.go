package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/leadline/pkg/audio"
	"github.com/MrWong99/leadline/pkg/provider/s2s"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithBlockSize overrides [audio.BlockSize]. Intended for tests.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) { p.blockSize = n }
}

// WithSentHook registers fn to run after each block is accepted by the
// session. It runs on the sender goroutine.
func WithSentHook(fn func(audio.Blob)) Option {
	return func(p *Pipeline) { p.onSent = fn }
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

// Pipeline streams one microphone track to one session.
//
// It runs two goroutines. The tap goroutine reads frames, re-blocks, encodes,
// and enqueues without ever blocking on the network. The sender goroutine
// waits for the session to resolve and then drains the queue in order.
type Pipeline struct {
	track     Track
	pending   *s2s.Pending
	log       *slog.Logger
	blockSize int
	onSent    func(audio.Blob)

	mu      sync.Mutex
	queue   []audio.Blob
	notify  chan struct{}
	started bool
	stopped bool

	tapCtx    context.Context
	tapCancel context.CancelFunc
	tapDone   chan struct{}

	sendCtx    context.Context
	sendCancel context.CancelFunc
	sendDone   chan struct{}
}

// NewPipeline wires track to the session behind pending. Nothing runs until
// [Pipeline.Start].
func NewPipeline(track Track, pending *s2s.Pending, opts ...Option) *Pipeline {
	p := &Pipeline{
		track:     track,
		pending:   pending,
		log:       slog.Default(),
		blockSize: audio.BlockSize,
		notify:    make(chan struct{}, 1),
		tapDone:   make(chan struct{}),
		sendDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.tapCtx, p.tapCancel = context.WithCancel(context.Background())
	p.sendCtx, p.sendCancel = context.WithCancel(context.Background())
	return p
}

// SendBlock encodes b and queues it behind everything already queued. It is
// a no-op after Stop.
func (p *Pipeline) SendBlock(b audio.Block) {
	p.enqueue(audio.EncodeBlob(b))
}

// Start connects the tap and starts delivery. Calling it twice, or after
// Stop, has no effect.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	go p.tapLoop()
	go p.sendLoop()
}

// Stop disconnects the tap, then stops the track, then abandons any blocks
// not yet delivered. It is idempotent and returns the track's Stop error from
// the first call.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.queue = nil
	p.mu.Unlock()

	p.tapCancel()
	if started {
		<-p.tapDone
	}

	err := p.track.Stop()
	go audio.Drain(p.track.Frames())

	p.sendCancel()
	if started {
		<-p.sendDone
	}
	return err
}

// Queued returns the number of blocks awaiting delivery.
func (p *Pipeline) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Tapping reports whether the tap goroutine is still reading frames.
func (p *Pipeline) Tapping() bool {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.tapDone:
		return false
	default:
		return true
	}
}

func (p *Pipeline) enqueue(blob audio.Blob) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, blob)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) dequeue() (audio.Blob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return audio.Blob{}, false
	}
	b := p.queue[0]
	p.queue[0] = audio.Blob{}
	p.queue = p.queue[1:]
	return b, true
}

func (p *Pipeline) tapLoop() {
	defer close(p.tapDone)

	tap := NewTap(p.blockSize)
	frames := p.track.Frames()
	for {
		select {
		case <-p.tapCtx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				p.log.Debug("capture: track ended")
				return
			}
			for _, b := range tap.Push(frame) {
				p.SendBlock(b)
			}
		}
	}
}

func (p *Pipeline) sendLoop() {
	defer close(p.sendDone)

	sess, err := p.pending.Wait(p.sendCtx)
	if err != nil {
		if p.sendCtx.Err() == nil {
			p.log.Warn("capture: session never resolved; discarding audio", "err", err)
		}
		return
	}

	for {
		blob, ok := p.dequeue()
		if !ok {
			select {
			case <-p.sendCtx.Done():
				return
			case <-p.notify:
				continue
			}
		}
		if err := sess.SendAudio(p.sendCtx, blob); err != nil {
			if p.sendCtx.Err() != nil {
				return
			}
			p.log.Debug("capture: send failed; dropping block", "err", err)
			continue
		}
		if p.onSent != nil {
			p.onSent(blob)
		}
	}
}
