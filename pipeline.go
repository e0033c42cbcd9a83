package m2m

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// PipelineState represents the state of a pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Moving frames
	PipelineStateStopped                      // Finished or stopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PipelineConfig configures a pipeline.
type PipelineConfig struct {
	Source Source // Access units or raw frames
	Pump   *Pump  // Opened pump, without OnFrame
	Sink   Sink   // Completed frames

	// Format is the input format. Zero follows Source.Format(), which
	// renegotiates the pump whenever the source geometry changes.
	Format FormatDescriptor

	Logger  *slog.Logger
	OnError func(error) // Non-fatal errors
}

// PipelineStats provides pipeline statistics.
type PipelineStats struct {
	FramesRead       uint64
	FramesSubmitted  uint64
	FramesRejected   uint64
	FramesWritten    uint64
	BytesWritten     uint64
	KeyframesWritten uint64
	Drains           uint64
	Renegotiations   uint64
	SubmitTimeUs     uint64
	WriteTimeUs      uint64
	Errors           uint64
}

// Pipeline moves frames Source -> Pump -> Sink. A feed goroutine reads
// and submits; a collect goroutine writes completions to the sink in
// presentation order. End of source drains the pump before the pipeline
// finishes.
type Pipeline struct {
	cfg PipelineConfig
	log *slog.Logger

	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	errMu sync.Mutex
	err   *multierror.Error

	fmtMu  sync.Mutex
	active FormatDescriptor

	stats   PipelineStats
	statsMu sync.Mutex
}

// NewPipeline creates an idle pipeline.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidConfig)
	}
	if cfg.Pump == nil {
		return nil, fmt.Errorf("%w: pump is required", ErrInvalidConfig)
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("%w: sink is required", ErrInvalidConfig)
	}
	if cfg.Pump.cfg.OnFrame != nil {
		return nil, fmt.Errorf("%w: pump delivers frames through OnFrame", ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		cfg:  cfg,
		log:  cfg.Logger.With("pipeline", cfg.Pump.ID().String()),
		done: make(chan struct{}),
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// Start starts the pipeline. ctx bounds its whole run.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PipelineStateIdle), int32(PipelineStateRunning)) {
		return fmt.Errorf("pipeline already %s", p.State())
	}
	ctx, p.cancel = context.WithCancel(ctx)
	collectCtx, fed := context.WithCancel(ctx)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer fed()
		if err := p.feed(ctx); err != nil {
			p.setErr(fmt.Errorf("feed: %w", err))
			p.cancel()
		}
	}()
	go func() {
		defer p.wg.Done()
		if err := p.collect(ctx, collectCtx); err != nil {
			p.setErr(fmt.Errorf("collect: %w", err))
			p.cancel()
		}
	}()
	go func() {
		p.wg.Wait()
		p.state.Store(int32(PipelineStateStopped))
		close(p.done)
	}()
	return nil
}

// Wait blocks until the pipeline finishes and returns its errors.
func (p *Pipeline) Wait() error {
	if p.State() == PipelineStateIdle {
		return nil
	}
	<-p.done
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err.ErrorOrNil()
}

// Run starts the pipeline and waits for it.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	return p.Wait()
}

// Stop abandons in-flight frames and stops both goroutines.
func (p *Pipeline) Stop() error {
	if p.State() != PipelineStateRunning {
		return nil
	}
	p.cancel()
	if err := p.cfg.Pump.Flush(); err != nil {
		p.setErr(err)
	}
	<-p.done
	return nil
}

// Close stops the pipeline and closes source, pump and sink.
func (p *Pipeline) Close() error {
	p.Stop()

	var result *multierror.Error
	if err := p.cfg.Source.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close source: %w", err))
	}
	if err := p.cfg.Pump.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close pump: %w", err))
	}
	if err := p.cfg.Sink.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close sink: %w", err))
	}
	return result.ErrorOrNil()
}

// State returns the current pipeline state.
func (p *Pipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Pipeline) feed(ctx context.Context) error {
	for {
		f, err := p.cfg.Source.ReadFrame(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			p.log.Info("end of source")
			return p.drain(ctx)
		case errors.Is(err, ErrPublisherGone):
			if err := p.drain(ctx); err != nil {
				return err
			}
			continue
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}

		p.statsMu.Lock()
		p.stats.FramesRead++
		p.statsMu.Unlock()

		if err := p.negotiate(ctx, f); err != nil {
			return err
		}

		start := time.Now()
		err = p.cfg.Pump.Submit(ctx, f)
		elapsed := time.Since(start)
		switch {
		case err == nil:
			p.statsMu.Lock()
			p.stats.FramesSubmitted++
			p.stats.SubmitTimeUs += uint64(elapsed.Microseconds())
			p.statsMu.Unlock()
		case ctx.Err() != nil:
			return nil
		case IsFatal(err), errors.Is(err, ErrClosed), errors.Is(err, ErrNotOpen):
			return err
		default:
			p.statsMu.Lock()
			p.stats.FramesRejected++
			p.statsMu.Unlock()
			p.handleError(err)
		}
	}
}

// negotiate sets the input format before the first frame and whenever a
// source-following pipeline sees new geometry. Sources that do not know
// their format are sniffed from the frame itself.
func (p *Pipeline) negotiate(ctx context.Context, f *CodecFrame) error {
	want := p.cfg.Format
	if want.IsZero() {
		sf := p.cfg.Source.Format()
		want = FormatDescriptor{Fourcc: sf.Fourcc, Width: sf.Width, Height: sf.Height, FrameInterval: sf.FrameInterval}
		if want.Fourcc == 0 {
			p.fmtMu.Lock()
			active := p.active
			p.fmtMu.Unlock()
			if !active.IsZero() {
				return nil
			}
			codec := DetectVideoCodec(f.Input)
			if codec == VideoCodecUnknown {
				return fmt.Errorf("%w: cannot detect the codec of the first frame", ErrNoSupportedFormat)
			}
			want = FormatDescriptor{Fourcc: codec.Fourcc()}
			if fd, ok := ProbeStreamFormat(codec, f.Input); ok {
				want = fd
			}
			p.log.Info("input format detected", "format", want)
		}
	}

	p.fmtMu.Lock()
	same := !p.active.IsZero() && p.active.Equal(want)
	p.fmtMu.Unlock()
	if same {
		return nil
	}

	changed, err := p.cfg.Pump.SetFormat(ctx, want)
	if err != nil {
		return fmt.Errorf("set format %s: %w", want, err)
	}
	p.fmtMu.Lock()
	renegotiated := !p.active.IsZero() && changed
	p.active = want
	p.fmtMu.Unlock()
	if renegotiated {
		p.statsMu.Lock()
		p.stats.Renegotiations++
		p.statsMu.Unlock()
	}
	return nil
}

func (p *Pipeline) drain(ctx context.Context) error {
	if err := p.cfg.Pump.Drain(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("drain: %w", err)
	}
	p.statsMu.Lock()
	p.stats.Drains++
	p.statsMu.Unlock()
	return nil
}

// collect writes completions until ctx ends or feeding finished (fed
// cancelled), then writes whatever the drain left behind.
func (p *Pipeline) collect(ctx, fed context.Context) error {
	for {
		f, err := p.cfg.Pump.NextCompleted(fed)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fed.Err() == nil {
				return err
			}
			for {
				f, ok := p.cfg.Pump.PollCompleted()
				if !ok {
					return nil
				}
				p.write(f)
			}
		}
		p.write(f)
	}
}

func (p *Pipeline) write(f *CodecFrame) {
	defer f.Release()

	start := time.Now()
	err := p.cfg.Sink.WriteFrame(f)
	elapsed := time.Since(start)
	if err != nil {
		p.handleError(fmt.Errorf("sink: %w", err))
		return
	}

	p.statsMu.Lock()
	p.stats.FramesWritten++
	p.stats.BytesWritten += uint64(len(f.Output))
	p.stats.WriteTimeUs += uint64(elapsed.Microseconds())
	if f.Keyframe {
		p.stats.KeyframesWritten++
	}
	p.statsMu.Unlock()
}

func (p *Pipeline) setErr(err error) {
	p.errMu.Lock()
	p.err = multierror.Append(p.err, err)
	p.errMu.Unlock()
}

func (p *Pipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()

	p.log.Warn("pipeline error", "error", err)
	if cb := p.cfg.OnError; cb != nil {
		go cb(err)
	}
}
