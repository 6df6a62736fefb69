package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/stereo-capture/driver"
)

// pipelineConfig contains configuration for pipeline creation
type pipelineConfig struct {
	Source    Source
	Width     int
	Height    int
	Format    driver.PixelFormat
	FrameRate float64
}

// pipeline holds the GStreamer elements of one acquisition.
type pipeline struct {
	cfg      pipelineConfig
	pipeline *gst.Pipeline
	appsink  *app.Sink

	cancel context.CancelFunc
	wg     sync.WaitGroup

	samples atomic.Uint64
	errors  atomic.Uint64
}

// rawFormat maps a pixel format to its GStreamer raw video format.
func rawFormat(p driver.PixelFormat) (string, error) {
	switch p {
	case driver.PixelMono8:
		return "GRAY8", nil
	case driver.PixelMono16:
		return "GRAY16_LE", nil
	case driver.PixelRGB8:
		return "RGB", nil
	case driver.PixelBGR8:
		return "BGR", nil
	default:
		return "", fmt.Errorf("pixel format %q: %w", p, driver.ErrNotSupported)
	}
}

// buildCaps builds the appsink caps string.
//
// Handles fractional framerates:
//   - fps >= 1.0: framerate = fps/1 (e.g., 5.0 → 5/1)
//   - fps < 1.0: framerate = 1/(1/fps) (e.g., 0.5 → 1/2)
func buildCaps(cfg pipelineConfig) (string, error) {
	format, err := rawFormat(cfg.Format)
	if err != nil {
		return "", err
	}

	numerator, denominator := 1, 1
	if cfg.FrameRate < 1.0 {
		denominator = int(1.0 / cfg.FrameRate)
	} else {
		numerator = int(cfg.FrameRate)
	}

	return fmt.Sprintf(
		"video/x-raw,format=%s,width=%d,height=%d,framerate=%d/%d",
		format, cfg.Width, cfg.Height, numerator, denominator,
	), nil
}

// newPipeline creates the pipeline in NULL state. onSample receives the
// mapped bytes of each sample on the streaming thread; it must copy them.
func newPipeline(cfg pipelineConfig, onSample func([]byte)) (*pipeline, error) {
	capsStr, err := buildCaps(cfg)
	if err != nil {
		return nil, err
	}

	gstPipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	var src *gst.Element
	switch cfg.Source.Info.Interface {
	case "v4l2":
		src, err = gst.NewElement("v4l2src")
		if err != nil {
			return nil, fmt.Errorf("failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", cfg.Source.Device)
	case "test":
		src, err = gst.NewElement("videotestsrc")
		if err != nil {
			return nil, fmt.Errorf("failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		src.SetProperty("pattern", cfg.Source.Pattern)
	default:
		return nil, fmt.Errorf("source interface %q: %w", cfg.Source.Info.Interface, driver.ErrNotSupported)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	gstPipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	p := &pipeline{cfg: cfg, pipeline: gstPipeline, appsink: appsink}

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return p.onNewSample(sink, onSample)
		},
	})

	slog.Debug("gstreamer: pipeline created",
		"device", cfg.Source.Info.ID,
		"caps", capsStr,
	)
	return p, nil
}

// onNewSample maps the sample and hands its bytes to onSample. A bad sample
// is skipped rather than ending the stream.
func (p *pipeline) onNewSample(sink *app.Sink, onSample func([]byte)) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstreamer: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstreamer: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstreamer: empty buffer received")
		return gst.FlowOK
	}

	onSample(data)
	buffer.Unmap()

	p.samples.Add(1)
	return gst.FlowOK
}

// start sets the pipeline to PLAYING and starts the bus monitor.
func (p *pipeline) start() error {
	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		p.pipeline.SetState(gst.StateNull)
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.monitor(ctx)
	}()

	slog.Info("gstreamer: pipeline playing",
		"device", p.cfg.Source.Info.ID,
		"resolution", fmt.Sprintf("%dx%d", p.cfg.Width, p.cfg.Height),
		"format", p.cfg.Format,
		"fps", p.cfg.FrameRate,
	)
	return nil
}

// stop sets the pipeline to NULL. The appsink callback has returned for the
// last time when stop returns.
func (p *pipeline) stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("gstreamer: bus monitor did not stop in time", "device", p.cfg.Source.Info.ID)
	}

	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		slog.Error("gstreamer: failed to set pipeline to NULL", "device", p.cfg.Source.Info.ID, "error", err)
	}

	slog.Info("gstreamer: pipeline stopped",
		"device", p.cfg.Source.Info.ID,
		"samples", p.samples.Load(),
		"errors", p.errors.Load(),
	)
}

// monitor polls the pipeline bus until ctx is cancelled, an error is posted
// or the stream ends. The camera keeps its state; frames simply stop.
func (p *pipeline) monitor(ctx context.Context) {
	bus := p.pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("gstreamer: end of stream", "device", p.cfg.Source.Info.ID, "samples", p.samples.Load())
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			p.errors.Add(1)
			category := classify(gerr.Error(), gerr.DebugString())
			slog.Error("gstreamer: pipeline error",
				"device", p.cfg.Source.Info.ID,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"samples", p.samples.Load(),
			)
			return
		}
	}
}
