package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/frame"
)

var errDeviceClosed = errors.New("capture: device closed")

// gstSource selects the head of a GStreamer pipeline.
type gstSource int

const (
	gstSourceV4L2 gstSource = iota
	gstSourceRTSP
	gstSourceTest // videotestsrc, used when no camera is attached
)

// GstBackend captures through a GStreamer appsink pipeline:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGB) → appsink
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale → capsfilter(RGB) → appsink
type GstBackend struct {
	name   string
	source gstSource
}

// NewGstV4L2Backend returns the gst-v4l2 device backend.
func NewGstV4L2Backend() *GstBackend {
	return &GstBackend{name: "gst-v4l2", source: gstSourceV4L2}
}

// NewGstRTSPBackend returns the gst-rtsp network backend.
func NewGstRTSPBackend() *GstBackend {
	return &GstBackend{name: "gst-rtsp", source: gstSourceRTSP}
}

// Name implements Backend
func (b *GstBackend) Name() string { return b.name }

// Open builds the pipeline, sets it to PLAYING and returns a device that
// yields frames from the appsink.
func (b *GstBackend) Open(ctx context.Context, t Target) (Device, error) {
	if err := checkGStreamerAvailable(); err != nil {
		return nil, err
	}
	if t.Width <= 0 || t.Height <= 0 {
		return nil, fmt.Errorf("capture: %s requires an explicit frame size", b.name)
	}
	if b.source == gstSourceRTSP && t.Source == nil {
		return nil, fmt.Errorf("capture: %s requires a network source", b.name)
	}

	pipeline, sink, err := b.createPipeline(t)
	if err != nil {
		return nil, err
	}

	d := &gstDevice{
		backend:  b.name,
		pipeline: pipeline,
		width:    t.Width,
		height:   t.Height,
		frames:   make(chan frame.Frame, 1),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("capture: failed to start %s pipeline: %w", b.name, err)
	}

	d.wg.Add(1)
	go d.monitorBus()

	// Closing on ctx keeps an abandoned Open from leaking the pipeline.
	go func() {
		select {
		case <-ctx.Done():
			_ = d.Close()
		case <-d.done:
		}
	}()

	slog.Debug("capture: gst pipeline playing", "backend", b.name, "device", t.Device)
	return d, nil
}

func (b *GstBackend) createPipeline(t Target) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("capture: failed to create pipeline: %w", err)
	}

	var head []*gst.Element
	switch b.source {
	case gstSourceV4L2:
		src, err := gst.NewElement("v4l2src")
		if err != nil {
			return nil, nil, fmt.Errorf("capture: failed to create v4l2src: %w", err)
		}
		src.SetProperty("device", fmt.Sprintf("/dev/video%d", t.Device))
		head = append(head, src)

	case gstSourceTest:
		src, err := gst.NewElement("videotestsrc")
		if err != nil {
			return nil, nil, fmt.Errorf("capture: failed to create videotestsrc: %w", err)
		}
		src.SetProperty("is-live", true)
		head = append(head, src)

	case gstSourceRTSP:
		src, err := gst.NewElement("rtspsrc")
		if err != nil {
			return nil, nil, fmt.Errorf("capture: failed to create rtspsrc: %w", err)
		}
		// Credentials go through properties so the location never carries them.
		src.SetProperty("location", t.Source.Location())
		if t.Source.Username != "" {
			src.SetProperty("user-id", t.Source.Username)
			src.SetProperty("user-pw", t.Source.Password)
		}
		src.SetProperty("protocols", 4) // TCP only
		src.SetProperty("latency", 200)
		src.SetProperty("tcp-timeout", uint64(10000000))

		depay, err := gst.NewElement("rtph264depay")
		if err != nil {
			return nil, nil, fmt.Errorf("capture: failed to create rtph264depay: %w", err)
		}
		depay.SetProperty("request-keyframe", true)

		decoder, err := gst.NewElement("avdec_h264")
		if err != nil {
			return nil, nil, fmt.Errorf("capture: failed to create avdec_h264: %w", err)
		}
		decoder.SetProperty("output-corrupt", false)

		// rtspsrc has dynamic pads, linked once they appear.
		src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
			linkDynamicPad(srcPad, depay)
		})
		if err := pipeline.Add(src); err != nil {
			return nil, nil, fmt.Errorf("capture: failed to add rtspsrc: %w", err)
		}
		head = append(head, depay, decoder)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("capture: failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("capture: failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("capture: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rgbCaps(t.Width, t.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("capture: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)    // No sync with clock (real-time)
	sink.SetProperty("max-buffers", 1) // Keep only latest frame
	sink.SetProperty("drop", true)     // Drop old frames

	chain := append(head, convert, scale, capsfilter, sink.Element)
	if err := pipeline.AddMany(chain...); err != nil {
		return nil, nil, fmt.Errorf("capture: failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, nil, fmt.Errorf("capture: failed to link pipeline elements: %w", err)
	}

	return pipeline, sink, nil
}

func rgbCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}

func linkDynamicPad(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("capture: failed to get sink pad for dynamic link")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("capture: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
	}
}

// gstDevice bridges appsink callbacks and bus messages to a blocking Read.
type gstDevice struct {
	backend  string
	pipeline *gst.Pipeline
	width    int
	height   int

	frames chan frame.Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	framesDropped atomic.Uint64
}

// onNewSample copies the appsink buffer into a frame. GStreamer reuses the
// buffer, so the copy is mandatory.
func (d *gstDevice) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	pixels := packRows(data, d.width, d.height)
	buffer.Unmap()

	if pixels == nil {
		slog.Warn("capture: unexpected buffer size",
			"backend", d.backend,
			"size_bytes", len(data),
			"width", d.width,
			"height", d.height,
		)
		return gst.FlowOK
	}

	f := frame.Frame{
		Timestamp: time.Now(),
		Width:     d.width,
		Height:    d.height,
		Data:      pixels,
	}

	// Non-blocking: the reader only cares about the newest frame.
	select {
	case d.frames <- f:
	default:
		d.framesDropped.Add(1)
	}
	return gst.FlowOK
}

// packRows copies an RGB buffer into a tightly packed one. GStreamer pads
// rows to a 4-byte stride, so width*3 is not always the row length.
func packRows(data []byte, width, height int) []byte {
	row := width * frame.BytesPerPixel
	if len(data) == row*height {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}
	if height == 0 || len(data)%height != 0 {
		return nil
	}
	stride := len(data) / height
	if stride < row {
		return nil
	}
	out := make([]byte, row*height)
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out
}

// monitorBus turns EOS and error messages into Read errors.
func (d *gstDevice) monitorBus() {
	defer d.wg.Done()

	bus := d.pipeline.GetPipelineBus()
	for {
		select {
		case <-d.done:
			return
		default:
		}

		// Short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			d.fail(fmt.Errorf("capture: %s end of stream", d.backend))
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyPipelineError(gerr.Error(), gerr.DebugString())
			slog.Error("capture: pipeline error",
				"backend", d.backend,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			d.fail(fmt.Errorf("capture: pipeline error [%s]: %s", category.String(), gerr.Error()))
			return
		}
	}
}

func (d *gstDevice) fail(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

// Read implements Device
func (d *gstDevice) Read() (frame.Frame, error) {
	select {
	case f := <-d.frames:
		return f, nil
	case err := <-d.errs:
		return frame.Frame{}, err
	case <-d.done:
		return frame.Frame{}, errDeviceClosed
	}
}

// Close implements Device. Idempotent.
func (d *gstDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
		if serr := d.pipeline.SetState(gst.StateNull); serr != nil {
			err = fmt.Errorf("capture: failed to set pipeline to NULL: %w", serr)
		}
		if dropped := d.framesDropped.Load(); dropped > 0 {
			slog.Debug("capture: gst device closed", "backend", d.backend, "frames_dropped", dropped)
		}
	})
	return err
}

var (
	gstOnce sync.Once
	gstErr  error
)

// checkGStreamerAvailable initializes GStreamer once and verifies that a
// basic element can be created.
func checkGStreamerAvailable() error {
	gstOnce.Do(func() {
		gst.Init(nil)
		elem, err := gst.NewElement("fakesrc")
		if err != nil {
			gstErr = fmt.Errorf("capture: GStreamer not available or not properly installed: %w", err)
			return
		}
		elem.SetState(gst.StateNull)
	})
	return gstErr
}
