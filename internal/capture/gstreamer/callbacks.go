package gstreamer

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-edge-viewer/internal/capture"
)

// sampleContext holds the state needed by the appsink callback
type sampleContext struct {
	target    capture.Target
	width     int
	height    int
	seq       *atomic.Uint64
	bytesRead *atomic.Uint64
	// streaming gates delivery; false while the repeating request is stopped
	streaming *atomic.Bool
}

// onNewSample is called by GStreamer on its streaming thread for every frame.
//
// The buffer is copied because GStreamer reuses it; the copy is handed to
// the target, which must not block.
func onNewSample(sink *app.Sink, ctx *sampleContext) gst.FlowReturn {
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

	stride := ctx.width * 4
	if len(data) < stride*ctx.height {
		buffer.Unmap()
		slog.Warn("gstreamer: short buffer",
			"size_bytes", len(data),
			"want_bytes", stride*ctx.height,
		)
		return gst.FlowOK
	}

	pix := make([]byte, stride*ctx.height)
	copy(pix, data)
	buffer.Unmap()

	if !ctx.streaming.Load() {
		return gst.FlowOK
	}

	seq := ctx.seq.Add(1)
	ctx.bytesRead.Add(uint64(len(pix)))

	frame := capture.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     ctx.width,
		Height:    ctx.height,
		Stride:    stride,
		Pix:       pix,
		TraceID:   uuid.New().String(),
	}
	ctx.target.Deliver(frame)

	slog.Debug("gstreamer: frame delivered",
		"seq", frame.Seq,
		"size_bytes", len(pix),
		"trace_id", frame.TraceID,
	)
	return gst.FlowOK
}
