package gstreamer

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineConfig contains configuration for the camera pipeline
type pipelineConfig struct {
	Device string
	Width  int
	Height int
	FPS    int
}

// pipelineElements holds the elements needed after construction
type pipelineElements struct {
	Pipeline   *gst.Pipeline
	Source     *gst.Element
	CapsFilter *gst.Element
	AppSink    *app.Sink
}

// createPipeline builds the camera pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGBA) → appsink
//
// The pipeline is left in the NULL state.
func createPipeline(cfg pipelineConfig) (*pipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)
	src.SetProperty("do-timestamp", true)

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
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // No sync with clock (real-time)
	appsink.SetProperty("max-buffers", 1) // Keep only latest frame
	appsink.SetProperty("drop", true)     // Drop old frames

	if err := pipeline.AddMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Debug("gstreamer: pipeline created",
		"device", cfg.Device,
		"caps", buildCaps(cfg.Width, cfg.Height, cfg.FPS),
	)

	return &pipelineElements{
		Pipeline:   pipeline,
		Source:     src,
		CapsFilter: capsfilter,
		AppSink:    appsink,
	}, nil
}

// setOutputSize locks the negotiated output resolution.
func setOutputSize(el *pipelineElements, width, height, fps int) {
	el.CapsFilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(width, height, fps)))
}

// destroyPipeline sets the pipeline to NULL, releasing the device.
// Safe to call more than once.
func destroyPipeline(el *pipelineElements) error {
	if el == nil || el.Pipeline == nil {
		return nil
	}
	if err := el.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps returns "video/x-raw,format=RGBA,width=W,height=H[,framerate=N/1]".
func buildCaps(width, height, fps int) string {
	caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return caps
}

// Available reports whether GStreamer and the v4l2 plugin can be loaded.
func Available() error {
	gst.Init(nil)
	elem, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("gstreamer: v4l2src not available: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
