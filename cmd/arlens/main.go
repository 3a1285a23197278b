// Maps inference server detections for captured camera frames onto a display viewport, and
// renders or exports the resulting overlays.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sensorable/arlens"
)

// config holds the validated command line.
type config struct {
	ImageDir       string        `validate:"required"`
	ResponseDir    string        // Saved server responses.
	ServerURL      string        `validate:"omitempty,url"`
	Task           string        `validate:"oneof=detect caption all"`
	Class          string        `validate:"required"`
	ViewportWidth  int           `validate:"gt=0"`
	ViewportHeight int           `validate:"gt=0"`
	CorrectAspect  bool          // Apply letterbox correction.
	MinSize        int           `validate:"gte=1"`
	DropBelow      int           `validate:"gte=0"`
	AspectTol      float64       `validate:"gte=0"`
	MaxInFlight    int           `validate:"gte=1"`
	Timeout        time.Duration `validate:"gt=0"` // Per request.

	LabelMappings string // Comma-separated old=new label replacements.
	FilterLabels  string // Comma-separated labels to keep.

	ImageOutDir      string // Rendered overlays.
	ImageEncoding    string `validate:"oneof=jpg jpeg png"`
	ImageJPEGQuality int    `validate:"min=1,max=100"`
	SlothOutPath     string
	TFRecordOutPath  string
	TFRecordLabelMap string
	NumShards        int `validate:"gte=1"`

	Ping     bool   // Only probe the server.
	LogLevel string `validate:"oneof=debug info warn error"`
	LogDir   string
}

var (
	cfg config
	log = logrus.New()
)

// getEnv returns the environment variable key, or defaultVal if it is unset or empty.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parseDimensions parses "WxH".
func parseDimensions(s string) (width, height int, err error) {
	a := strings.Split(strings.ToLower(s), "x")
	if len(a) != 2 {
		return 0, 0, fmt.Errorf("invalid dimensions %q, expected WxH", s)
	}
	if width, err = strconv.Atoi(a[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid width in %q: %v", s, err)
	}
	if height, err = strconv.Atoi(a[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid height in %q: %v", s, err)
	}
	return width, height, nil
}

func init() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s:\n", filepath.Base(os.Args[0]))
		_, _ = fmt.Fprintln(os.Stderr, "  offline:\t-images <dir> -responses <dir> -viewport WxH")
		_, _ = fmt.Fprintln(os.Stderr, "  online:\t-images <dir> -server <url> -viewport WxH"+
			" [-responses <dir>]")
		_, _ = fmt.Fprintln(os.Stderr, "  probe:\t-server <url> -ping")
		_, _ = fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
}

// parseFlags fills cfg from the command line, with defaults taken from the environment and an
// optional .env file.
func parseFlags() {
	printUsageAndExit := func(msg ...interface{}) {
		log.Error(msg...)
		flag.Usage()
		os.Exit(1)
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	// Input arguments.
	flag.StringVar(&cfg.ImageDir, "images", getEnv("ARLENS_IMAGES", ""),
		"The `path` to the captured image directory")
	flag.StringVar(&cfg.ResponseDir, "responses", getEnv("ARLENS_RESPONSES", ""),
		"The `path` to saved server responses; read when -server is empty, written otherwise")
	flag.StringVar(&cfg.ServerURL, "server", getEnv("ARLENS_SERVER_URL", ""),
		"The inference server `url`; /process is appended when missing")
	flag.StringVar(&cfg.Task, "task", "detect", "The server task {detect, caption, all}")
	flag.StringVar(&cfg.Class, "class", arlens.DetectionClasses[0],
		"The object `class` to detect; also the label of unlabelled detections")
	flag.IntVar(&cfg.MaxInFlight, "max-inflight", arlens.DefaultMaxInFlight,
		"The maximum number of concurrent server requests")
	flag.DurationVar(&cfg.Timeout, "timeout", 30*time.Second, "The per request `timeout`")
	flag.BoolVar(&cfg.Ping, "ping", false, "Probe the server and exit")

	// Mapping arguments.
	viewport := flag.String("viewport", getEnv("ARLENS_VIEWPORT", ""),
		"The display viewport `WxH` in pixels")
	noCorrection := flag.Bool("no-aspect-correction", false,
		"Map detections directly, ignoring the capture aspect ratio")
	flag.IntVar(&cfg.MinSize, "min-size", arlens.DefaultMinSize,
		"Grow boxes to at least this many `pixels` per side")
	flag.IntVar(&cfg.DropBelow, "drop-below", arlens.DefaultDropBelow,
		"Drop boxes with fewer `pixels` per side after mapping")
	flag.Float64Var(&cfg.AspectTol, "aspect-tolerance", arlens.DefaultAspectTolerance,
		"Capture/viewport aspect `ratio` differences up to this are not corrected")
	flag.StringVar(&cfg.LabelMappings, "map-labels", "",
		"Comma-separated list of old=new label (sub-)string replacements")
	flag.StringVar(&cfg.FilterLabels, "filter-labels", "",
		"Comma-separated list of labels to keep (after map-labels; empty string keeps all)")

	// Output arguments.
	flag.StringVar(&cfg.ImageOutDir, "images-out", "",
		"The `path` to write rendered overlays to")
	flag.StringVar(&cfg.ImageEncoding, "image-enc", "jpg",
		"The `encoding` for rendered overlays {jpg, png}")
	flag.IntVar(&cfg.ImageJPEGQuality, "jpeg-quality", 90,
		"The quality to use when encoding JPEGs [1, 100]")
	flag.StringVar(&cfg.SlothOutPath, "sloth-out", "",
		"The Sloth `file` to write the viewport rects to")
	flag.StringVar(&cfg.TFRecordOutPath, "tfrecord-out", "",
		"The TFRecord `file` to write normalised detections to")
	flag.StringVar(&cfg.TFRecordLabelMap, "tfrecord-label-map-file", "",
		"The TFRecord label map file `path`")
	flag.IntVar(&cfg.NumShards, "num-shards", 1, "The number of TFRecord shard files to create")

	// Logging arguments.
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("ARLENS_LOG_LEVEL", "info"),
		"The log `level` {debug, info, warn, error}")
	flag.StringVar(&cfg.LogDir, "log-dir", getEnv("ARLENS_LOG_DIR", ""),
		"The `path` to write rotated log files to (empty disables file logging)")

	flag.Parse()
	cfg.CorrectAspect = !*noCorrection

	if cfg.Ping {
		if cfg.ServerURL == "" {
			printUsageAndExit("Missing -server argument")
		}
		if cfg.Timeout <= 0 {
			printUsageAndExit("The -timeout argument must be positive")
		}
		return
	}

	var err error
	if cfg.ViewportWidth, cfg.ViewportHeight, err = parseDimensions(*viewport); err != nil {
		printUsageAndExit(err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		printUsageAndExit("Invalid arguments: ", err)
	}

	// Cross-argument validation.
	if cfg.ServerURL == "" && cfg.ResponseDir == "" {
		printUsageAndExit("Either -server or -responses is required")
	}
	if cfg.TFRecordOutPath != "" && cfg.TFRecordLabelMap == "" {
		printUsageAndExit("Missing -tfrecord-label-map-file argument")
	}

	// Clean path arguments.
	cfg.ImageDir = filepath.Clean(cfg.ImageDir)
	if cfg.ImageOutDir != "" {
		cfg.ImageOutDir = filepath.Clean(cfg.ImageOutDir)
		if cfg.ImageOutDir == cfg.ImageDir {
			printUsageAndExit("The image input and output paths cannot be identical")
		}
	}
}

func main() {
	parseFlags()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log = arlens.NewLogger(level, cfg.LogDir)
	arlens.SetLogger(log)

	var client *arlens.Client
	if cfg.ServerURL != "" {
		client = arlens.NewClient(cfg.ServerURL, arlens.NewAdmission(cfg.MaxInFlight))
	}

	if cfg.Ping {
		status, err := pingServer(client, cfg.Timeout)
		if err != nil {
			log.Fatal("Server probe failed: ", err)
		}
		log.WithField("status", status).Info("Server probe finished")
		if status != arlens.StatusReady {
			os.Exit(1)
		}
		return
	}

	// Collect the frames, either from saved responses or from the server.
	var frames arlens.AnnotatedFrames
	if client != nil {
		frames, err = queryServer(client)
	} else {
		frames, err = arlens.FromCaptureDir(cfg.ResponseDir, cfg.ImageDir, cfg.Class)
	}
	if err != nil {
		log.Fatal("Failed to collect the frames: ", err)
	}

	// Map and filter labels.
	if cfg.LabelMappings != "" {
		if err := frames.MapLabels(strings.Split(cfg.LabelMappings, ",")); err != nil {
			log.Fatal("Failed to map labels: ", err)
		}
	}
	if cfg.FilterLabels != "" {
		frames.FilterLabels(strings.Split(cfg.FilterLabels, ","))
	}

	viewport := arlens.Dimensions{Width: cfg.ViewportWidth, Height: cfg.ViewportHeight}
	mapper := arlens.Mapper{
		MinSize:         cfg.MinSize,
		DropBelow:       cfg.DropBelow,
		AspectTolerance: cfg.AspectTol,
	}
	frames.Layout(viewport, mapper, cfg.CorrectAspect)

	for _, f := range frames {
		if f.Caption != "" {
			log.WithField("file", f.FilePath).Info("Caption: ", f.Caption)
		}
	}

	// Write the outputs.
	if cfg.ImageOutDir != "" {
		if err := os.MkdirAll(cfg.ImageOutDir, 0755); err != nil {
			log.Fatal("Cannot create the image output directory: ", err)
		}
		err := frames.RenderOverlays(cfg.ImageOutDir, viewport, cfg.ImageEncoding,
			cfg.ImageJPEGQuality)
		if err != nil {
			log.Fatal("Overlay rendering failed: ", err)
		}
	}
	if cfg.SlothOutPath != "" {
		if err := arlens.WriteSloth(cfg.SlothOutPath, arlens.ToSloth(frames)); err != nil {
			log.Fatal("Sloth export failed: ", err)
		}
		log.Infof("Successfully wrote rects for %d frames to %s", len(frames), cfg.SlothOutPath)
	}
	if cfg.TFRecordOutPath != "" {
		err := arlens.WriteTFRecord(cfg.TFRecordOutPath, cfg.TFRecordLabelMap, frames,
			cfg.NumShards)
		if err != nil {
			log.Fatal("TFRecord export failed: ", err)
		}
	}

	log.Info("Total number of frames: ", len(frames))
}

// pingServer probes the server, giving up after timeout.
func pingServer(client *arlens.Client, timeout time.Duration) (arlens.Status, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return client.Ping(ctx)
}

// queryServer sends every image in cfg.ImageDir to the server. At most cfg.MaxInFlight requests
// run at once, so explicit calls are never turned away by the client's admission limit. When
// cfg.ResponseDir is set, the responses are saved there.
func queryServer(client *arlens.Client) (arlens.AnnotatedFrames, error) {
	entries, err := os.ReadDir(cfg.ImageDir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			if e.Type().IsRegular() {
				paths = append(paths, filepath.Join(cfg.ImageDir, e.Name()))
			}
		}
	}
	log.Infof("Sending %d images to %s", len(paths), client.ServerURL())

	if cfg.ResponseDir != "" {
		if err := os.MkdirAll(cfg.ResponseDir, 0755); err != nil {
			return nil, err
		}
	}

	frames := make(arlens.AnnotatedFrames, len(paths))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.MaxInFlight)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			frame, data, err := arlens.LoadFrame(path)
			if err != nil {
				return err
			}

			reqCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			switch cfg.Task {
			case "detect":
				frame.Detections, err = client.DetectObjects(reqCtx, data, cfg.Class, false)
			case "caption":
				frame.Caption, err = client.Caption(reqCtx, data, false)
			case "all":
				var scene *arlens.Scene
				if scene, err = client.DetectAll(reqCtx, data, cfg.Class); err == nil {
					frame.Detections = scene.Objects
					frame.Caption = scene.Caption
					frame.Landmarks = scene.Landmarks
					for _, l := range scene.Landmarks {
						log.WithFields(logrus.Fields{"file": path, "score": l.Score}).
							Info("Landmark: ", l.Description)
					}
				}
			}
			if err != nil {
				return fmt.Errorf("request for %q failed: %w", path, err)
			}

			if cfg.ResponseDir != "" {
				if err := arlens.WriteResponse(cfg.ResponseDir, frame); err != nil {
					return err
				}
			}
			frames[i] = frame
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return frames, nil
}
