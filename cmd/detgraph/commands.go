package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-detgraph/benchmark"
	"github.com/nvr-ai/go-detgraph/capture"
	"github.com/nvr-ai/go-detgraph/config"
	"github.com/nvr-ai/go-detgraph/export"
	"github.com/nvr-ai/go-detgraph/extractor"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/inference"
	"github.com/nvr-ai/go-detgraph/inference/providers"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/pipeline"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/nvr-ai/go-detgraph/profiler"
	"github.com/nvr-ai/go-detgraph/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// common holds the flags shared by detect, export and serve.
type common struct {
	configPath string
	backbone   string
	capture    string
	artifact   string
	provider   string
	seed       int64
	strategy   string
	profile    bool
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file (defaults when empty)")
	fs.StringVar(&c.backbone, "backbone", "", "ONNX backbone model; a seeded projection backbone is used when empty")
	fs.StringVar(&c.capture, "capture", "", "graph-capture artifact to run instead of building from -config")
	fs.StringVar(&c.artifact, "artifact", "", "exported ONNX artifact to run on ONNX Runtime")
	fs.StringVar(&c.provider, "provider", "cpu", "ONNX Runtime execution provider")
	fs.Int64Var(&c.seed, "seed", 1, "projection backbone seed")
	fs.StringVar(&c.strategy, "strategy", "", "in-process suppression strategy override (native or matrix)")
	fs.BoolVar(&c.profile, "profile", false, "log per-stage timings on exit")
}

// env is what a command needs once flags are parsed.
type env struct {
	cfg   config.Config
	log   *logrus.Logger
	prof  *profiler.Profiler
	prov  providers.Config
	close []io.Closer
}

func (c *common) env() (*env, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return nil, err
		}
	}
	backend, err := providers.ParseBackend(c.provider)
	if err != nil {
		return nil, err
	}
	e := &env{
		cfg:  cfg,
		log:  logger.New(cfg.Logging),
		prov: providers.Config{Backend: backend, Fallback: true},
	}
	if c.profile {
		e.prof = profiler.New(profiler.Options{})
	}
	return e, nil
}

func (e *env) Close() {
	for i := len(e.close) - 1; i >= 0; i-- {
		_ = e.close[i].Close()
	}
	e.prof.Report(e.log)
}

// pipeline builds the in-process pipeline from a capture or from the configuration.
func (c *common) pipeline(e *env) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{pipeline.WithLogger(e.log), pipeline.WithProfiler(e.prof)}
	if c.strategy != "" {
		kind, err := postprocess.ParseStrategy(c.strategy)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithStrategy(kind))
	}

	if c.capture != "" {
		p, _, err := export.LoadCapture(c.capture, inference.Resolver(e.prov, e.log), opts...)
		if err != nil {
			return nil, err
		}
		if cl, ok := p.Extractor().(io.Closer); ok {
			e.close = append(e.close, cl)
		}
		return p, nil
	}

	var ex pipeline.FeatureExtractor
	if c.backbone != "" {
		backbone, err := inference.NewExtractor(c.backbone, e.prov, e.log)
		if err != nil {
			return nil, err
		}
		e.close = append(e.close, backbone)
		ex = backbone
	} else {
		set, err := e.cfg.AnchorSet()
		if err != nil {
			return nil, err
		}
		ex = extractor.Random(set, e.cfg.NumClasses, c.seed)
	}
	return pipeline.New(e.cfg, ex, opts...)
}

// detector returns an artifact runner when -artifact is set, else a pipeline.
func (c *common) detector(e *env) (server.Detector, error) {
	if c.artifact == "" {
		return c.pipeline(e)
	}
	r, err := inference.NewRunner(c.artifact, e.prov, e.log)
	if err != nil {
		return nil, err
	}
	e.close = append(e.close, r)
	return r, nil
}

type imageResult struct {
	Source     string                  `json:"source"`
	Frame      int                     `json:"frame,omitempty"`
	Detections []postprocess.Detection `json:"detections"`
}

func runDetect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	var c common
	c.register(fs)
	video := fs.String("video", "", "video file, stream URL or camera index to read frames from")
	every := fs.Int("every", 1, "detect on every n-th video frame")
	batch := fs.Int("batch", 8, "images per detection pass")
	_ = fs.Parse(args)

	e, err := c.env()
	if err != nil {
		return err
	}
	defer e.Close()
	det, err := c.detector(e)
	if err != nil {
		return err
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)

	if *video != "" {
		src, err := capture.Open(*video, e.log)
		if err != nil {
			return err
		}
		defer src.Close()
		return src.Frames(ctx, *every, func(i int, img images.Image) error {
			dets, err := det.Detect(ctx, []images.Image{img})
			if err != nil {
				return errors.Wrapf(err, "frame %d", i)
			}
			return enc.Encode(imageResult{Source: *video, Frame: i, Detections: dets[0]})
		})
	}

	paths := fs.Args()
	if len(paths) == 0 {
		return errors.New("detect needs image paths or -video")
	}
	for start := 0; start < len(paths); start += max(*batch, 1) {
		chunk := paths[start:min(start+max(*batch, 1), len(paths))]
		imgs := make([]images.Image, len(chunk))
		for i, p := range chunk {
			data, err := os.ReadFile(p)
			if err != nil {
				return errors.Wrapf(err, "read %s", p)
			}
			if imgs[i], err = images.Decode(data); err != nil {
				return errors.Wrap(err, p)
			}
		}
		dets, err := det.Detect(ctx, imgs)
		if err != nil {
			return err
		}
		for i, p := range chunk {
			if err := enc.Encode(imageResult{Source: p, Detections: dets[i]}); err != nil {
				return err
			}
		}
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	var c common
	c.register(fs)
	target := fs.String("target", "", "graph-capture, interchange-format or fused-engine (config export_target when empty)")
	outPath := fs.String("out", "", "artifact path")
	nms := fs.String("nms", "", "suppression strategy for the artifact (config nms_strategy when empty)")
	opset := fs.Int("opset", 0, "default-domain opset (config onnx_opset when 0)")
	_ = fs.Parse(args)

	e, err := c.env()
	if err != nil {
		return err
	}
	defer e.Close()
	p, err := c.pipeline(e)
	if err != nil {
		return err
	}

	name := *target
	if name == "" {
		name = e.cfg.ExportTarget
	}
	t, err := export.ParseTarget(name)
	if err != nil {
		return err
	}
	art, err := export.NewAdapter(e.log).Export(ctx, p, export.Request{Target: t, Path: *outPath, Strategy: *nms, Opset: *opset})
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(art)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var c common
	c.register(fs)
	addr := fs.String("addr", ":8080", "listen address")
	labelsPath := fs.String("labels", "", "file with one class name per line")
	_ = fs.Parse(args)

	e, err := c.env()
	if err != nil {
		return err
	}
	defer e.Close()
	if e.prof == nil {
		e.prof = profiler.New(profiler.Options{})
	}
	det, err := c.detector(e)
	if err != nil {
		return err
	}

	var labels []string
	if *labelsPath != "" {
		data, err := os.ReadFile(*labelsPath)
		if err != nil {
			return errors.Wrapf(err, "read labels %s", *labelsPath)
		}
		labels = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	return server.New(det, server.Options{Log: e.log, Profiler: e.prof, Labels: labels}).Run(ctx, *addr)
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("inspect needs one artifact path")
	}
	info, err := export.Inspect(fs.Arg(0))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}

func runBench(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	var c common
	c.register(fs)
	batches := fs.String("batches", "1,4", "comma-separated batch sizes")
	iterations := fs.Int("iterations", 20, "measured iterations per scenario")
	outDir := fs.String("out", "", "directory to write the JSON results into")
	_ = fs.Parse(args)

	var sizes []int
	for _, f := range strings.Split(*batches, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return errors.Wrapf(err, "batch size %q", f)
		}
		sizes = append(sizes, n)
	}

	e, err := c.env()
	if err != nil {
		return err
	}
	defer e.Close()
	if e.prof == nil {
		e.prof = profiler.New(profiler.Options{})
	}
	det, err := c.detector(e)
	if err != nil {
		return err
	}

	suite := benchmark.NewSuite(det, e.prof, e.log)
	for _, sc := range benchmark.Scenarios(benchmark.CommonResolutions, sizes, *iterations) {
		suite.AddScenario(sc)
	}
	results, err := suite.Run(ctx)
	if err != nil {
		return err
	}
	if *outDir != "" {
		path, err := suite.SaveResults(*outDir)
		if err != nil {
			return err
		}
		e.log.WithField("path", path).Info("results written")
	}
	return json.NewEncoder(os.Stdout).Encode(results)
}
