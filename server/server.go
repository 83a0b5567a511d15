// Package server - HTTP detection endpoint.
//
// POST /v1/detect accepts one or more encoded images (JPEG, PNG or WebP), either
// as the raw request body or as multipart "image" parts, and returns one
// detection list per image, in request order.
package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nvr-ai/go-detgraph/errdefs"
	"github.com/nvr-ai/go-detgraph/images"
	"github.com/nvr-ai/go-detgraph/logger"
	"github.com/nvr-ai/go-detgraph/postprocess"
	"github.com/nvr-ai/go-detgraph/profiler"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// maxBodyBytes bounds a detect request.
const maxBodyBytes = 32 << 20

// Detector is implemented by in-process pipelines and artifact runners.
type Detector interface {
	Detect(ctx context.Context, imgs []images.Image) ([][]postprocess.Detection, error)
}

// Options configures a Server.
type Options struct {
	Log      logrus.FieldLogger
	Profiler *profiler.Profiler
	// Labels names class indices in responses; missing names are omitted.
	Labels []string
	// MaxImages caps the images of one request; 0 means 16.
	MaxImages int
}

// Server serves a Detector over HTTP.
type Server struct {
	det    Detector
	opts   Options
	log    logrus.FieldLogger
	engine *gin.Engine
}

// DetectionJSON is one detection in a response.
type DetectionJSON struct {
	Box   [4]float32 `json:"box"`
	Score float32    `json:"score"`
	Label int        `json:"label"`
	Name  string     `json:"name,omitempty"`
}

// ImageJSON is one image's result.
type ImageJSON struct {
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Detections []DetectionJSON `json:"detections"`
}

// DetectResponse is the body of a successful detect request.
type DetectResponse struct {
	RequestID string      `json:"request_id"`
	Images    []ImageJSON `json:"images"`
	ElapsedMS float64     `json:"elapsed_ms"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// New returns a server for det.
func New(det Detector, opts Options) *Server {
	if opts.MaxImages <= 0 {
		opts.MaxImages = 16
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{det: det, opts: opts, log: logger.OrDiscard(opts.Log), engine: gin.New()}
	s.engine.Use(gin.Recovery(), s.requestID, s.accessLog)
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/v1/stats", s.stats)
	s.engine.POST("/v1/detect", s.detect)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("server: listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "serve")
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	return nil
}

func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	c.Set(RequestIDHeader, id)
	c.Header(RequestIDHeader, id)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"request_id": c.GetString(RequestIDHeader),
		"method":     c.Request.Method,
		"path":       c.FullPath(),
		"status":     c.Writer.Status(),
		"elapsed":    time.Since(start),
	}).Debug("server: request")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	stats := s.opts.Profiler.Stats()
	if stats == nil {
		stats = []profiler.Stat{}
	}
	c.JSON(http.StatusOK, gin.H{"operations": stats})
}

func (s *Server) detect(c *gin.Context) {
	id := c.GetString(RequestIDHeader)
	start := time.Now()

	payloads, err := s.payloads(c)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	imgs := make([]images.Image, len(payloads))
	for i, p := range payloads {
		img, err := images.Decode(p)
		if err != nil {
			s.fail(c, http.StatusBadRequest, errors.Wrapf(err, "image %d", i))
			return
		}
		imgs[i] = img
	}

	dets, err := s.det.Detect(c.Request.Context(), imgs)
	if err != nil {
		status := http.StatusInternalServerError
		if errdefs.Is(err, errdefs.ErrInvalidInputShape) {
			status = http.StatusUnprocessableEntity
		}
		s.fail(c, status, err)
		return
	}

	resp := DetectResponse{RequestID: id, Images: make([]ImageJSON, len(imgs))}
	for i, img := range imgs {
		out := ImageJSON{Width: img.Width(), Height: img.Height(), Detections: make([]DetectionJSON, len(dets[i]))}
		for j, d := range dets[i] {
			out.Detections[j] = DetectionJSON{
				Box:   [4]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
				Score: d.Score,
				Label: d.Label,
				Name:  s.label(d.Label),
			}
		}
		resp.Images[i] = out
	}
	resp.ElapsedMS = float64(time.Since(start).Microseconds()) / 1000
	c.JSON(http.StatusOK, resp)
}

// payloads reads the encoded images from a multipart form or the raw body.
func (s *Server) payloads(c *gin.Context) ([][]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	if c.ContentType() == "multipart/form-data" {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, errors.Wrap(err, "parse multipart form")
		}
		files := form.File["image"]
		if len(files) == 0 {
			return nil, errors.New(`multipart form has no "image" parts`)
		}
		if len(files) > s.opts.MaxImages {
			return nil, errors.Errorf("%d images exceed the limit of %d", len(files), s.opts.MaxImages)
		}
		out := make([][]byte, len(files))
		for i, fh := range files {
			f, err := fh.Open()
			if err != nil {
				return nil, errors.Wrapf(err, "open part %d", i)
			}
			out[i], err = io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "read part %d", i)
			}
		}
		return out, nil
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(body) == 0 {
		return nil, errors.New("empty request body")
	}
	return [][]byte{body}, nil
}

func (s *Server) label(i int) string {
	if i >= 0 && i < len(s.opts.Labels) {
		return s.opts.Labels[i]
	}
	return ""
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	id := c.GetString(RequestIDHeader)
	s.log.WithError(err).WithFields(logrus.Fields{"request_id": id, "status": status}).Warn("server: detect failed")
	c.AbortWithStatusJSON(status, ErrorResponse{RequestID: id, Error: err.Error()})
}
