// Command detgraph runs, exports, serves and inspects detection pipelines.
//
// Usage:
//
//	detgraph detect  [flags] image...
//	detgraph export  [flags] -target interchange-format -out model.onnx
//	detgraph serve   [flags] -addr :8080
//	detgraph inspect artifact
//	detgraph bench   [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

const usage = `usage: detgraph <command> [flags]

commands:
  detect   run detection on images or a video source
  export   write a graph-capture, interchange-format or fused-engine artifact
  serve    serve POST /v1/detect over HTTP
  inspect  describe an artifact
  bench    time detection over synthetic scenarios
`

func main() {
	// .env may set ONNXRUNTIME_LIB; a missing file is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "detect":
		err = runDetect(ctx, args)
	case "export":
		err = runExport(ctx, args)
	case "serve":
		err = runServe(ctx, args)
	case "inspect":
		err = runInspect(args)
	case "bench":
		err = runBench(ctx, args)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "detgraph: %v\n", err)
		os.Exit(1)
	}
}
