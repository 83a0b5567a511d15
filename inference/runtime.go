// Package inference - ONNX Runtime backed feature extraction and artifact execution.
package inference

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// LibraryEnv overrides the ONNX Runtime shared library location.
const LibraryEnv = "ONNXRUNTIME_LIB"

// SharedLibPath returns the ONNX Runtime shared library to load: explicit when set,
// then $ONNXRUNTIME_LIB, then the platform default under ./third_party.
func SharedLibPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(LibraryEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "third_party/onnxruntime.dll"
	case "darwin":
		return "third_party/libonnxruntime.dylib"
	}
	if runtime.GOARCH == "arm64" {
		return "third_party/onnxruntime_arm64.so"
	}
	return "third_party/onnxruntime.so"
}

var (
	initOnce sync.Once
	initErr  error
)

// InitRuntime loads the shared library and initializes the ORT environment once
// per process. Later calls return the first call's result, whatever their path.
func InitRuntime(libPath string) error {
	initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		path := SharedLibPath(libPath)
		if _, err := os.Stat(path); err != nil {
			initErr = errors.Wrapf(err, "onnx runtime library not found at %s (set %s)", path, LibraryEnv)
			return
		}
		ort.SetSharedLibraryPath(path)
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = errors.Wrap(err, "initialize onnx runtime environment")
		}
	})
	return initErr
}
