package upscale

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/hazyhaar/lanterne/frame"
)

// ModelUpscaler runs an external super-resolution model binary
// (realesrgan-ncnn style CLI: -i input.png -o output.png -s scale).
// The binary is an opaque black-box transform; when it misbehaves the
// Graceful wrapper takes over.
type ModelUpscaler struct {
	binary  string
	workDir string
}

// DetectModelBinary probes for the model binary at startup. name may be a
// bare command name (resolved via PATH) or an absolute path. Returns
// ErrModelUnavailable when not found, in which case callers take the
// DrawScaler path for the lifetime of the process.
func DetectModelBinary(name string) (string, error) {
	if name == "" {
		return "", ErrModelUnavailable
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return path, nil
}

// NewModelUpscaler creates an upscaler that shells out to binary, using
// workDir for temporary files. workDir is created if missing.
func NewModelUpscaler(binary, workDir string) (*ModelUpscaler, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("upscale: workdir: %w", err)
	}
	return &ModelUpscaler{binary: binary, workDir: workDir}, nil
}

// Name implements Upscaler.
func (m *ModelUpscaler) Name() string { return "model" }

// Upscale implements Upscaler. The buffer is written to a temp PNG, the
// model binary is run under ctx (killed on cancellation), and the result is
// decoded back. Temp files are removed on every path.
func (m *ModelUpscaler) Upscale(ctx context.Context, buf *frame.PixelBuffer, scale int) (*frame.PixelBuffer, error) {
	if scale < 1 {
		return nil, fmt.Errorf("upscale: invalid scale %d", scale)
	}

	tmp, err := os.MkdirTemp(m.workDir, "sr-")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %v", ErrModelUnavailable, err)
	}
	defer os.RemoveAll(tmp)

	in := filepath.Join(tmp, "in.png")
	out := filepath.Join(tmp, "out.png")

	encoded, err := frame.EncodePNG(buf)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(in, encoded, 0o644); err != nil {
		return nil, fmt.Errorf("%w: write input: %v", ErrModelUnavailable, err)
	}

	cmd := exec.CommandContext(ctx, m.binary, "-i", in, "-o", out, "-s", strconv.Itoa(scale))
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrModelUnavailable, err, truncate(output, 256))
	}

	result, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrModelUnavailable, err)
	}
	decoded, err := frame.Decode(result)
	if err != nil {
		return nil, fmt.Errorf("%w: decode output: %v", ErrModelUnavailable, err)
	}
	return decoded, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
