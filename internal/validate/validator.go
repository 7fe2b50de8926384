package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hlsget/hlsget/internal/utils"
)

// ErrValidation means the merged file failed the container, size, or
// duration probe. Fatal; triggers cleanup.
var ErrValidation = errors.New("output validation failed")

const (
	MinOutputSize  = 10 * 1024 * 1024 // 10MB
	MinDurationSec = 30.0
	probeTimeout   = 30 * time.Second
)

// imageFormats guards against CDNs serving an HTML or image error page
// disguised with a media extension.
var imageFormats = []string{"image", "png", "jpeg", "mjpeg", "gif", "webp", "bmp"}

// ProbeRunner produces ffprobe-style JSON for a media file. Swappable
// in tests.
type ProbeRunner func(ctx context.Context, path string) ([]byte, error)

type probeFormat struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

type Validator struct {
	runner ProbeRunner
}

func New() *Validator {
	return &Validator{runner: runFFprobe}
}

func NewWithRunner(runner ProbeRunner) *Validator {
	return &Validator{runner: runner}
}

// Check probes the merged file and returns a short diagnostic string
// alongside the verdict.
func (v *Validator) Check(ctx context.Context, path string) (string, error) {
	log := utils.GetLogger("validate")
	info, err := os.Stat(path)
	if err != nil {
		return "output file missing", fmt.Errorf("%w: output file missing: %v", ErrValidation, err)
	}
	if info.Size() < MinOutputSize {
		diag := fmt.Sprintf("output too small: %s", utils.FormatBytes(uint64(info.Size())))
		return diag, fmt.Errorf("%w: %s", ErrValidation, diag)
	}
	out, err := v.runner(ctx, path)
	if err != nil {
		return "probe failed", fmt.Errorf("%w: probing output: %v", ErrValidation, err)
	}
	var probe probeFormat
	if err := json.Unmarshal(out, &probe); err != nil {
		return "unparsable probe output", fmt.Errorf("%w: parsing probe output: %v", ErrValidation, err)
	}
	formatName := strings.ToLower(probe.Format.FormatName)
	for _, img := range imageFormats {
		if strings.Contains(formatName, img) {
			diag := fmt.Sprintf("container looks like an image: %s", formatName)
			return diag, fmt.Errorf("%w: %s", ErrValidation, diag)
		}
	}
	duration, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return "probe reported no duration", fmt.Errorf("%w: probe reported no duration", ErrValidation)
	}
	if duration < MinDurationSec {
		diag := fmt.Sprintf("duration too short: %.1fs", duration)
		return diag, fmt.Errorf("%w: %s", ErrValidation, diag)
	}
	diag := fmt.Sprintf("format=%s duration=%.1fs size=%s", formatName, duration, utils.FormatBytes(uint64(info.Size())))
	log.Debug().Str("diagnostic", diag).Msg("Output validated")
	return diag, nil
}

func runFFprobe(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %v", err)
	}
	cmd := exec.CommandContext(ctx, ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	return cmd.Output()
}
