package camera

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StillTools are the rpicam-apps still capture binaries, newest name first.
var StillTools = []string{"rpicam-still", "libcamera-still"}

var (
	// 0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)
	cameraLine = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[(\d+)x(\d+)(?:\s+(\d+)-bit)?(?:\s+([A-Z]+))?\]\s*(?:\((.*)\))?`)
	// Modes: 'SRGGB10_CSI2P' : 1536x864 [120.13 fps - (768, 432)/3072x1728 crop]
	modeFormat = regexp.MustCompile(`'([^']+)'\s*:`)
	modeSize   = regexp.MustCompile(`(\d+)x(\d+)\s*\[([\d.]+)\s*fps`)
)

// ResolveTool returns the first still capture tool found on PATH, or
// override when set.
func ResolveTool(r Runner, override string) (string, error) {
	candidates := StillTools
	if override != "" {
		candidates = []string{override}
	}
	for _, name := range candidates {
		if path, err := r.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: none of %s found in PATH", ErrNoCamera, strings.Join(candidates, ", "))
}

// List enumerates the cameras known to libcamera. path is the still tool
// as returned by ResolveTool.
func List(ctx context.Context, r Runner, path string) ([]Info, error) {
	if r == nil {
		r = ExecRunner{}
	}
	out, err := r.Run(ctx, path, "--list-cameras")
	if err != nil {
		return nil, fmt.Errorf("list cameras: %w", err)
	}
	return ParseCameraList(string(out)), nil
}

// ParseCameraList parses the output of "rpicam-still --list-cameras".
func ParseCameraList(out string) []Info {
	var (
		cams   []Info
		cur    = -1
		format string
	)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if m := cameraLine.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			w, _ := strconv.Atoi(m[3])
			h, _ := strconv.Atoi(m[4])
			bits, _ := strconv.Atoi(m[5])
			cams = append(cams, Info{
				Index:      idx,
				Model:      m[2],
				MaxSize:    Size{w, h},
				BitDepth:   bits,
				BayerOrder: m[6],
				ID:         m[7],
			})
			cur = len(cams) - 1
			format = ""
			continue
		}
		if cur < 0 {
			continue
		}
		if m := modeFormat.FindStringSubmatch(line); m != nil {
			format = m[1]
		}
		if m := modeSize.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			fps, _ := strconv.ParseFloat(m[3], 64)
			cams[cur].Modes = append(cams[cur].Modes, Mode{Format: format, Size: Size{w, h}, FPS: fps})
		}
	}
	return cams
}
