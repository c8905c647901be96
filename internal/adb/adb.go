// Package adb shells out to the host adb binary. Every call carries its own
// deadline so a wedged adb server can never stall a collector or executor
// goroutine.
package adb

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Per-call timeouts. Metrics queries are cheap shell reads; screenshots and
// pushes move real data.
const (
	QueryTimeout      = 5 * time.Second
	ScreenshotTimeout = 10 * time.Second
	ShellTimeout      = 30 * time.Second
	TransferTimeout   = 60 * time.Second
)

var (
	resolutionRe = regexp.MustCompile(`(\d+x\d+)`)
	batteryRe    = regexp.MustCompile(`level:\s*(\d+)`)
	numericRe    = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)
)

// Client runs adb commands against attached devices.
type Client struct {
	bin string
}

// New returns a Client using the given adb binary path ("adb" when empty).
func New(bin string) *Client {
	if strings.TrimSpace(bin) == "" {
		bin = "adb"
	}
	return &Client{bin: bin}
}

func (c *Client) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	if c == nil {
		return "", errors.New("adb client is nil")
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(runCtx, c.bin, args...).CombinedOutput()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", errors.Wrapf(runCtx.Err(), "adb %s timed out after %s", strings.Join(args, " "), timeout)
	}
	if err != nil {
		return "", errors.Wrapf(err, "adb %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Devices returns the serials currently attached and authorized. Rows whose
// state column is offline or unauthorized are excluded.
func (c *Client) Devices(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, QueryTimeout, "devices", "-l")
	if err != nil {
		return nil, err
	}
	return ParseDevicesOutput(out), nil
}

// Shell runs a shell command on the device and returns its combined output.
func (c *Client) Shell(ctx context.Context, serial string, cmd ...string) (string, error) {
	if strings.TrimSpace(serial) == "" {
		return "", errors.New("adb shell: empty serial")
	}
	args := append([]string{"-s", serial, "shell"}, cmd...)
	return c.run(ctx, ShellTimeout, args...)
}

// Getprop reads a single system property.
func (c *Client) Getprop(ctx context.Context, serial, prop string) (string, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "getprop", prop)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Model returns ro.product.model.
func (c *Client) Model(ctx context.Context, serial string) (string, error) {
	return c.Getprop(ctx, serial, "ro.product.model")
}

// AndroidVersion returns ro.build.version.release.
func (c *Client) AndroidVersion(ctx context.Context, serial string) (string, error) {
	return c.Getprop(ctx, serial, "ro.build.version.release")
}

// ScreenSize parses the WxH pair out of `wm size`.
func (c *Client) ScreenSize(ctx context.Context, serial string) (string, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "wm", "size")
	if err != nil {
		return "", err
	}
	if m := resolutionRe.FindString(out); m != "" {
		return m, nil
	}
	return "", errors.Errorf("adb wm size: no resolution in %q", strings.TrimSpace(out))
}

// BatteryLevel parses `level: N` out of dumpsys battery.
func (c *Client) BatteryLevel(ctx context.Context, serial string) (int, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "dumpsys", "battery")
	if err != nil {
		return 0, err
	}
	m := batteryRe.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.New("adb dumpsys battery: no level line")
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, errors.Wrap(err, "adb dumpsys battery: parse level")
	}
	return level, nil
}

// BatteryTemperature parses `temperature: N` (tenths of °C) out of dumpsys
// battery and returns degrees Celsius.
func (c *Client) BatteryTemperature(ctx context.Context, serial string) (float64, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "dumpsys", "battery")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "temperature:") {
			continue
		}
		raw := strings.TrimSpace(strings.TrimPrefix(line, "temperature:"))
		tenths, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, errors.Wrap(err, "adb dumpsys battery: parse temperature")
		}
		return tenths / 10, nil
	}
	return 0, errors.New("adb dumpsys battery: no temperature line")
}

// CPUPercent samples overall cpu usage from `dumpsys cpuinfo`'s TOTAL line.
func (c *Client) CPUPercent(ctx context.Context, serial string) (float64, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "dumpsys", "cpuinfo")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "TOTAL") {
			continue
		}
		if m := numericRe.FindString(line); m != "" {
			return strconv.ParseFloat(m, 64)
		}
	}
	return 0, errors.New("adb dumpsys cpuinfo: no TOTAL line")
}

// MemPercent computes used-memory percentage from /proc/meminfo.
func (c *Client) MemPercent(ctx context.Context, serial string) (float64, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "cat", "/proc/meminfo")
	if err != nil {
		return 0, err
	}
	total, avail := 0.0, 0.0
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[0], "MemTotal"):
			total = val
		case strings.HasPrefix(fields[0], "MemAvailable"):
			avail = val
		}
	}
	if total <= 0 {
		return 0, errors.New("adb /proc/meminfo: missing MemTotal")
	}
	return (total - avail) / total * 100, nil
}

// StoragePercent parses the /data filesystem use% from `df /data`.
func (c *Client) StoragePercent(ctx context.Context, serial string) (float64, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "df", "/data")
	if err != nil {
		return 0, err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, errors.New("adb df /data: short output")
	}
	fields := strings.Fields(lines[len(lines)-1])
	for i := len(fields) - 1; i >= 0; i-- {
		if strings.HasSuffix(fields[i], "%") {
			return strconv.ParseFloat(strings.TrimSuffix(fields[i], "%"), 64)
		}
	}
	return 0, errors.New("adb df /data: no use%% column")
}

// NetworkStatus classifies device connectivity from `dumpsys connectivity`.
// Returns "connected", "limited" (validated=false), or "disconnected".
func (c *Client) NetworkStatus(ctx context.Context, serial string) (string, error) {
	out, err := c.run(ctx, QueryTimeout, "-s", serial, "shell", "dumpsys", "connectivity")
	if err != nil {
		return "", err
	}
	if !strings.Contains(out, "state: CONNECTED") && !strings.Contains(out, "CONNECTED/CONNECTED") {
		return "disconnected", nil
	}
	if strings.Contains(out, "VALIDATED") {
		return "connected", nil
	}
	return "limited", nil
}

// Screencap captures the device screen into hostPath.
func (c *Client) Screencap(ctx context.Context, serial, hostPath string) error {
	const devicePath = "/sdcard/.fleet_screencap.png"
	if _, err := c.run(ctx, ScreenshotTimeout, "-s", serial, "shell", "screencap", "-p", devicePath); err != nil {
		return err
	}
	if _, err := c.run(ctx, ScreenshotTimeout, "-s", serial, "pull", devicePath, hostPath); err != nil {
		return err
	}
	_, _ = c.run(ctx, QueryTimeout, "-s", serial, "shell", "rm", "-f", devicePath)
	return nil
}

// Push copies a host file onto the device.
func (c *Client) Push(ctx context.Context, serial, hostPath, devicePath string) error {
	_, err := c.run(ctx, TransferTimeout, "-s", serial, "push", hostPath, devicePath)
	return err
}

// InputTap injects a tap at the given coordinates.
func (c *Client) InputTap(ctx context.Context, serial string, x, y int) error {
	_, err := c.run(ctx, ShellTimeout, "-s", serial, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// InputText types the given text.
func (c *Client) InputText(ctx context.Context, serial, text string) error {
	_, err := c.run(ctx, ShellTimeout, "-s", serial, "shell", "input", "text", escapeInputText(text))
	return err
}

// InputSwipe injects a swipe gesture.
func (c *Client) InputSwipe(ctx context.Context, serial string, x1, y1, x2, y2, durationMs int) error {
	_, err := c.run(ctx, ShellTimeout, "-s", serial, "shell", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMs))
	return err
}

// input text treats spaces as argument separators.
func escapeInputText(text string) string {
	return strings.ReplaceAll(text, " ", "%s")
}

// ParseDevicesOutput is exported for tests; it applies the same row filter as
// Devices to an already-captured `adb devices -l` dump.
func ParseDevicesOutput(out string) []string {
	var serials []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] != "device" {
			continue
		}
		serials = append(serials, fields[0])
	}
	return serials
}

// String implements fmt.Stringer for log fields.
func (c *Client) String() string {
	if c == nil {
		return "adb(nil)"
	}
	return fmt.Sprintf("adb(%s)", c.bin)
}
