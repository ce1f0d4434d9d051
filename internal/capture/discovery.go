package capture

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Device is a V4L2 capture device found on the host
type Device struct {
	ID     string `json:"id"`
	Path   string `json:"path"`
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
	Vendor string `json:"vendor,omitempty"`
}

// DeviceProber fills in device details; v4l2-ctl and sysfs by default
type DeviceProber func(devicePath string) Device

// DiscoverDevices lists video character devices under devDir
func DiscoverDevices(devDir string, probe DeviceProber) ([]Device, error) {
	if devDir == "" {
		devDir = "/dev"
	}
	if probe == nil {
		probe = ProbeDevice
	}

	paths, err := findVideoDevices(devDir)
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, probe(p))
	}
	return devices, nil
}

// findVideoDevices finds all video devices in devDir
func findVideoDevices(devDir string) ([]string, error) {
	pattern := filepath.Join(devDir, "video*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}

	var devices []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			devices = append(devices, match)
		}
	}
	sort.Strings(devices)
	return devices, nil
}

// ProbeDevice describes a device using v4l2-ctl, falling back to sysfs
func ProbeDevice(devicePath string) Device {
	dev := Device{
		ID:   "usb-" + filepath.Base(devicePath),
		Path: devicePath,
		Name: "USB Camera",
	}

	if _, err := exec.LookPath("v4l2-ctl"); err == nil {
		if output, err := exec.Command("v4l2-ctl", "--device", devicePath, "--info").Output(); err == nil {
			name, driver := parseV4L2Info(string(output))
			if name != "" {
				dev.Name = name
			}
			dev.Driver = driver
			return dev
		}
	}

	sysfs := filepath.Join("/sys/class/video4linux", filepath.Base(devicePath))
	if name, err := os.ReadFile(filepath.Join(sysfs, "name")); err == nil {
		dev.Name = strings.TrimSpace(string(name))
	}
	if vendor, err := os.ReadFile(filepath.Join(sysfs, "device", "../idVendor")); err == nil {
		dev.Vendor = strings.TrimSpace(string(vendor))
	}
	return dev
}

// parseV4L2Info extracts the card type and driver from `v4l2-ctl --info`
func parseV4L2Info(output string) (name, driver string) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Card type":
			name = strings.TrimSpace(value)
		case "Driver name":
			driver = strings.TrimSpace(value)
		}
	}
	return name, driver
}
