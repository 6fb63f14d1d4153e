package embeddings

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Device names accepted in configuration
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// ParseDevice normalises a configured device name
func ParseDevice(name string) (string, error) {
	switch d := strings.ToLower(strings.TrimSpace(name)); d {
	case "":
		return DeviceAuto, nil
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return d, nil
	default:
		return "", fmt.Errorf("%w: invalid device: %s (must be auto, cpu, or cuda)", ErrConfigError, name)
	}
}

// DeviceChoice records where inference runs and why
type DeviceChoice struct {
	Device string `json:"device"`
	Reason string `json:"reason"`
}

// CapabilityProbe reports whether an accelerator can be used, with the reason when not
type CapabilityProbe func() (bool, string)

// SelectDevice picks the inference device after asking probe whether CUDA is usable.
// "auto" falls back to the CPU; an explicit "cuda" request fails when CUDA is unavailable.
func SelectDevice(requested string, probe CapabilityProbe, logger *zap.Logger) (DeviceChoice, error) {
	device, err := ParseDevice(requested)
	if err != nil {
		return DeviceChoice{}, err
	}
	if device == DeviceCPU {
		choice := DeviceChoice{Device: DeviceCPU, Reason: "cpu requested"}
		logger.Info("Inference device selected", zap.String("device", choice.Device), zap.String("reason", choice.Reason))
		return choice, nil
	}

	available, reason := false, "no accelerator probe"
	if probe != nil {
		available, reason = probe()
	}

	var choice DeviceChoice
	switch {
	case available:
		choice = DeviceChoice{Device: DeviceCUDA, Reason: "cuda available"}
	case device == DeviceCUDA:
		return DeviceChoice{}, fmt.Errorf("%w: cuda requested but unavailable: %s", ErrConfigError, reason)
	default:
		choice = DeviceChoice{Device: DeviceCPU, Reason: "cuda unavailable: " + reason}
	}

	logger.Info("Inference device selected", zap.String("device", choice.Device), zap.String("reason", choice.Reason))
	return choice, nil
}
