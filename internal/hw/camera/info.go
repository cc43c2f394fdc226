package camera

import (
	"errors"
	"fmt"
	"strconv"
)

// DeviceInfo is the identity block a device reports about itself.
// Fields a device does not expose are left empty.
type DeviceInfo struct {
	Serial   string
	Vendor   string
	Model    string
	Firmware string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s %s (serial %s, firmware %s)", d.Vendor, d.Model, d.Serial, d.Firmware)
}

// Describe reads the device information nodes. Missing or unreadable
// nodes are skipped; the serial number falls back to h.ID().
func Describe(h Handle) DeviceInfo {
	read := func(name string) string {
		v, err := ReadString(h, name)
		if err != nil {
			return ""
		}
		return v
	}
	info := DeviceInfo{
		Serial:   read(NodeDeviceSerialNumber),
		Vendor:   read(NodeDeviceVendorName),
		Model:    read(NodeDeviceModelName),
		Firmware: read(NodeDeviceFirmwareVersion),
	}
	if info.Serial == "" {
		info.Serial = h.ID()
	}
	return info
}

// SetContinuous puts the device in continuous acquisition mode and returns
// the frame rate the device reports it will run at. A device that does not
// expose its resulting frame rate returns 0 without error.
func SetContinuous(h Handle) (float64, error) {
	if err := SetEnum(h, NodeAcquisitionMode, "Continuous"); err != nil {
		return 0, err
	}
	raw, err := ReadString(h, NodeResultingFrameRate)
	if err != nil {
		if errors.Is(err, ErrNodeUnavailable) || errors.Is(err, ErrNodeNotReadable) {
			return 0, nil
		}
		return 0, err
	}
	fps, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parse %q: %w", NodeResultingFrameRate, raw, err)
	}
	return fps, nil
}
