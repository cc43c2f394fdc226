package camera

import "fmt"

// GenICam standard feature names used by the rig.
const (
	NodeTriggerMode     = "TriggerMode"
	NodeTriggerSource   = "TriggerSource"
	NodeTriggerOverlap  = "TriggerOverlap"
	NodeTriggerSelector = "TriggerSelector"
	NodeTriggerSoftware = "TriggerSoftware"
	NodeLinePower       = "V3_3Enable"

	NodeAcquisitionMode       = "AcquisitionMode"
	NodeResultingFrameRate    = "AcquisitionResultingFrameRate"
	NodeDeviceSerialNumber    = "DeviceSerialNumber"
	NodeDeviceVendorName      = "DeviceVendorName"
	NodeDeviceModelName       = "DeviceModelName"
	NodeDeviceFirmwareVersion = "DeviceFirmwareVersion"
)

// SetEnum selects entry on the enumeration node name. It mirrors the
// checks a GenICam client does before writing: node available and
// writable, entry available, then write.
func SetEnum(h Handle, name, entry string) error {
	n, err := writableNode(h, name)
	if err != nil {
		return err
	}
	if !n.HasEntry(entry) {
		return fmt.Errorf("%s=%s: %w", name, entry, ErrEntryUnavailable)
	}
	if err := n.Set(entry); err != nil {
		return fmt.Errorf("set %s=%s: %w", name, entry, err)
	}
	return nil
}

// SetBool writes a boolean node.
func SetBool(h Handle, name string, v bool) error {
	n, err := writableNode(h, name)
	if err != nil {
		return err
	}
	val := "false"
	if v {
		val = "true"
	}
	if err := n.Set(val); err != nil {
		return fmt.Errorf("set %s=%s: %w", name, val, err)
	}
	return nil
}

// Execute runs the command node name.
func Execute(h Handle, name string) error {
	n, err := writableNode(h, name)
	if err != nil {
		return err
	}
	if err := n.Execute(); err != nil {
		return fmt.Errorf("execute %s: %w", name, err)
	}
	return nil
}

// ReadString reads any readable node as a string.
func ReadString(h Handle, name string) (string, error) {
	n, err := h.Node(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	a := n.Access()
	if !a.Has(Available) {
		return "", fmt.Errorf("%s: %w", name, ErrNodeUnavailable)
	}
	if !a.Has(Readable) {
		return "", fmt.Errorf("%s: %w", name, ErrNodeNotReadable)
	}
	return n.Get()
}

func writableNode(h Handle, name string) (Node, error) {
	n, err := h.Node(name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	a := n.Access()
	if !a.Has(Available) {
		return nil, fmt.Errorf("%s: %w", name, ErrNodeUnavailable)
	}
	if !a.Has(Writable) {
		return nil, fmt.Errorf("%s: %w", name, ErrNodeNotWritable)
	}
	return n, nil
}
