package catalog

import (
	"fmt"
	"os"
	"sort"
)

// Devices is the immutable device catalog: a constant-time lookup from an
// object name to the ordered device ids subscribed to it.
type Devices struct {
	objects map[string][]string
	names   []string
}

// LoadDevices reads and parses the device catalog document at path.
func LoadDevices(path string) (*Devices, error) {
	var doc, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device catalog: %w", err)
	}
	d, err := ParseDevices(doc)
	if err != nil {
		return nil, fmt.Errorf("device catalog %s: %w", path, err)
	}
	return d, nil
}

// ParseDevices parses a device catalog document: a single mapping from
// object name to a sequence of device ids. List order is preserved and used
// as the fan-out order; duplicate ids are preserved as well.
func ParseDevices(doc []byte) (*Devices, error) {
	var parsed struct {
		Objects map[string][]string `yaml:"objects"`
	}
	if err := decodeStrict(doc, &parsed); err != nil {
		return nil, err
	}

	var d = &Devices{
		objects: parsed.Objects,
		names:   make([]string, 0, len(parsed.Objects)),
	}
	if d.objects == nil {
		d.objects = make(map[string][]string)
	}
	for object, devices := range d.objects {
		if object == "" {
			return nil, fmt.Errorf("device catalog has an empty object name")
		}
		for i, id := range devices {
			if id == "" {
				return nil, fmt.Errorf("object %s: device %d is empty", object, i)
			}
		}
		d.names = append(d.names, object)
	}
	sort.Strings(d.names)
	return d, nil
}

// DevicesFor returns the ordered device ids subscribed to the object, or nil
// when the object is unknown. The returned slice is shared and must not be
// mutated.
func (d *Devices) DevicesFor(object string) []string {
	return d.objects[object]
}

// Objects returns the catalog's object names in sorted order.
func (d *Devices) Objects() []string { return d.names }

// Len returns the number of objects.
func (d *Devices) Len() int { return len(d.objects) }

// Marshal re-serializes the catalog with objects sorted by name.
func (d *Devices) Marshal() ([]byte, error) {
	var doc = struct {
		Objects map[string][]string `yaml:"objects"`
	}{Objects: d.objects}
	return marshalIndented(&doc)
}

// MissingTargets returns the mapping catalog objects which resolve to no
// devices, in first-appearance order. A non-empty result under strict
// startup validation is a catalog reference error.
func MissingTargets(m *Mapping, d *Devices) []string {
	var missing []string
	for _, object := range m.Objects() {
		if len(d.DevicesFor(object)) == 0 {
			missing = append(missing, object)
		}
	}
	return missing
}
