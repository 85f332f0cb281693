package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const mappingFixture = `
mappings:
  - equip_tag: GPS001
    message_id: GLL001
    object: GPS.LAT
    value_type: float
  - equip_tag: GPS001
    message_id: GLL002
    object: GPS.LON
    value_type: float
  - equip_tag: ENG001
    message_id: RPM001
    object: ENG.RPM
    value_type: integer
  - equip_tag: NAV001
    message_id: STS001
    object: NAV.STATUS
    value_type: text
  - equip_tag: NAV001
    message_id: ACT001
    object: NAV.ACTIVE
    value_type: boolean
`

const devicesFixture = `
objects:
  GPS.LAT: [VM-A]
  GPS.LON: [VM-A]
  ENG.RPM: [VM-A, VM-B, VM-C]
  NAV.STATUS: [VM-B, VM-B]
`

func TestMappingParseAndLookup(t *testing.T) {
	var m, err = ParseMapping([]byte(mappingFixture))
	require.NoError(t, err)
	require.Equal(t, 5, m.Len())

	rule, ok := m.Lookup("GPS001", "GLL001")
	require.True(t, ok)
	require.Equal(t, "GPS.LAT", rule.Object)
	require.Equal(t, Float, rule.Type)

	_, ok = m.Lookup("GPS001", "NOPE")
	require.False(t, ok)
	_, ok = m.Lookup("UNKNOWN", "GLL001")
	require.False(t, ok)
}

func TestMappingRejectsDuplicateKeys(t *testing.T) {
	var _, err = ParseMapping([]byte(`
mappings:
  - {equip_tag: A, message_id: B, object: X, value_type: text}
  - {equip_tag: A, message_id: B, object: Y, value_type: float}
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate mapping key (A, B)")
}

func TestMappingRejectsBadDocuments(t *testing.T) {
	var cases = []struct {
		name string
		doc  string
	}{
		{"unknown value type", `mappings: [{equip_tag: A, message_id: B, object: X, value_type: double}]`},
		{"missing equip_tag", `mappings: [{message_id: B, object: X, value_type: text}]`},
		{"missing message_id", `mappings: [{equip_tag: A, object: X, value_type: text}]`},
		{"missing object", `mappings: [{equip_tag: A, message_id: B, value_type: text}]`},
		{"unknown field", `mappings: [{equip_tag: A, message_id: B, object: X, value_type: text, extra: 1}]`},
		{"not yaml", `{{nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, err = ParseMapping([]byte(tc.doc))
			require.Error(t, err)
		})
	}
}

func TestMappingRoundTrip(t *testing.T) {
	var m, err = ParseMapping([]byte(mappingFixture))
	require.NoError(t, err)

	doc, err := m.Marshal()
	require.NoError(t, err)

	reloaded, err := ParseMapping(doc)
	require.NoError(t, err)
	require.Equal(t, m, reloaded)
}

func TestMappingObjects(t *testing.T) {
	var m, err = ParseMapping([]byte(mappingFixture))
	require.NoError(t, err)
	require.Equal(t,
		[]string{"GPS.LAT", "GPS.LON", "ENG.RPM", "NAV.STATUS", "NAV.ACTIVE"},
		m.Objects())
}

func TestDevicesParseAndLookup(t *testing.T) {
	var d, err = ParseDevices([]byte(devicesFixture))
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())

	require.Equal(t, []string{"VM-A", "VM-B", "VM-C"}, d.DevicesFor("ENG.RPM"))
	// Duplicates are preserved in order.
	require.Equal(t, []string{"VM-B", "VM-B"}, d.DevicesFor("NAV.STATUS"))
	// Unknown objects resolve to no devices, which is not an error.
	require.Nil(t, d.DevicesFor("NOT.AN.OBJECT"))
}

func TestDevicesRejectsBadDocuments(t *testing.T) {
	var _, err = ParseDevices([]byte(`objects: {ENG.RPM: [VM-A, ""]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "device 1 is empty")

	// yaml.v3 rejects duplicate mapping keys outright.
	_, err = ParseDevices([]byte("objects:\n  ENG.RPM: [VM-A]\n  ENG.RPM: [VM-B]\n"))
	require.Error(t, err)

	_, err = ParseDevices([]byte("objects: {ENG.RPM: [VM-A]}\nextra: 1\n"))
	require.Error(t, err)
}

func TestDevicesRoundTrip(t *testing.T) {
	var d, err = ParseDevices([]byte(devicesFixture))
	require.NoError(t, err)

	doc, err := d.Marshal()
	require.NoError(t, err)

	reloaded, err := ParseDevices(doc)
	require.NoError(t, err)
	require.Equal(t, d, reloaded)
}

func TestLoadFromFiles(t *testing.T) {
	var dir = t.TempDir()
	var mappingPath = filepath.Join(dir, "mapping.yaml")
	var devicesPath = filepath.Join(dir, "devices.yaml")
	require.NoError(t, os.WriteFile(mappingPath, []byte(mappingFixture), 0600))
	require.NoError(t, os.WriteFile(devicesPath, []byte(devicesFixture), 0600))

	m, err := LoadMapping(mappingPath)
	require.NoError(t, err)
	require.Equal(t, 5, m.Len())

	d, err := LoadDevices(devicesPath)
	require.NoError(t, err)
	require.Equal(t, 4, d.Len())

	// Missing files are load errors.
	_, err = LoadMapping(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
	_, err = LoadDevices(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestMissingTargets(t *testing.T) {
	var m, err = ParseMapping([]byte(mappingFixture))
	require.NoError(t, err)
	d, err := ParseDevices([]byte(devicesFixture))
	require.NoError(t, err)

	// NAV.ACTIVE is mapped but has no subscribed devices.
	require.Equal(t, []string{"NAV.ACTIVE"}, MissingTargets(m, d))

	full, err := ParseDevices([]byte(devicesFixture + "  NAV.ACTIVE: [VM-C]\n"))
	require.NoError(t, err)
	require.Empty(t, MissingTargets(m, full))
}
