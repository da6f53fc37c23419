package dictionary

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReservesCanonicalFields(t *testing.T) {
	d := New()
	for _, r := range reserved {
		id, ok := d.GetID(r.name)
		require.True(t, ok)
		assert.Equal(t, r.id, id)
	}
}

func TestRegisterAssignsDynamicIDs(t *testing.T) {
	d := New()

	id1, err := d.Register("cpu")
	require.NoError(t, err)
	assert.Equal(t, uint8(10), id1)

	id2, err := d.Register("mem")
	require.NoError(t, err)
	assert.Equal(t, uint8(11), id2)

	// Re-registering returns the same id.
	again, err := d.Register("cpu")
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	name, ok := d.GetName(id2)
	require.True(t, ok)
	assert.Equal(t, "mem", name)
}

func TestRegisterWrapsAroundToFreeSlot(t *testing.T) {
	d := New()
	d.nextID = 255
	id, err := d.Register("a")
	require.NoError(t, err)
	assert.Equal(t, uint8(255), id)

	// nextID wrapped to 0, which is < firstDynamicID, so Register scans for
	// the first free slot starting at 10.
	id2, err := d.Register("b")
	require.NoError(t, err)
	assert.Equal(t, uint8(10), id2)
}

func TestSerializeRoundTrip(t *testing.T) {
	d := New()
	_, err := d.Register("cpu")
	require.NoError(t, err)
	_, err = d.Register("mem")
	require.NoError(t, err)

	data := d.Serialize()
	got, err := Deserialize(data)
	require.NoError(t, err)

	for _, name := range []string{"cpu", "mem", "timestamp", "region"} {
		want, ok := d.GetID(name)
		require.True(t, ok)
		gotID, ok := got.GetID(name)
		require.True(t, ok)
		assert.Equal(t, want, gotID)
	}
}

func TestDeserializeRejectsBadVersion(t *testing.T) {
	d := New()
	data := d.Serialize()
	data[0] = 0xFF

	_, err := Deserialize(data)
	assert.Error(t, err)
}

func TestDeserializeNeverOverwritesReserved(t *testing.T) {
	d := New()
	// Craft a buffer where a malicious/garbled peer tries to remap "region"
	// to id 77; reserved entries must survive untouched.
	data := d.Serialize()
	count := binary.LittleEndian.Uint16(data[4:6])
	binary.LittleEndian.PutUint16(data[4:6], count+1)
	data = append(data, 77, byte(len("region")))
	data = append(data, "region"...)
	restored, err := Deserialize(data)
	require.NoError(t, err)

	id, ok := restored.GetID("region")
	require.True(t, ok)
	assert.Equal(t, uint8(9), id)
}

func TestSchemaSnapshot(t *testing.T) {
	d := New()
	_, err := d.Register("cpu")
	require.NoError(t, err)

	schema := d.Schema()
	assert.Equal(t, "any", schema["cpu"])
	assert.Equal(t, "any", schema["timestamp"])
}

func TestRegisterFullDictionaryErrors(t *testing.T) {
	d := New()
	// Dynamic ids run from 10 to 255, so 246 registrations fill the
	// dictionary.
	for i := 0; i < 256-firstDynamicID; i++ {
		_, err := d.Register(string(rune('a'+i%26)) + string(rune('A'+(i/26)%26)))
		require.NoError(t, err)
	}
	_, err := d.Register("overflow-field")
	assert.Error(t, err)
}
