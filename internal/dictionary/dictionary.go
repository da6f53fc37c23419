// Package dictionary implements the field name/id mapping shared with the
// sink. IDs 1-9 are reserved for canonical fields; dynamic IDs are handed
// out from 10-255.
package dictionary

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Version is the wire format version written by Serialize and checked by
// Deserialize.
const Version uint32 = 1

// MaxEntries bounds total dictionary growth per spec §5.
const MaxEntries = 256

const firstDynamicID = 10

// reserved lists the canonical fields and the IDs they occupy. Order
// matters only for deterministic construction.
var reserved = []struct {
	name string
	id   uint8
}{
	{"timestamp", 1},
	{"request_id", 2},
	{"memory_usage_mb", 3},
	{"cpu_usage_percent", 4},
	{"duration_ms", 5},
	{"error", 6},
	{"function_name", 7},
	{"function_version", 8},
	{"region", 9},
}

// Dictionary is a bidirectional name<->id map. The zero value is not usable;
// construct one with New.
type Dictionary struct {
	mu         sync.RWMutex
	nameToID   map[string]uint8
	idToName   map[uint8]string
	reservedID map[string]uint8
	nextID     uint8
}

// New returns a Dictionary pre-populated with the reserved canonical fields.
func New() *Dictionary {
	d := &Dictionary{
		nameToID:   make(map[string]uint8),
		idToName:   make(map[uint8]string),
		reservedID: make(map[string]uint8),
		nextID:     firstDynamicID,
	}
	for _, r := range reserved {
		d.nameToID[r.name] = r.id
		d.idToName[r.id] = r.name
		d.reservedID[r.name] = r.id
	}
	return d
}

// GetID returns the id registered for name, and whether it is registered.
// Safe for concurrent use; never blocks on a writer longer than a map read.
func (d *Dictionary) GetID(name string) (uint8, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.nameToID[name]
	return id, ok
}

// GetName returns the name registered for id, and whether it is registered.
func (d *Dictionary) GetName(id uint8) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.idToName[id]
	return name, ok
}

// Register returns the id for name, allocating a new dynamic id if name is
// not yet known. Registration is serialized against other registrations and
// against readers.
func (d *Dictionary) Register(name string) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.nameToID[name]; ok {
		return id, nil
	}

	if len(d.nameToID) >= MaxEntries {
		return 0, fmt.Errorf("dictionary: full at %d entries, cannot register %q", MaxEntries, name)
	}

	id := d.nextID
	d.nextID++
	if d.nextID < firstDynamicID {
		// Wrapped past 255; scan for the first unused dynamic slot.
		found := false
		for i := firstDynamicID; i <= 255; i++ {
			if _, taken := d.idToName[uint8(i)]; !taken {
				d.nextID = uint8(i)
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("dictionary: no free dynamic id for %q", name)
		}
	}

	d.nameToID[name] = id
	d.idToName[id] = name
	return id, nil
}

// Schema returns a name->"any" snapshot of every registered field, for a
// schema-aware sink. It does not affect Serialize/Deserialize.
func (d *Dictionary) Schema() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.nameToID))
	for name := range d.nameToID {
		out[name] = "any"
	}
	return out
}

// ReplaceFrom atomically swaps d's entry tables for other's, without
// copying the mutex embedded in other. Used to apply a freshly deserialized
// snapshot onto a live Dictionary.
func (d *Dictionary) ReplaceFrom(other *Dictionary) {
	other.mu.RLock()
	nameToID := other.nameToID
	idToName := other.idToName
	reservedID := other.reservedID
	nextID := other.nextID
	other.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nameToID = nameToID
	d.idToName = idToName
	d.reservedID = reservedID
	d.nextID = nextID
}

// Serialize encodes the dictionary as version(4) | count(2) | entries, each
// entry id(1) name_len(1) name(name_len), all little-endian.
func (d *Dictionary) Serialize() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], Version)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(d.nameToID)))

	for name, id := range d.nameToID {
		buf = append(buf, id, uint8(len(name)))
		buf = append(buf, name...)
	}
	return buf
}

// Deserialize parses data written by Serialize. Reserved entries from the
// source dictionary are never overwritten; the next allocation pointer is
// reset to max(dynamic id)+1, clamped to >= 10.
func Deserialize(data []byte) (*Dictionary, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("dictionary: deserialize: short buffer (%d bytes)", len(data))
	}

	version := binary.LittleEndian.Uint32(data[0:4])
	if version != Version {
		return nil, fmt.Errorf("dictionary: deserialize: unsupported version %d", version)
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))

	d := New()
	offset := 6
	maxID := uint8(9)
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("dictionary: deserialize: truncated entry header at offset %d", offset)
		}
		id := data[offset]
		nameLen := int(data[offset+1])
		offset += 2
		if offset+nameLen > len(data) {
			return nil, fmt.Errorf("dictionary: deserialize: truncated entry name at offset %d", offset)
		}
		name := string(data[offset : offset+nameLen])
		offset += nameLen

		if _, isReserved := d.reservedID[name]; !isReserved {
			d.nameToID[name] = id
			d.idToName[id] = name
			if id > maxID {
				maxID = id
			}
		}
	}

	next := maxID + 1
	if next < firstDynamicID {
		next = firstDynamicID
	}
	d.nextID = next

	return d, nil
}
