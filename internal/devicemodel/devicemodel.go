// Package devicemodel is the core's read-only collaborator: a typed
// catalogue of devices, components, and data items. Loading it from XML
// is out of scope; this package provides the arena shape, the id-based
// cross-references, and the key-resolution logic the pipeline consults.
//
// Cross-references (data item to owning component and device,
// composition membership) are expressed as stable integer ids into the
// arena rather than pointers, per the cyclic-ownership guidance that
// motivates this expansion: the source keeps these edges as manual
// back-pointers and weak references, which an arena of ids replaces
// without needing any reference counting.
package devicemodel

import (
	"sync"

	"github.com/rs/zerolog"
)

// Category is a data item's fixed classification.
type Category int

const (
	CategorySample Category = iota
	CategoryEvent
	CategoryCondition
)

// Representation is a data item's fixed value shape.
type Representation int

const (
	RepresentationValue Representation = iota
	RepresentationTimeSeries
	RepresentationDiscrete
	RepresentationDataSet
	RepresentationTable
)

// FilterKind is a data item's optional rate filter.
type FilterKind int

const (
	FilterNone FilterKind = iota
	FilterMinimumDelta
	FilterPeriod
)

// ID is a stable arena index. The zero value is never a valid id; arenas
// number nodes starting at 1 so a zero ID reliably means "unset".
type ID int

// DataItem is one typed signal. Category and Representation are
// immutable for the lifetime of the process per spec.md §3's invariant;
// nothing in this package offers a way to mutate them after Build.
type DataItem struct {
	ID             ID
	Key            string // the data item's own id string, e.g. "x1"
	Name           string
	Source         string
	Category       Category
	Representation Representation
	Type           string
	SubType        string
	Units          string
	NativeUnits    string
	Filter         FilterKind
	FilterValue    float64
	Constant       *string
	ResetTrigger   string // non-empty enables ":TRIGGER" value-suffix parsing, e.g. "MANUAL"
	InitialValue   string
	ComponentID    ID
	CompositionID  ID
}

// Component is one node of a device's composition tree.
type Component struct {
	ID       ID
	Name     string
	DeviceID ID
	ParentID ID // zero if the component is the device's direct child-of-none root
}

// Device is the root of one machine's component tree.
type Device struct {
	ID     ID
	UUID   string
	Name   string
	Model  *Model
}

// Model is the immutable arena: every Device, Component, and DataItem
// known to the agent, plus the lookup indexes the Token Mapper and
// Response Parser need.
type Model struct {
	devices    []Device
	components []Component
	dataItems  []DataItem

	byID     map[string]*DataItem
	byName   map[string]*DataItem
	bySource map[string]*DataItem

	deviceByUUID map[string]*Device
	deviceByName map[string]*Device

	log zerolog.Logger

	mu          sync.Mutex
	warnedKeys  map[string]bool
}

// Builder accumulates devices, components, and data items before Build
// freezes them into an immutable Model.
type Builder struct {
	devices    []Device
	components []Component
	dataItems  []DataItem
	log        zerolog.Logger
}

// NewBuilder starts an empty arena builder.
func NewBuilder(log zerolog.Logger) *Builder {
	return &Builder{log: log}
}

// AddDevice registers a device and returns its id.
func (b *Builder) AddDevice(uuid, name string) ID {
	id := ID(len(b.devices) + 1)
	b.devices = append(b.devices, Device{ID: id, UUID: uuid, Name: name})
	return id
}

// AddComponent registers a component under a device (and optionally a
// parent component) and returns its id.
func (b *Builder) AddComponent(deviceID ID, parentID ID, name string) ID {
	id := ID(len(b.components) + 1)
	b.components = append(b.components, Component{ID: id, Name: name, DeviceID: deviceID, ParentID: parentID})
	return id
}

// AddDataItem registers a data item under a component and returns its id.
func (b *Builder) AddDataItem(item DataItem, componentID ID) ID {
	id := ID(len(b.dataItems) + 1)
	item.ID = id
	item.ComponentID = componentID
	b.dataItems = append(b.dataItems, item)
	return id
}

// Build freezes the arena into an immutable Model with resolution
// indexes built once; no further writes are possible afterward, so reads
// require no synchronization beyond the throttled-warning map.
func (b *Builder) Build() *Model {
	m := &Model{
		devices:      b.devices,
		components:   b.components,
		dataItems:    b.dataItems,
		byID:         make(map[string]*DataItem, len(b.dataItems)),
		byName:       make(map[string]*DataItem, len(b.dataItems)),
		bySource:     make(map[string]*DataItem, len(b.dataItems)),
		deviceByUUID: make(map[string]*Device, len(b.devices)),
		deviceByName: make(map[string]*Device, len(b.devices)),
		log:          b.log,
		warnedKeys:   make(map[string]bool),
	}
	for i := range m.dataItems {
		item := &m.dataItems[i]
		m.byID[item.Key] = item
		if item.Name != "" {
			m.byName[item.Name] = item
		}
		if item.Source != "" {
			m.bySource[item.Source] = item
		}
	}
	for i := range m.devices {
		d := &m.devices[i]
		d.Model = m
		m.deviceByUUID[d.UUID] = d
		m.deviceByName[d.Name] = d
	}
	return m
}

// FindDevice resolves a device by uuid or name, matching
// PipelineContract.findDevice (spec.md §6.3).
func (m *Model) FindDevice(uuidOrName string) (*Device, bool) {
	if d, ok := m.deviceByUUID[uuidOrName]; ok {
		return d, true
	}
	d, ok := m.deviceByName[uuidOrName]
	return d, ok
}

// FindDataItem resolves a data-item key by id, then name, then source,
// per spec.md §4.3's resolution order. device may be nil to search the
// whole model; when non-nil, a match belonging to a different device is
// rejected rather than returned. Unresolved keys are logged once; repeats
// are throttled.
func (m *Model) FindDataItem(device *Device, key string) (*DataItem, bool) {
	item, ok := m.resolveKey(key)
	if ok && (device == nil || m.ownedBy(item, device)) {
		return item, true
	}

	m.mu.Lock()
	if !m.warnedKeys[key] {
		m.warnedKeys[key] = true
		m.mu.Unlock()
		m.log.Warn().Str("key", key).Msg("unresolved data item key")
	} else {
		m.mu.Unlock()
	}
	return nil, false
}

func (m *Model) resolveKey(key string) (*DataItem, bool) {
	if item, ok := m.byID[key]; ok {
		return item, true
	}
	if item, ok := m.byName[key]; ok {
		return item, true
	}
	if item, ok := m.bySource[key]; ok {
		return item, true
	}
	return nil, false
}

// ownedBy reports whether item's owning component belongs to device.
func (m *Model) ownedBy(item *DataItem, device *Device) bool {
	comp, ok := m.Component(item.ComponentID)
	return ok && comp.DeviceID == device.ID
}

// EachDataItem iterates the whole arena, matching
// PipelineContract.eachDataItem (spec.md §6.3).
func (m *Model) EachDataItem(fn func(*DataItem)) {
	for i := range m.dataItems {
		fn(&m.dataItems[i])
	}
}

// Component looks up a component by id.
func (m *Model) Component(id ID) (*Component, bool) {
	if id <= 0 || int(id) > len(m.components) {
		return nil, false
	}
	return &m.components[id-1], true
}

// Device looks up a device by id.
func (m *Model) Device(id ID) (*Device, bool) {
	if id <= 0 || int(id) > len(m.devices) {
		return nil, false
	}
	return &m.devices[id-1], true
}
