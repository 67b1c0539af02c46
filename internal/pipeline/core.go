package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/metrics"
	"github.com/snarg/mtc-agent-core/internal/observation"
	"github.com/snarg/mtc-agent-core/internal/pipeline/filter"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
	"github.com/snarg/mtc-agent-core/internal/signal"
	"github.com/snarg/mtc-agent-core/internal/unitconv"
)

// Hooks are optional side-channel callbacks a host wires up to observe
// deliveries the buffer itself doesn't carry (raw protocol commands,
// device announcements, connect/disconnect transitions, fatal
// failures, and completed asset documents). Any left nil is a no-op.
type Hooks struct {
	OnAsset         func(Asset)
	OnDevice        func(*devicemodel.Device)
	OnCommand       func(line string)
	OnConnectStatus func(sourceID string, devices []*devicemodel.Device, connected bool)
	OnSourceFailed  func(sourceID string)
}

// Core implements Contract: the device model plus the observation
// pipeline (duplicate filter, unit conversion, delta/period filter,
// circular buffer, change signaler) that every delivered observation
// passes through before becoming visible to queries.
type Core struct {
	model    *devicemodel.Model
	buf      *buffer.Buffer
	signaler *signal.Signaler
	log      zerolog.Logger

	dup    *filter.Duplicate
	delta  *filter.Delta
	period *filter.Period

	autoAvailable bool
	hooks         Hooks

	mu     sync.Mutex
	assets map[string]Asset
}

// New returns a Core wired around model, buf, and signaler. autoAvailable
// mirrors the AutoAvailable configuration key (spec.md §6.4): when set,
// a disconnect delivers an UNAVAILABLE observation for every data item
// of the affected devices.
func New(model *devicemodel.Model, buf *buffer.Buffer, signaler *signal.Signaler, autoAvailable bool, hooks Hooks, log zerolog.Logger) *Core {
	c := &Core{
		model:         model,
		buf:           buf,
		signaler:      signaler,
		log:           log,
		dup:           filter.NewDuplicate(),
		delta:         filter.NewDelta(),
		autoAvailable: autoAvailable,
		hooks:         hooks,
		assets:        make(map[string]Asset),
	}
	c.period = filter.NewPeriod(c.publish)
	return c
}

// FindDevice implements Contract.
func (c *Core) FindDevice(uuidOrName string) (*devicemodel.Device, bool) {
	return c.model.FindDevice(uuidOrName)
}

// FindDataItem implements Contract.
func (c *Core) FindDataItem(device *devicemodel.Device, idOrName string) (*devicemodel.DataItem, bool) {
	return c.model.FindDataItem(device, idOrName)
}

// EachDataItem implements Contract.
func (c *Core) EachDataItem(fn func(*devicemodel.DataItem)) {
	c.model.EachDataItem(fn)
}

// CheckDuplicate implements Contract: it runs only the duplicate filter
// on obs, without the rest of the pipeline (unit conversion, rate
// filters, buffer publish). The returned bool is true when obs passes,
// i.e. it is not a duplicate of the last value accepted for its data
// item (a passing value becomes the new last value), and also when the
// data item cannot be resolved. Stages that want the full chain call
// DeliverObservation instead.
func (c *Core) CheckDuplicate(obs observation.Observation) (observation.Observation, bool) {
	item, ok := c.model.FindDataItem(nil, obs.DataItemID)
	if !ok {
		return obs, true
	}
	return obs, c.dup.Pass(item, obs)
}

// DeliverObservation implements Contract: duplicate filter, unit
// conversion, rate filter (delta or period, whichever the data item
// declares), then buffer publish and observer signal.
func (c *Core) DeliverObservation(obs observation.Observation) {
	metrics.ObservationsIngestedTotal.Inc()

	item, ok := c.model.FindDataItem(nil, obs.DataItemID)
	if !ok {
		metrics.MappingFailuresTotal.Inc()
		return
	}
	if !c.dup.Pass(item, obs) {
		metrics.DuplicateSuppressedTotal.Inc()
		return
	}
	c.convert(item, &obs)

	switch item.Filter {
	case devicemodel.FilterMinimumDelta:
		if !c.delta.Pass(item, obs) {
			metrics.DeltaSuppressedTotal.Inc()
			return
		}
	case devicemodel.FilterPeriod:
		if !c.period.Pass(item, obs) {
			metrics.PeriodSuppressedTotal.Inc()
			return
		}
	}
	c.publish(obs)
}

func (c *Core) convert(item *devicemodel.DataItem, obs *observation.Observation) {
	if obs.Unavailable || item.Units == "" || item.NativeUnits == "" || item.Units == item.NativeUnits {
		return
	}
	conv := unitconv.Make(item.NativeUnits, item.Units)
	if conv == nil {
		return
	}
	switch obs.Kind {
	case observation.KindSample:
		obs.Value = conv.Apply(obs.Value)
	case observation.KindThreeSpaceSample:
		copy(obs.Vector[:], unitconv.ApplyVector(conv, obs.Vector[:]))
	}
}

func (c *Core) publish(obs observation.Observation) {
	seq := c.buf.Append(obs)
	c.signaler.SignalObservers(seq)
}

// DeliverAssetCommand implements Contract: it applies an asset
// directive to the in-memory asset store and, for additions, forwards
// the resulting document to DeliverAsset.
func (c *Core) DeliverAssetCommand(cmd shdr.AssetCommand) {
	switch cmd.Kind {
	case shdr.AssetAdd, shdr.AssetUpdate:
		asset := Asset{ID: cmd.AssetID, Type: cmd.AssetType, Body: cmd.Body, Timestamp: time.Now()}
		c.mu.Lock()
		c.assets[cmd.AssetID] = asset
		c.mu.Unlock()
		c.DeliverAsset(asset)
	case shdr.AssetRemove:
		c.mu.Lock()
		delete(c.assets, cmd.AssetID)
		c.mu.Unlock()
	case shdr.AssetRemoveAll:
		c.mu.Lock()
		for id, a := range c.assets {
			if cmd.AssetType == "" || a.Type == cmd.AssetType {
				delete(c.assets, id)
			}
		}
		c.mu.Unlock()
	}
}

// DeliverAsset implements Contract.
func (c *Core) DeliverAsset(asset Asset) {
	if c.hooks.OnAsset != nil {
		c.hooks.OnAsset(asset)
	}
}

// Asset returns the current asset for id, if any.
func (c *Core) Asset(id string) (Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.assets[id]
	return a, ok
}

// Assets returns every currently-held asset, optionally restricted to
// assetType (empty matches all).
func (c *Core) Assets(assetType string) []Asset {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Asset, 0, len(c.assets))
	for _, a := range c.assets {
		if assetType == "" || a.Type == assetType {
			out = append(out, a)
		}
	}
	return out
}

// DeliverDevice implements Contract.
func (c *Core) DeliverDevice(device *devicemodel.Device) {
	if c.hooks.OnDevice != nil {
		c.hooks.OnDevice(device)
	}
}

// DeliverCommand implements Contract.
func (c *Core) DeliverCommand(line string) {
	if c.hooks.OnCommand != nil {
		c.hooks.OnCommand(line)
	}
}

// DeliverConnectStatus implements Contract. On disconnect with
// autoAvailable set, every data item belonging to the affected devices
// (or the whole model, if devices is empty) is marked UNAVAILABLE.
func (c *Core) DeliverConnectStatus(sourceID string, devices []*devicemodel.Device, connected bool) {
	if c.hooks.OnConnectStatus != nil {
		c.hooks.OnConnectStatus(sourceID, devices, connected)
	}
	if connected || !c.autoAvailable {
		return
	}

	match := func(*devicemodel.DataItem) bool { return true }
	if len(devices) > 0 {
		ids := make(map[devicemodel.ID]bool, len(devices))
		for _, d := range devices {
			ids[d.ID] = true
		}
		match = func(item *devicemodel.DataItem) bool {
			comp, ok := c.model.Component(item.ComponentID)
			return ok && ids[comp.DeviceID]
		}
	}

	now := time.Now()
	c.model.EachDataItem(func(item *devicemodel.DataItem) {
		if !match(item) {
			return
		}
		c.DeliverObservation(observation.Observation{
			Kind:        kindFor(item),
			DataItemID:  item.Key,
			Name:        item.Name,
			Timestamp:   now,
			Unavailable: true,
		})
	})
}

func kindFor(item *devicemodel.DataItem) observation.Kind {
	switch item.Category {
	case devicemodel.CategoryCondition:
		return observation.KindCondition
	case devicemodel.CategoryEvent:
		switch item.Representation {
		case devicemodel.RepresentationDataSet:
			return observation.KindDataSetEvent
		case devicemodel.RepresentationTable:
			return observation.KindTableEvent
		default:
			return observation.KindEvent
		}
	default:
		if item.Representation == devicemodel.RepresentationTimeSeries {
			return observation.KindTimeseries
		}
		return observation.KindSample
	}
}

// SourceFailed implements Contract.
func (c *Core) SourceFailed(sourceID string) {
	c.log.Error().Str("source", sourceID).Msg("source failed with no recovery path")
	if c.hooks.OnSourceFailed != nil {
		c.hooks.OnSourceFailed(sourceID)
	}
}
