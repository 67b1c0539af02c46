package shdr

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

// AssetCommandKind tags the four asset directives spec.md §4.3 names.
type AssetCommandKind int

const (
	AssetAdd AssetCommandKind = iota
	AssetUpdate
	AssetRemove
	AssetRemoveAll
)

// AssetCommand is a fully-accumulated asset directive, ready for the
// pipeline contract's deliverAsset/deliverAssetCommand.
type AssetCommand struct {
	Kind      AssetCommandKind
	AssetID   string
	AssetType string
	Body      string
}

type pendingAsset struct {
	terminator string
	cmd        AssetCommand
	lines      []string
}

// Mapper implements the Token Mapper (spec.md §4.3): it resolves a
// data-item key against the device model and constructs the matching
// typed observation, or accumulates a multi-line asset body until its
// terminator line is seen.
//
// One Mapper is scoped to a single adapter session, since multi-line
// asset accumulation state (like the connector's terminator tracking in
// connector.hpp) is per-connection.
type Mapper struct {
	model *devicemodel.Model
	log   zerolog.Logger

	mu      sync.Mutex
	pending *pendingAsset
}

// NewMapper returns a Mapper bound to model, used to resolve keys.
func NewMapper(model *devicemodel.Model, log zerolog.Logger) *Mapper {
	return &Mapper{model: model, log: log}
}

// Pending reports whether a multi-line asset body is currently being
// accumulated, so a caller can route raw body lines straight to
// MapLine without running them through timestamp extraction first.
func (m *Mapper) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// DiscardPending drops any partially-accumulated multi-line asset, used
// when an adapter session disconnects (spec.md §9's open question (iii)
// resolution: partial multi-line assets are discarded on disconnect,
// never resumed across a reconnect).
func (m *Mapper) DiscardPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

// MapLine consumes one SHDR line's remainder (everything after the
// timestamp field) and returns zero or more observations, or a
// completed asset command. device may be nil to resolve against the
// whole model.
func (m *Mapper) MapLine(device *devicemodel.Device, remainder string, ts time.Time) ([]observation.Observation, *AssetCommand) {
	m.mu.Lock()
	if m.pending != nil {
		trimmed := strings.TrimSpace(remainder)
		if trimmed == m.pending.terminator {
			cmd := m.pending.cmd
			cmd.Body = strings.Join(m.pending.lines, "\n")
			m.pending = nil
			m.mu.Unlock()
			return nil, &cmd
		}
		m.pending.lines = append(m.pending.lines, remainder)
		m.mu.Unlock()
		return nil, nil
	}
	m.mu.Unlock()

	tokens := Tokenize(remainder)
	if len(tokens) == 0 || tokens[0] == "" {
		return nil, nil
	}
	key, fields := tokens[0], tokens[1:]

	if strings.HasPrefix(key, "@") {
		return nil, m.mapAssetCommand(key, fields)
	}

	return m.mapDataItem(device, key, fields, ts), nil
}

func (m *Mapper) mapAssetCommand(key string, fields []string) *AssetCommand {
	switch key {
	case "@ASSET@", "@UPDATE_ASSET@":
		if len(fields) < 3 {
			m.log.Warn().Str("command", key).Strs("fields", fields).Msg("malformed asset command")
			return nil
		}
		kind := AssetAdd
		if key == "@UPDATE_ASSET@" {
			kind = AssetUpdate
		}
		m.mu.Lock()
		m.pending = &pendingAsset{
			terminator: fields[2],
			cmd:        AssetCommand{Kind: kind, AssetID: fields[0], AssetType: fields[1]},
		}
		m.mu.Unlock()
		return nil
	case "@REMOVE_ASSET@":
		if len(fields) < 1 {
			return nil
		}
		return &AssetCommand{Kind: AssetRemove, AssetID: fields[0]}
	case "@REMOVE_ALL_ASSETS@":
		var typ string
		if len(fields) > 0 {
			typ = fields[0]
		}
		return &AssetCommand{Kind: AssetRemoveAll, AssetType: typ}
	default:
		m.log.Warn().Str("command", key).Msg("unknown asset command")
		return nil
	}
}

func (m *Mapper) mapDataItem(device *devicemodel.Device, key string, fields []string, ts time.Time) []observation.Observation {
	devicePrefix, dataItemKey := splitDeviceKey(key)
	if devicePrefix != "" {
		if d, ok := m.model.FindDevice(devicePrefix); ok {
			device = d
		} else {
			m.log.Warn().Str("device", devicePrefix).Msg("unresolved device prefix")
		}
	}

	item, ok := m.model.FindDataItem(device, dataItemKey)
	if !ok {
		return nil
	}

	switch item.Category {
	case devicemodel.CategorySample:
		if item.Representation == devicemodel.RepresentationTimeSeries {
			return m.mapTimeSeries(item, fields, ts)
		}
		return m.mapSample(item, fields, ts)
	case devicemodel.CategoryEvent:
		switch item.Representation {
		case devicemodel.RepresentationDataSet:
			return m.mapDataSetOrTable(item, fields, ts, false)
		case devicemodel.RepresentationTable:
			return m.mapDataSetOrTable(item, fields, ts, true)
		default:
			if item.Type == "MESSAGE" {
				return m.mapMessage(item, fields, ts)
			}
			return m.mapEvent(item, fields, ts)
		}
	case devicemodel.CategoryCondition:
		return m.mapCondition(item, fields, ts)
	}
	return nil
}

func (m *Mapper) base(item *devicemodel.DataItem, ts time.Time) observation.Observation {
	obs := observation.Observation{
		DataItemID: item.Key,
		Name:       item.Name,
		SubType:    item.SubType,
		Timestamp:  ts,
	}
	if item.CompositionID != 0 {
		obs.CompositionID = strconv.Itoa(int(item.CompositionID))
	}
	return obs
}

func (m *Mapper) mapSample(item *devicemodel.DataItem, fields []string, ts time.Time) []observation.Observation {
	if len(fields) < 1 {
		return nil
	}
	obs := m.base(item, ts)
	obs.Kind = observation.KindSample

	value := fields[0]
	if item.ResetTrigger != "" {
		value, obs.Trigger = splitValueTrigger(value)
	}

	if value == "UNAVAILABLE" {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}
	obs.Value = v
	return []observation.Observation{obs}
}

func (m *Mapper) mapTimeSeries(item *devicemodel.DataItem, fields []string, ts time.Time) []observation.Observation {
	if len(fields) < 3 {
		return nil
	}
	obs := m.base(item, ts)
	obs.Kind = observation.KindTimeseries

	if count, err := strconv.Atoi(fields[0]); err == nil {
		obs.SampleCount = count
	}
	if freq, err := strconv.ParseFloat(fields[1], 64); err == nil {
		obs.SampleRate = freq
	}

	series := fields[2]
	if item.ResetTrigger != "" {
		series, obs.Trigger = splitValueTrigger(series)
	}

	if series == "UNAVAILABLE" {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}

	parts := strings.Fields(series)
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			obs.Unavailable = true
			return []observation.Observation{obs}
		}
		values = append(values, v)
	}
	obs.Series = values
	return []observation.Observation{obs}
}

func (m *Mapper) mapEvent(item *devicemodel.DataItem, fields []string, ts time.Time) []observation.Observation {
	if len(fields) < 1 {
		return nil
	}
	obs := m.base(item, ts)
	obs.Kind = observation.KindEvent
	if fields[0] == "UNAVAILABLE" {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}
	obs.Text = fields[0]
	return []observation.Observation{obs}
}

func (m *Mapper) mapMessage(item *devicemodel.DataItem, fields []string, ts time.Time) []observation.Observation {
	if len(fields) < 1 {
		return nil
	}
	obs := m.base(item, ts)
	obs.Kind = observation.KindMessage
	if fields[0] == "UNAVAILABLE" {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}
	obs.NativeCode = fields[0]
	if len(fields) > 1 {
		obs.Message = fields[1]
	}
	return []observation.Observation{obs}
}

func (m *Mapper) mapDataSetOrTable(item *devicemodel.DataItem, fields []string, ts time.Time, isTable bool) []observation.Observation {
	if len(fields) < 1 {
		return nil
	}
	obs := m.base(item, ts)
	if isTable {
		obs.Kind = observation.KindTableEvent
	} else {
		obs.Kind = observation.KindDataSetEvent
	}

	if fields[0] == "UNAVAILABLE" {
		obs.Unavailable = true
		return []observation.Observation{obs}
	}

	trigger, body := splitResetPrefix(fields[0])
	obs.Trigger = trigger

	if isTable {
		obs.Table = parseTableRows(body)
	} else {
		obs.DataSet = parseKeyValueList(body)
	}
	return []observation.Observation{obs}
}

func parseLevel(s string) observation.Level {
	switch s {
	case "NORMAL":
		return observation.LevelNormal
	case "WARNING":
		return observation.LevelWarning
	case "FAULT":
		return observation.LevelFault
	default:
		return observation.LevelUnavailable
	}
}

func (m *Mapper) mapCondition(item *devicemodel.DataItem, fields []string, ts time.Time) []observation.Observation {
	if len(fields) < 1 {
		return nil
	}
	obs := m.base(item, ts)
	obs.Kind = observation.KindCondition
	obs.Level = parseLevel(fields[0])
	if len(fields) > 1 {
		obs.NativeCode = fields[1]
	}
	if len(fields) > 2 {
		obs.Severity = fields[2]
	}
	if len(fields) > 3 {
		obs.Qualifier = fields[3]
	}
	if len(fields) > 4 {
		obs.Message = fields[4]
	}
	if obs.Level == observation.LevelUnavailable {
		obs.Unavailable = true
	}
	return []observation.Observation{obs}
}

// splitDeviceKey parses the "[device:]data_item_key" key grammar
// (spec.md §4.3): a device uuid/name up to the first colon, or no
// prefix at all.
func splitDeviceKey(key string) (devicePrefix, dataItemKey string) {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}

// splitValueTrigger splits a VALUE field's optional ":TRIGGER" suffix
// (e.g. "1.23456:MANUAL") from its value, for data items configured
// with a ResetTrigger. Matches shdr_parser.cpp's value.find_first_of(':').
func splitValueTrigger(s string) (value, trigger string) {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func splitResetPrefix(s string) (trigger, rest string) {
	if strings.HasPrefix(s, ":") {
		if i := strings.IndexByte(s, ' '); i > 0 {
			return s[1:i], s[i+1:]
		}
		return s[1:], ""
	}
	return "", s
}

// parseKeyValueList parses a space-separated "key=value key2={quoted
// value}" list, per spec.md §4.3's DATA_SET/TABLE field grammar. An
// empty value after "=" marks the entry removed.
func parseKeyValueList(s string) []observation.DataSetEntry {
	var entries []observation.DataSetEntry
	i, n := 0, len(s)
	for i < n {
		for i < n && s[i] == ' ' {
			i++
		}
		if i >= n {
			break
		}
		j := i
		for j < n && s[j] != '=' && s[j] != ' ' {
			j++
		}
		if j >= n || s[j] != '=' {
			i = j
			continue
		}
		key := s[i:j]
		i = j + 1

		var val string
		if i < n && s[i] == '{' {
			if end := strings.IndexByte(s[i:], '}'); end >= 0 {
				val = s[i+1 : i+end]
				i += end + 1
			} else {
				val = s[i+1:]
				i = n
			}
		} else {
			k := i
			for k < n && s[k] != ' ' {
				k++
			}
			val = s[i:k]
			i = k
		}
		entries = append(entries, observation.DataSetEntry{Key: key, Value: val, Removed: val == ""})
	}
	return entries
}

// parseTableRows parses a TABLE field's nested "row={col=val col=val}"
// structure, reusing parseKeyValueList for both levels.
func parseTableRows(s string) []observation.TableRow {
	rows := parseKeyValueList(s)
	out := make([]observation.TableRow, len(rows))
	for i, r := range rows {
		out[i] = observation.TableRow{Key: r.Key, Removed: r.Removed, Entries: parseKeyValueList(r.Value)}
	}
	return out
}
