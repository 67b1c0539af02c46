package shdr

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

func buildModel() *devicemodel.Model {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev := b.AddDevice("dev1", "Mill1")
	comp := b.AddComponent(dev, 0, "controller")

	b.AddDataItem(devicemodel.DataItem{Key: "a", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationValue, Type: "EXECUTION"}, comp)
	b.AddDataItem(devicemodel.DataItem{Key: "x1", Category: devicemodel.CategorySample, Representation: devicemodel.RepresentationValue}, comp)
	b.AddDataItem(devicemodel.DataItem{Key: "v1", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationDataSet}, comp)
	b.AddDataItem(devicemodel.DataItem{Key: "cond1", Category: devicemodel.CategoryCondition, Representation: devicemodel.RepresentationValue}, comp)
	b.AddDataItem(devicemodel.DataItem{Key: "msg1", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationValue, Type: "MESSAGE"}, comp)

	return b.Build()
}

func TestMapLineEventPassthrough(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	ts := time.Date(2021, 1, 19, 10, 1, 0, 0, time.UTC)

	obs, cmd := m.MapLine(nil, "a|READY", ts)
	if cmd != nil {
		t.Fatal("unexpected asset command")
	}
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	if obs[0].DataItemID != "a" || obs[0].Text != "READY" || !obs[0].Timestamp.Equal(ts) {
		t.Errorf("unexpected observation: %+v", obs[0])
	}
}

func TestMapLineSampleUnavailable(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	obs, _ := m.MapLine(nil, "x1|UNAVAILABLE", time.Now())
	if len(obs) != 1 || !obs[0].Unavailable {
		t.Fatalf("expected unavailable sample, got %+v", obs)
	}
}

func TestMapLineDataSetWithRemoval(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())

	obs1, _ := m.MapLine(nil, "v1|a=1 b=2 c={abc}", time.Now())
	if len(obs1) != 1 || len(obs1[0].DataSet) != 3 {
		t.Fatalf("expected 3 entries, got %+v", obs1)
	}

	obs2, _ := m.MapLine(nil, "v1|c=", time.Now())
	if len(obs2) != 1 || len(obs2[0].DataSet) != 1 {
		t.Fatalf("expected 1 entry, got %+v", obs2)
	}
	if !obs2[0].DataSet[0].Removed || obs2[0].DataSet[0].Key != "c" {
		t.Errorf("expected c marked removed, got %+v", obs2[0].DataSet[0])
	}
}

func TestMapLineCondition(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	obs, _ := m.MapLine(nil, "cond1|FAULT|404|1|HIGH|spindle overheat", time.Now())
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	o := obs[0]
	if o.Level != observation.LevelFault || o.NativeCode != "404" || o.Qualifier != "HIGH" || o.Message != "spindle overheat" {
		t.Errorf("unexpected condition observation: %+v", o)
	}
}

func TestMapLineMessage(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	obs, _ := m.MapLine(nil, "msg1|200|all clear", time.Now())
	if len(obs) != 1 || obs[0].NativeCode != "200" || obs[0].Message != "all clear" {
		t.Fatalf("unexpected message observation: %+v", obs)
	}
}

func TestMapLineUnresolvedKeyYieldsNoObservation(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	obs, cmd := m.MapLine(nil, "nope|1", time.Now())
	if obs != nil || cmd != nil {
		t.Errorf("expected no output for unresolved key, got obs=%v cmd=%v", obs, cmd)
	}
}

func TestMapLineMultiLineAssetAccumulates(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())

	obs, cmd := m.MapLine(nil, "@ASSET@|tool1|Tool|--multiline--AAA", time.Now())
	if obs != nil || cmd != nil {
		t.Fatalf("expected no immediate output when opening a multi-line asset")
	}

	obs, cmd = m.MapLine(nil, "<Tool id=\"1\"/>", time.Now())
	if obs != nil || cmd != nil {
		t.Fatalf("expected accumulation, not output, mid-body")
	}

	obs, cmd = m.MapLine(nil, "--multiline--AAA", time.Now())
	if obs != nil {
		t.Errorf("expected no observations from an asset command")
	}
	if cmd == nil {
		t.Fatal("expected a completed asset command on terminator")
	}
	if cmd.AssetID != "tool1" || cmd.Kind != AssetAdd {
		t.Errorf("unexpected asset command: %+v", cmd)
	}
	if cmd.Body != `<Tool id="1"/>` {
		t.Errorf("unexpected asset body: %q", cmd.Body)
	}
}

func TestMapLineRemoveAsset(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	_, cmd := m.MapLine(nil, "@REMOVE_ASSET@|tool1", time.Now())
	if cmd == nil || cmd.Kind != AssetRemove || cmd.AssetID != "tool1" {
		t.Fatalf("unexpected remove command: %+v", cmd)
	}
}

func TestMapLineDeviceScopedKeyResolvesAcrossDevices(t *testing.T) {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev1 := b.AddDevice("mill-1", "Mill1")
	b.AddDevice("mill-2", "Mill2")
	comp1 := b.AddComponent(dev1, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{Key: "x1", Category: devicemodel.CategorySample, Representation: devicemodel.RepresentationValue}, comp1)
	model := b.Build()

	m := NewMapper(model, zerolog.Nop())
	mill2, ok := model.FindDevice("Mill2")
	if !ok {
		t.Fatal("expected Mill2 to resolve")
	}

	// x1 belongs to Mill1; scoped to the session's default device Mill2
	// without a prefix, it must not resolve.
	obs, _ := m.MapLine(mill2, "x1|1.5", time.Now())
	if obs != nil {
		t.Fatalf("expected no observation for cross-device key, got %+v", obs)
	}

	// The "[device:]key" prefix rebinds resolution to Mill1 and succeeds.
	obs, _ = m.MapLine(mill2, "Mill1:x1|1.5", time.Now())
	if len(obs) != 1 || obs[0].DataItemID != "x1" || obs[0].Value != 1.5 {
		t.Fatalf("expected device-prefixed key to resolve, got %+v", obs)
	}
}

func TestMapLineSampleResetTriggerSplitsValue(t *testing.T) {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev := b.AddDevice("dev1", "Mill1")
	comp := b.AddComponent(dev, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{
		Key:            "a",
		Category:       devicemodel.CategorySample,
		Representation: devicemodel.RepresentationValue,
		ResetTrigger:   "MANUAL",
	}, comp)
	model := b.Build()

	m := NewMapper(model, zerolog.Nop())
	obs, _ := m.MapLine(nil, "a|1.23456:MANUAL", time.Now())
	if len(obs) != 1 {
		t.Fatalf("expected 1 observation, got %d", len(obs))
	}
	if obs[0].Value != 1.23456 || obs[0].Trigger != "MANUAL" {
		t.Errorf("expected value 1.23456 and trigger MANUAL, got %+v", obs[0])
	}
}

func TestDiscardPendingClearsMultiLineState(t *testing.T) {
	m := NewMapper(buildModel(), zerolog.Nop())
	m.MapLine(nil, "@ASSET@|tool1|Tool|--multiline--AAA", time.Now())
	m.DiscardPending()

	// Now the terminator line is treated as an ordinary (unresolved) key,
	// not as closing an asset, proving the pending state was cleared.
	obs, cmd := m.MapLine(nil, "--multiline--AAA", time.Now())
	if obs != nil || cmd != nil {
		t.Errorf("expected discarded state to stop treating the terminator specially, got obs=%v cmd=%v", obs, cmd)
	}
}
