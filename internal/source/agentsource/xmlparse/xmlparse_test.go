package xmlparse

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/observation"
)

func buildModel() *devicemodel.Model {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev := b.AddDevice("mill-001", "Mill1")
	comp := b.AddComponent(dev, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{Key: "execution", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationValue}, comp)
	b.AddDataItem(devicemodel.DataItem{Key: "Xfrt", Category: devicemodel.CategorySample, Representation: devicemodel.RepresentationValue}, comp)
	return b.Build()
}

const streamsDoc = `<?xml version="1.0"?>
<MTConnectStreams>
  <Header instanceId="42" nextSequence="101" version="1.7"/>
  <Streams>
    <DeviceStream uuid="mill-001">
      <ComponentStream>
        <Events>
          <Execution dataItemId="execution" timestamp="2021-01-19T10:01:00Z">READY</Execution>
        </Events>
        <Samples>
          <PathFeedrate dataItemId="Xfrt" timestamp="2021-01-19T10:01:00Z">125.5</PathFeedrate>
        </Samples>
      </ComponentStream>
    </DeviceStream>
  </Streams>
</MTConnectStreams>`

func TestParseStreamsDocument(t *testing.T) {
	doc, err := Parse([]byte(streamsDoc), buildModel(), zerolog.Nop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Root != RootStreams {
		t.Fatalf("expected RootStreams, got %v", doc.Root)
	}
	if doc.InstanceID != 42 {
		t.Errorf("instanceId = %d, want 42", doc.InstanceID)
	}
	if doc.Next != 101 {
		t.Errorf("next = %d, want 101", doc.Next)
	}
	if len(doc.Observations) != 2 {
		t.Fatalf("expected 2 observations, got %d: %+v", len(doc.Observations), doc.Observations)
	}

	var event, sample *observation.Observation
	for i := range doc.Observations {
		o := &doc.Observations[i]
		switch o.DataItemID {
		case "execution":
			event = o
		case "Xfrt":
			sample = o
		}
	}
	if event == nil || event.Kind != observation.KindEvent || event.Text != "READY" {
		t.Errorf("unexpected event observation: %+v", event)
	}
	if sample == nil || sample.Kind != observation.KindSample || sample.Value != 125.5 {
		t.Errorf("unexpected sample observation: %+v", sample)
	}
}

const unavailableDoc = `<MTConnectStreams>
  <Header instanceId="1" nextSequence="5"/>
  <Streams>
    <DeviceStream uuid="mill-001">
      <ComponentStream>
        <Samples>
          <PathFeedrate dataItemId="Xfrt" timestamp="2021-01-19T10:01:00Z">UNAVAILABLE</PathFeedrate>
        </Samples>
      </ComponentStream>
    </DeviceStream>
  </Streams>
</MTConnectStreams>`

func TestParseStreamsUnavailable(t *testing.T) {
	doc, err := Parse([]byte(unavailableDoc), buildModel(), zerolog.Nop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.Observations) != 1 || !doc.Observations[0].Unavailable {
		t.Fatalf("expected one UNAVAILABLE observation, got %+v", doc.Observations)
	}
}

const assetChangedDoc = `<MTConnectStreams>
  <Header instanceId="1" nextSequence="5"/>
  <Streams>
    <DeviceStream uuid="mill-001">
      <ComponentStream>
        <Events>
          <AssetChanged dataItemId="asset_chg" timestamp="2021-01-19T10:01:00Z">tool1</AssetChanged>
        </Events>
      </ComponentStream>
    </DeviceStream>
  </Streams>
</MTConnectStreams>`

func TestParseStreamsAssetChangedEvent(t *testing.T) {
	doc, err := Parse([]byte(assetChangedDoc), buildModel(), zerolog.Nop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(doc.AssetEvents) != 1 || doc.AssetEvents[0].AssetID != "tool1" || doc.AssetEvents[0].Removed {
		t.Fatalf("unexpected asset events: %+v", doc.AssetEvents)
	}
	if len(doc.Observations) != 0 {
		t.Errorf("expected AssetChanged to not become an observation, got %+v", doc.Observations)
	}
}

const errorDoc = `<MTConnectError>
  <Header instanceId="1"/>
  <Errors>
    <Error errorCode="NO_DEVICE">Cannot find device</Error>
  </Errors>
</MTConnectError>`

func TestParseErrorDocument(t *testing.T) {
	doc, err := Parse([]byte(errorDoc), buildModel(), zerolog.Nop())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Root != RootError {
		t.Fatalf("expected RootError, got %v", doc.Root)
	}
	if len(doc.Errors) != 1 || doc.Errors[0].Code != "NO_DEVICE" {
		t.Fatalf("unexpected errors: %+v", doc.Errors)
	}
}
