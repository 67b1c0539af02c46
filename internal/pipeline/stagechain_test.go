package pipeline

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/buffer"
	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
	"github.com/snarg/mtc-agent-core/internal/signal"
)

func TestProcessSHDRLineEventPassthroughEndToEnd(t *testing.T) {
	b := devicemodel.NewBuilder(zerolog.Nop())
	dev := b.AddDevice("dev1", "Mill1")
	comp := b.AddComponent(dev, 0, "controller")
	b.AddDataItem(devicemodel.DataItem{Key: "a", Category: devicemodel.CategoryEvent, Representation: devicemodel.RepresentationValue, Type: "EXECUTION"}, comp)
	model := b.Build()

	buf := buffer.New(16, 4)
	sig := signal.NewSignaler()
	core := New(model, buf, sig, false, Hooks{}, zerolog.Nop())

	extractor := shdr.New(false, false, zerolog.Nop())
	mapper := shdr.NewMapper(model, zerolog.Nop())

	ProcessSHDRLine(extractor, mapper, core, nil, "2021-01-19T10:01:00Z|a|READY")

	latest := buf.Latest(nil)
	got, ok := latest.Values["a"]
	if !ok || got.Text != "READY" {
		t.Fatalf("expected a=READY in latest state, got %+v ok=%v", got, ok)
	}
	want := time.Date(2021, 1, 19, 10, 1, 0, 0, time.UTC)
	if !got.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, want)
	}
}

func TestProcessSHDRLineAssetCommandReachesCore(t *testing.T) {
	b := devicemodel.NewBuilder(zerolog.Nop())
	model := b.Build()

	buf := buffer.New(16, 4)
	sig := signal.NewSignaler()

	var delivered []Asset
	core := New(model, buf, sig, false, Hooks{OnAsset: func(a Asset) { delivered = append(delivered, a) }}, zerolog.Nop())

	extractor := shdr.New(false, false, zerolog.Nop())
	mapper := shdr.NewMapper(model, zerolog.Nop())

	ProcessSHDRLine(extractor, mapper, core, nil, "2021-01-19T10:01:00Z|@ASSET@|tool1|Tool|--multiline--AAA")
	ProcessSHDRLine(extractor, mapper, core, nil, `<Tool id="1"/>`)
	ProcessSHDRLine(extractor, mapper, core, nil, "--multiline--AAA")

	if len(delivered) != 1 || delivered[0].ID != "tool1" {
		t.Fatalf("expected tool1 asset delivered, got %+v", delivered)
	}
	if delivered[0].Body != `<Tool id="1"/>` {
		t.Errorf("unexpected asset body: %q", delivered[0].Body)
	}
}
