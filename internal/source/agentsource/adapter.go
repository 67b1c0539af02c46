// Package agentsource implements the Agent Adapter (spec.md §4.11): an
// HTTP client that pulls SHDR-equivalent data from another MTConnect
// agent's current/sample/assets endpoints instead of a raw SHDR socket.
//
// agent_adapter.cpp drives this with an async callback chain
// (makeRequest(..., next)) over a single persistent boost::beast
// stream. Go's blocking net/http calls let the same run/current/
// sample/assets sequence read as a straight-line function instead of a
// chain of bound continuations, with the same effect: one long-lived
// streaming GET to /sample, refreshed from /current or /assets only on
// the recovery transitions spec.md §4.11's table names.
package agentsource

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/mtc-agent-core/internal/devicemodel"
	"github.com/snarg/mtc-agent-core/internal/pipeline"
	"github.com/snarg/mtc-agent-core/internal/pipeline/shdr"
	"github.com/snarg/mtc-agent-core/internal/source"
	"github.com/snarg/mtc-agent-core/internal/source/agentsource/xmlparse"
)

// Options configures one upstream agent connection.
type Options struct {
	Scheme string // "http" or "https"; defaults to "http"
	Host   string
	Port   int
	Path   string // device path segment on the upstream agent; defaults to "/"

	// Device is the uuid or name this adapter's incoming observations
	// resolve against. Empty searches the whole model.
	Device string

	SourceID string // defaults to Host:Port

	Count             int           // sample page size; defaults to 1000
	Heartbeat         time.Duration // upstream's own heartbeat; defaults to 10s
	PollInterval      time.Duration // polling fallback cadence; defaults to 2s
	ReconnectInterval time.Duration // defaults to 10s

	TLSConfig *tls.Config // used when Scheme == "https"; nil uses Go's default verification

	Log zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.Scheme == "" {
		o.Scheme = "http"
	}
	if o.Port == 0 {
		o.Port = 5000
	}
	if o.Path == "" {
		o.Path = "/"
	}
	if o.Count <= 0 {
		o.Count = 1000
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.SourceID == "" {
		o.SourceID = fmt.Sprintf("%s:%d", o.Host, o.Port)
	}
}

// mode names where Run resumes after a session ends, mirroring the
// three entry points agent_adapter.cpp exposes as run()/recover()/
// sample()-polling-fallback.
type mode int

const (
	modeCurrent mode = iota // full restart: assets, then current, then stream sample
	modeSample              // resume streaming sample from the last sequence seen
	modePoll                // multipart unavailable: poll /sample on an interval instead
)

func (m mode) String() string {
	switch m {
	case modeCurrent:
		return "current"
	case modeSample:
		return "sample"
	case modePoll:
		return "poll"
	default:
		return "unknown"
	}
}

// Adapter is a single upstream-agent connection manager. Create one
// with New and drive it with Run until its context is canceled or Stop
// is called.
type Adapter struct {
	opts     Options
	model    *devicemodel.Model
	contract pipeline.Contract
	log      zerolog.Logger

	client  *http.Client
	baseURL *url.URL

	instanceID atomic.Int64
	next       atomic.Int64

	mu     sync.Mutex
	device *devicemodel.Device

	stopCh  chan struct{}
	stopped atomic.Bool
}

// New returns an Adapter bound to model and contract.
func New(model *devicemodel.Model, contract pipeline.Contract, opts Options) *Adapter {
	opts.setDefaults()

	transport := &http.Transport{}
	if opts.Scheme == "https" {
		transport.TLSClientConfig = opts.TLSConfig
	}

	a := &Adapter{
		opts:     opts,
		model:    model,
		contract: contract,
		log:      opts.Log,
		client:   &http.Client{Transport: transport},
		baseURL: &url.URL{
			Scheme: opts.Scheme,
			Host:   fmt.Sprintf("%s:%d", opts.Host, opts.Port),
			Path:   opts.Path,
		},
		stopCh: make(chan struct{}),
	}
	if opts.Device != "" {
		if dev, ok := model.FindDevice(opts.Device); ok {
			a.device = dev
		}
	}
	return a
}

// Stop asks Run to return at the next opportunity.
func (a *Adapter) Stop() {
	if a.stopped.CompareAndSwap(false, true) {
		close(a.stopCh)
	}
}

func (a *Adapter) currentDevices() []*devicemodel.Device {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device == nil {
		return nil
	}
	return []*devicemodel.Device{a.device}
}

// Run drives the run→current→sample sequence against the upstream
// agent, applying the ErrorCode-keyed recovery table spec.md §4.11
// describes whenever a session step fails, until ctx is canceled or
// Stop is called.
func (a *Adapter) Run(ctx context.Context) error {
	m := modeCurrent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := a.runStep(ctx, m)
		if err == nil {
			return nil
		}

		var serr *source.Error
		if se, ok := err.(*source.Error); ok {
			serr = se
		} else {
			serr = source.Wrap(a.opts.SourceID, source.AdapterFailed, err)
		}
		a.log.Warn().Err(serr).Str("mode", m.String()).Msg("agent adapter session ended")

		switch serr.Code {
		case source.InstanceIDChanged:
			a.instanceID.Store(0)
			a.next.Store(0)
			m = modeCurrent

		case source.RestartStream:
			m = modeSample

		case source.StreamClosed:
			a.contract.DeliverConnectStatus(a.opts.SourceID, a.currentDevices(), false)
			if !a.sleep(ctx) {
				return ctx.Err()
			}
			if a.instanceID.Load() != 0 {
				m = modeSample
			} else {
				m = modeCurrent
			}

		case source.RetryRequest:
			if !a.sleep(ctx) {
				return ctx.Err()
			}
			// m unchanged: retry the same step

		case source.MultipartStreamFailed:
			m = modePoll

		case source.AdapterFailed:
			a.contract.DeliverConnectStatus(a.opts.SourceID, a.currentDevices(), false)
			a.contract.SourceFailed(a.opts.SourceID)
			return serr

		default:
			if !a.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

// sleep waits ReconnectInterval, returning false if ctx was canceled
// or Stop was called while waiting.
func (a *Adapter) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.stopCh:
		return false
	case <-time.After(a.opts.ReconnectInterval):
		return true
	}
}

func (a *Adapter) runStep(ctx context.Context, m mode) error {
	switch m {
	case modeCurrent:
		if err := a.fetchAssets(ctx); err != nil {
			return err
		}
		if err := a.fetchCurrent(ctx); err != nil {
			return err
		}
		a.contract.DeliverConnectStatus(a.opts.SourceID, a.currentDevices(), true)
		return a.streamSample(ctx)
	case modeSample:
		a.contract.DeliverConnectStatus(a.opts.SourceID, a.currentDevices(), true)
		return a.streamSample(ctx)
	case modePoll:
		a.contract.DeliverConnectStatus(a.opts.SourceID, a.currentDevices(), true)
		return a.pollSample(ctx)
	default:
		return fmt.Errorf("agentsource: unknown mode %d", m)
	}
}

func (a *Adapter) get(ctx context.Context, suffix string, query url.Values) (*http.Response, error) {
	u := *a.baseURL
	if len(suffix) > 0 && suffix[0] == '/' {
		u.Path = suffix
	} else {
		u.Path = a.baseURL.Path + suffix
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, source.Wrap(a.opts.SourceID, source.AdapterFailed, err)
	}
	req.Header.Set("User-Agent", "mtc-agent-core/1.0")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, source.Wrap(a.opts.SourceID, source.RetryRequest, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, source.Wrap(a.opts.SourceID, source.RetryRequest, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, u.String()))
	}
	return resp, nil
}

// fetchAssets pulls the full asset list (count=1048576, matching
// agent_adapter.cpp's "fetch everything" constant) and delivers each
// document as an AssetAdd command.
func (a *Adapter) fetchAssets(ctx context.Context) error {
	resp, err := a.get(ctx, "assets", url.Values{"count": {"1048576"}})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	doc, err := a.decode(resp)
	if err != nil {
		return err
	}
	for _, asset := range doc.Assets {
		a.deliverAssetDocument(asset)
	}
	return nil
}

// fetchAssetIDs handles an AssetChanged/AssetRemoved event batch:
// AssetRemoved ids are delivered as asset removals, and AssetChanged
// ids are re-fetched with one "/assets/id1;id2;..." follow-up GET,
// matching updateAssets'.
func (a *Adapter) fetchAssetIDs(ctx context.Context, events []xmlparse.AssetChangedEvent) error {
	var add, remove []string
	for _, e := range events {
		if e.Removed {
			remove = append(remove, e.AssetID)
		} else {
			add = append(add, e.AssetID)
		}
	}
	for _, id := range remove {
		a.contract.DeliverAssetCommand(shdr.AssetCommand{Kind: shdr.AssetRemove, AssetID: id})
	}
	if len(add) == 0 {
		return nil
	}

	ids := add[0]
	for _, id := range add[1:] {
		ids += ";" + id
	}
	resp, err := a.get(ctx, "/assets/"+ids, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	doc, err := a.decode(resp)
	if err != nil {
		return err
	}
	for _, asset := range doc.Assets {
		a.deliverAssetDocument(asset)
	}
	return nil
}

func (a *Adapter) deliverAssetDocument(doc xmlparse.AssetDocument) {
	a.contract.DeliverAssetCommand(shdr.AssetCommand{
		Kind:      shdr.AssetAdd,
		AssetID:   doc.ID,
		AssetType: doc.Type,
		Body:      doc.Body,
	})
}

// fetchCurrent issues a single /current GET to establish instanceId
// and next before the long-lived /sample stream opens.
func (a *Adapter) fetchCurrent(ctx context.Context) error {
	resp, err := a.get(ctx, "current", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	doc, err := a.decode(resp)
	if err != nil {
		return err
	}
	return a.applyDocument(ctx, doc)
}

// streamSample opens one long-lived GET to /sample and, when the
// response is multipart/x-mixed-replace, reads it as a sequence of
// MIME parts for as long as the connection stays open. A non-multipart
// response means the upstream agent (or an intervening proxy) doesn't
// support streaming, which maps to MultipartStreamFailed so Run falls
// back to polling.
func (a *Adapter) streamSample(ctx context.Context) error {
	resp, err := a.get(ctx, "sample", a.sampleQuery())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" || params["boundary"] == "" {
		return source.Wrap(a.opts.SourceID, source.MultipartStreamFailed, fmt.Errorf("content-type %q is not a multipart stream", resp.Header.Get("Content-Type")))
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		part, err := reader.NextPart()
		if err != nil {
			return source.Wrap(a.opts.SourceID, source.StreamClosed, err)
		}
		if err := a.processPart(ctx, part); err != nil {
			part.Close()
			return err
		}
		part.Close()
	}
}

// pollSample is the MultipartStreamFailed fallback: instead of one
// streaming connection, issue individual /sample GETs on PollInterval.
func (a *Adapter) pollSample(ctx context.Context) error {
	for {
		resp, err := a.get(ctx, "sample", a.sampleQuery())
		if err != nil {
			return err
		}
		doc, err := a.decode(resp)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if err := a.applyDocument(ctx, doc); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case <-time.After(a.opts.PollInterval):
		}
	}
}

func (a *Adapter) sampleQuery() url.Values {
	return url.Values{
		"from":      {strconv.FormatInt(a.next.Load(), 10)},
		"count":     {strconv.Itoa(a.opts.Count)},
		"heartbeat": {strconv.FormatInt(a.opts.Heartbeat.Milliseconds(), 10)},
		"interval":  {"500"},
	}
}

func (a *Adapter) processPart(ctx context.Context, part *multipart.Part) error {
	body, err := io.ReadAll(part)
	if err != nil {
		return source.Wrap(a.opts.SourceID, source.StreamClosed, err)
	}
	doc, err := xmlparse.Parse(body, a.model, a.log)
	if err != nil {
		return source.Wrap(a.opts.SourceID, source.RetryRequest, err)
	}
	return a.applyDocument(ctx, doc)
}

func (a *Adapter) decode(resp *http.Response) (*xmlparse.ResponseDocument, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, source.Wrap(a.opts.SourceID, source.RetryRequest, err)
	}
	doc, err := xmlparse.Parse(body, a.model, a.log)
	if err != nil {
		return nil, source.Wrap(a.opts.SourceID, source.RetryRequest, err)
	}
	return doc, nil
}

// applyDocument is the common tail end of every fetch path: it checks
// instanceId continuity, delivers observations and asset events, and
// surfaces an upstream MTConnectError as a retryable failure.
func (a *Adapter) applyDocument(ctx context.Context, doc *xmlparse.ResponseDocument) error {
	if doc.Root == xmlparse.RootError {
		msg := "upstream agent returned an error"
		if len(doc.Errors) > 0 {
			msg = doc.Errors[0].Code + ": " + doc.Errors[0].Text
		}
		return source.Wrap(a.opts.SourceID, source.RetryRequest, errors.New(msg))
	}

	prev := a.instanceID.Swap(doc.InstanceID)
	if prev != 0 && doc.InstanceID != 0 && prev != doc.InstanceID {
		return source.Wrap(a.opts.SourceID, source.InstanceIDChanged,
			fmt.Errorf("instance id changed from %d to %d", prev, doc.InstanceID))
	}

	if doc.Next > 0 {
		a.next.Store(int64(doc.Next))
	}

	for _, obs := range doc.Observations {
		a.contract.DeliverObservation(obs)
	}

	if len(doc.AssetEvents) > 0 {
		if err := a.fetchAssetIDs(ctx, doc.AssetEvents); err != nil {
			return err
		}
	}
	return nil
}
