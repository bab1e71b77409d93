package naming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sharedcode/fabric"
)

// mockGateway stubs the naming service with programmable replies and call
// counting.
type mockGateway struct {
	mu sync.Mutex

	psd       *PSD
	psdErr    error
	rsp       *RSP
	rspErr    error
	prefixPsd *PSD

	psdCalls    int32
	rspCalls    int32
	prefixCalls int32
}

func (g *mockGateway) GetServiceDescription(ctx context.Context, name string) (*PSD, error) {
	atomic.AddInt32(&g.psdCalls, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.psdErr != nil {
		return nil, g.psdErr
	}
	return g.psd, nil
}

func (g *mockGateway) ResolveServicePartition(ctx context.Context, req ResolveRequest) (*ResolveReply, error) {
	atomic.AddInt32(&g.rspCalls, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rspErr != nil {
		return nil, g.rspErr
	}
	return &ResolveReply{RSP: g.rsp}, nil
}

func (g *mockGateway) PrefixResolveServicePartition(ctx context.Context, req ResolveRequest) (*ResolveReply, error) {
	atomic.AddInt32(&g.prefixCalls, 1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rspErr != nil {
		return nil, g.rspErr
	}
	return &ResolveReply{RSP: g.rsp, PSD: g.prefixPsd}, nil
}

func uniformPsd(name string, version int64, cuid fabric.UUID) *PSD {
	return &PSD{
		Name:       name,
		Version:    version,
		Scheme:     UniformInt64Range,
		Partitions: []PartitionInfo{{CUID: cuid, LowKey: 0, HighKey: 99}},
	}
}

func testRsp(name string, cuid fabric.UUID, fmVersion int64) *RSP {
	return &RSP{
		ServiceName: name,
		CUID:        cuid,
		Version:     RSPVersion{Generation: Generation{Owner: 1, Number: 1}, FMVersion: fmVersion, StoreVersion: 100},
		IsStateful:  true,
		Primary:     "tcp://node1:9000",
	}
}

func newTestCache(gw Gateway) *ResolutionCache {
	return NewResolutionCache(gw, fabric.NewSettings(), nil)
}

func TestResolveRoundTrip(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
		rsp: testRsp("fabric:/svc", cuid, 10),
	}
	c := newTestCache(gw)
	ctx := context.Background()

	rsp, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rsp.Primary != "tcp://node1:9000" {
		t.Errorf("primary = %q", rsp.Primary)
	}
	if gw.psdCalls != 1 || gw.rspCalls != 1 {
		t.Errorf("fetch counts = (psd %d, rsp %d), expected (1, 1)", gw.psdCalls, gw.rspCalls)
	}

	// Second resolve with the same key hits the cache, no network calls.
	rsp2, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if rsp2 != rsp {
		t.Errorf("second resolve returned a different RSP")
	}
	if gw.psdCalls != 1 || gw.rspCalls != 1 {
		t.Errorf("cached resolve made network calls: (psd %d, rsp %d)", gw.psdCalls, gw.rspCalls)
	}
}

func TestResolveVersionBumpInvalidation(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
		rsp: testRsp("fabric:/svc", cuid, 10),
	}
	c := newTestCache(gw)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); err != nil {
		t.Fatalf("warmup resolve failed: %v", err)
	}

	// The caller saw FMVersion 10 already; the gateway now has 11.
	gw.mu.Lock()
	gw.rsp = testRsp("fabric:/svc", cuid, 11)
	gw.mu.Unlock()

	previous := &RSPVersion{Generation: Generation{Owner: 1, Number: 1}, FMVersion: 10, StoreVersion: 100}
	rsp, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), previous)
	if err != nil {
		t.Fatalf("resolve with previous failed: %v", err)
	}
	if rsp.Version.FMVersion != 11 {
		t.Errorf("returned FMVersion = %d, expected strictly newer 11", rsp.Version.FMVersion)
	}
	if rsp.Version.Compare(*previous) <= 0 {
		t.Errorf("returned RSP not strictly newer than previous")
	}
	// One warmup resolve plus exactly one refresh.
	if gw.rspCalls != 2 {
		t.Errorf("rsp fetches = %d, expected 2", gw.rspCalls)
	}
}

func TestResolveInvalidServiceEvictsEntry(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
		rsp: testRsp("fabric:/svc", cuid, 10),
	}
	gw.rspErr = fabric.NewError(fabric.NameNotFound, fmt.Errorf("gone"))
	c := newTestCache(gw)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); fabric.CodeOf(err) != fabric.NameNotFound {
		t.Fatalf("resolve error = %v, expected NameNotFound", err)
	}
	if c.Count() != 0 {
		t.Errorf("entry survived invalid-service error")
	}

	// After the error clears, resolve works again from scratch.
	gw.mu.Lock()
	gw.rspErr = nil
	gw.mu.Unlock()
	if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); err != nil {
		t.Fatalf("resolve after recovery failed: %v", err)
	}
}

func TestResolveInvalidPartitionKeepsEntry(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
	}
	gw.rspErr = fabric.NewError(fabric.ServiceOffline, fmt.Errorf("offline"))
	c := newTestCache(gw)
	ctx := context.Background()

	if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); fabric.CodeOf(err) != fabric.ServiceOffline {
		t.Fatalf("resolve error = %v, expected ServiceOffline", err)
	}
	if c.Count() != 1 {
		t.Errorf("descriptor entry evicted by invalid-partition error")
	}
}

func TestGetPsd(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{psd: uniformPsd("fabric:/svc", 7, cuid)}
	c := newTestCache(gw)

	psd, err := c.GetPsd(context.Background(), "fabric:/svc")
	if err != nil {
		t.Fatalf("GetPsd failed: %v", err)
	}
	if psd.Version != 7 {
		t.Errorf("psd version = %d", psd.Version)
	}
	if _, err := c.GetPsd(context.Background(), "fabric:/svc"); err != nil {
		t.Fatalf("second GetPsd failed: %v", err)
	}
	if gw.psdCalls != 1 {
		t.Errorf("psd fetched %d times, expected 1", gw.psdCalls)
	}
}

func TestUpdateFromNotification(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
		rsp: testRsp("fabric:/svc", cuid, 10),
	}
	c := newTestCache(gw)
	ctx := context.Background()

	var updates []*RSP
	c.RegisterRspUpdateCallback("fabric:/svc", func(rsp *RSP) {
		updates = append(updates, rsp)
	})
	defer c.ReleaseRspUpdateCallback("fabric:/svc")

	if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); err != nil {
		t.Fatalf("warmup resolve failed: %v", err)
	}
	updates = nil

	// A newer location pushed by the gateway replaces the slot and raises
	// the callback.
	newer := testRsp("fabric:/svc", cuid, 12)
	c.UpdateFromNotification(newer, nil)
	if len(updates) != 1 || updates[0].Version.FMVersion != 12 {
		t.Fatalf("callback updates = %+v", updates)
	}

	// A stale location is absorbed silently.
	stale := testRsp("fabric:/svc", cuid, 11)
	c.UpdateFromNotification(stale, nil)
	if len(updates) != 1 {
		t.Errorf("stale notification raised a callback")
	}

	rsp, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rsp.Version.FMVersion != 12 {
		t.Errorf("cached FMVersion = %d, expected 12", rsp.Version.FMVersion)
	}

	// An empty entry with nothing cached leaves the cache untouched.
	before := c.Count()
	empty := &RSP{ServiceName: "fabric:/other", CUID: fabric.NewUUID(), Version: RSPVersion{FMVersion: 1}}
	c.UpdateFromNotification(empty, nil)
	if c.Count() != before {
		t.Errorf("already-deleted notification changed the cache")
	}
}

func TestPrefixResolve(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		prefixPsd: uniformPsd("fabric:/app", 5, cuid),
		rsp:       testRsp("fabric:/app", cuid, 3),
	}
	c := newTestCache(gw)
	ctx := context.Background()

	rsp, err := c.PrefixResolve(ctx, "fabric:/app/svc", NewInt64Key(1), nil, false)
	if err != nil {
		t.Fatalf("prefix resolve failed: %v", err)
	}
	if rsp.Primary != "tcp://node1:9000" {
		t.Errorf("primary = %q", rsp.Primary)
	}
	if gw.prefixCalls != 1 {
		t.Errorf("prefix calls = %d", gw.prefixCalls)
	}

	// Cached: no further round trips.
	if _, err := c.PrefixResolve(ctx, "fabric:/app/svc", NewInt64Key(1), nil, false); err != nil {
		t.Fatalf("cached prefix resolve failed: %v", err)
	}
	if gw.prefixCalls != 1 {
		t.Errorf("cached prefix resolve hit the gateway (%d calls)", gw.prefixCalls)
	}

	// bypassCache forces a round trip.
	if _, err := c.PrefixResolve(ctx, "fabric:/app/svc", NewInt64Key(1), nil, true); err != nil {
		t.Fatalf("bypass prefix resolve failed: %v", err)
	}
	if gw.prefixCalls != 2 {
		t.Errorf("bypass did not hit the gateway (%d calls)", gw.prefixCalls)
	}
}

func TestResolveConcurrentSingleFlight(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &mockGateway{
		psd: uniformPsd("fabric:/svc", 100, cuid),
		rsp: testRsp("fabric:/svc", cuid, 10),
	}
	c := newTestCache(gw)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Resolve(ctx, "fabric:/svc", NewInt64Key(5), nil); err != nil {
				t.Errorf("concurrent resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if gw.psdCalls != 1 {
		t.Errorf("psd fetched %d times under concurrency, expected 1", gw.psdCalls)
	}
	if gw.rspCalls != 1 {
		t.Errorf("rsp fetched %d times under concurrency, expected 1", gw.rspCalls)
	}
}
