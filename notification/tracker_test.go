package notification

import (
	"context"
	"sync"
	"testing"

	"github.com/sharedcode/fabric"
	"github.com/sharedcode/fabric/naming"
)

func trackerRsp(name string, cuid fabric.UUID, fmVersion int64, primary string) *naming.RSP {
	return &naming.RSP{
		ServiceName: name,
		CUID:        cuid,
		Version:     naming.RSPVersion{FMVersion: fmVersion},
		Primary:     primary,
		Partition:   naming.PartitionInfo{CUID: cuid, LowKey: 0, HighKey: 99},
	}
}

func TestTrackerMoreRecentRule(t *testing.T) {
	tr := newAddressTracker("fabric:/svc", naming.NewInt64Key(5), "fabric:/svc")
	cuid := fabric.NewUUID()

	if !tr.isMoreRecent(trackerRsp("fabric:/svc", cuid, 10, "tcp://a")) {
		t.Fatalf("first RSP for a CUID not news")
	}
	if tr.isMoreRecent(trackerRsp("fabric:/svc", cuid, 10, "tcp://a")) {
		t.Errorf("equal version counted as news")
	}
	if tr.isMoreRecent(trackerRsp("fabric:/svc", cuid, 9, "tcp://a")) {
		t.Errorf("older version counted as news")
	}
	if !tr.isMoreRecent(trackerRsp("fabric:/svc", cuid, 11, "tcp://b")) {
		t.Errorf("strictly newer version not news")
	}
	// Another partition's CUID starts its own history.
	if !tr.isMoreRecent(trackerRsp("fabric:/svc", fabric.NewUUID(), 1, "tcp://c")) {
		t.Errorf("new CUID not news")
	}
}

type countingPollGateway struct {
	mockNotificationGateway
	mu       sync.Mutex
	requests []*PollRequest
	reply    *PollReply
}

// PollServiceLocations hands out the programmed reply once, then parks like
// a real gateway long-poll until the manager shuts down.
func (g *countingPollGateway) PollServiceLocations(ctx context.Context, req *PollRequest) (*PollReply, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	reply := g.reply
	g.reply = nil
	g.mu.Unlock()
	if reply != nil {
		return reply, nil
	}
	<-ctx.Done()
	return nil, fabric.NewError(fabric.OperationCanceled, ctx.Err())
}

func TestTrackerManagerCallbackDelivery(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &countingPollGateway{}
	settings := fabric.NewSettings()
	m := NewTrackerManager(gw, nil, settings)
	defer m.Close()

	var mu sync.Mutex
	var got []*naming.RSP
	done := make(chan struct{}, 8)
	id, err := m.AddTracker("fabric:/svc", naming.NewInt64Key(5), func(rsp *naming.RSP, failure *AddressDetectionFailure) {
		mu.Lock()
		got = append(got, rsp)
		mu.Unlock()
		done <- struct{}{}
	})
	if err != nil {
		t.Fatalf("AddTracker failed: %v", err)
	}

	m.CacheUpdatedCallback(trackerRsp("fabric:/svc", cuid, 10, "tcp://a"), nil)
	<-done
	mu.Lock()
	if len(got) != 1 || got[0].Primary != "tcp://a" {
		t.Fatalf("delivery = %+v", got)
	}
	mu.Unlock()

	// A duplicate (same version) update is discarded.
	m.CacheUpdatedCallback(trackerRsp("fabric:/svc", cuid, 10, "tcp://a"), nil)
	// A newer one is delivered.
	m.CacheUpdatedCallback(trackerRsp("fabric:/svc", cuid, 11, "tcp://b"), nil)
	<-done
	mu.Lock()
	if len(got) != 2 {
		t.Errorf("deliveries = %d, expected 2 (duplicate suppressed)", len(got))
	}
	mu.Unlock()

	m.RemoveTracker(id)
	// After removal the tracker is gone; updates are no-ops.
	m.CacheUpdatedCallback(trackerRsp("fabric:/svc", cuid, 12, "tcp://c"), nil)
	select {
	case <-done:
		t.Errorf("removed tracker still delivered")
	default:
	}
}

func TestTrackerManagerPollBuildsRequests(t *testing.T) {
	cuid := fabric.NewUUID()
	gw := &countingPollGateway{
		reply: &PollReply{
			Partitions:                    []*naming.RSP{trackerRsp("fabric:/svc", cuid, 10, "tcp://a")},
			FirstNonProcessedRequestIndex: -1,
		},
	}
	settings := fabric.NewSettings()
	m := NewTrackerManager(gw, nil, settings)
	defer m.Close()

	done := make(chan struct{}, 8)
	if _, err := m.AddTracker("fabric:/svc", naming.NewInt64Key(5), func(rsp *naming.RSP, failure *AddressDetectionFailure) {
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("AddTracker failed: %v", err)
	}

	// The first poll is scheduled immediately on tracker add; the reply's
	// partition must reach the tracker's callback.
	<-done

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.requests) == 0 {
		t.Fatalf("no poll request sent")
	}
	req := gw.requests[0]
	if len(req.Requests) != 1 || req.Requests[0].Name != "fabric:/svc" {
		t.Errorf("poll request = %+v", req.Requests)
	}
}

func TestTrackerFailureDelivery(t *testing.T) {
	gw := &countingPollGateway{}
	m := NewTrackerManager(gw, nil, fabric.NewSettings())
	defer m.Close()

	done := make(chan *AddressDetectionFailure, 4)
	if _, err := m.AddTracker("fabric:/svc", naming.NewInt64Key(5), func(rsp *naming.RSP, failure *AddressDetectionFailure) {
		done <- failure
	}); err != nil {
		t.Fatalf("AddTracker failed: %v", err)
	}

	adf := &AddressDetectionFailure{Name: "fabric:/svc", Key: naming.NewInt64Key(5), Error: fabric.ServiceOffline}
	m.CacheUpdatedCallback(nil, adf)
	f := <-done
	if f == nil || f.Error != fabric.ServiceOffline {
		t.Fatalf("failure delivery = %+v", f)
	}

	// The same error kind again is suppressed.
	m.CacheUpdatedCallback(nil, adf)
	select {
	case f := <-done:
		t.Errorf("repeated failure delivered: %+v", f)
	default:
	}
}
