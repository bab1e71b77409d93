package health

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/fabric"
)

// Gateway is the health client's view of the cluster health store.
type Gateway interface {
	ReportHealth(ctx context.Context, reports []Report) ([]ReportResult, error)
}

// Client batches health reports and sends them on a timer, retrying until
// each is acknowledged. Reports are accepted once per (entity, source,
// property) sequence number; stale sequence numbers are rejected
// immediately.
type Client struct {
	gateway  Gateway
	settings fabric.Settings

	mu       sync.Mutex
	pending  *sortedReports
	accepted map[reportKey]int64
	opened   bool
	backoff  bool
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewClient creates a health report client over gateway.
func NewClient(gateway Gateway, settings fabric.Settings) *Client {
	return &Client{
		gateway:  gateway,
		settings: settings,
		pending:  newSortedReports(),
		accepted: make(map[reportKey]int64),
	}
}

// Open starts the send timer.
func (c *Client) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return
	}
	c.opened = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.armTimerCallerHoldsLock()
}

// Close stops the timer; pending reports stay queued but are not sent while
// the client is closed.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return
	}
	c.opened = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()
}

// AddReport queues one report. A sequence number at or below the last
// accepted one for the same key is stale; a full queue rejects new reports
// until acks drain it.
func (c *Client) AddReport(r Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return fabric.NewError(fabric.NotReady, fmt.Errorf("health client is not open"))
	}
	if last, ok := c.accepted[keyOf(&r)]; ok && r.SequenceNumber <= last {
		return fabric.NewError(fabric.StaleReport, fmt.Errorf("sequence %d already accepted for %s/%s", r.SequenceNumber, r.SourceID, r.Property))
	}
	if c.pending.count() >= c.settings.MaxNumberOfHealthReports {
		return fabric.NewError(fabric.NotReady, fmt.Errorf("%d health reports already pending", c.pending.count()))
	}
	if !c.pending.add(&r) {
		return fabric.NewError(fabric.StaleReport, fmt.Errorf("sequence %d superseded for %s/%s", r.SequenceNumber, r.SourceID, r.Property))
	}
	return nil
}

// AddReports queues each report, returning the first rejection.
func (c *Client) AddReports(reports []Report) error {
	for i := range reports {
		if err := c.AddReport(reports[i]); err != nil {
			return err
		}
	}
	return nil
}

// PendingCount returns the number of queued reports.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.count()
}

func (c *Client) armTimerCallerHoldsLock() {
	interval := c.settings.HealthReportSendInterval
	if c.backoff {
		// The health store reported itself busy; retry on the slower clock.
		interval = c.settings.HealthReportRetrySendInterval
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(interval, c.sendDueReports)
}

// sendDueReports drains up to MaxNumberOfHealthReports pending reports in
// sequence order and retires the acknowledged ones.
func (c *Client) sendDueReports() {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	batch := c.pending.contentUpTo(c.settings.MaxNumberOfHealthReports)
	ctx := c.ctx
	c.mu.Unlock()

	if len(batch) > 0 {
		sendCtx, cancel := context.WithTimeout(ctx, c.settings.HealthOperationTimeout)
		results, err := c.gateway.ReportHealth(sendCtx, batch)
		cancel()

		c.mu.Lock()
		if err != nil {
			c.backoff = fabric.CodeOf(err) == fabric.GatewayUnreachable || fabric.CodeOf(err).IsRetryableTransport()
			log.Warn(fmt.Sprintf("health report send of %d reports failed: %v", len(batch), err))
		} else {
			c.backoff = false
			for i := range results {
				c.applyResultCallerHoldsLock(&results[i])
			}
		}
		if c.opened {
			c.armTimerCallerHoldsLock()
		}
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.opened {
		c.armTimerCallerHoldsLock()
	}
	c.mu.Unlock()
}

// applyResultCallerHoldsLock retires acknowledged reports. Retryable
// statuses keep the report queued for the next tick; non-actionable errors
// retire it so one bad report can't wedge the stream.
func (c *Client) applyResultCallerHoldsLock(res *ReportResult) {
	switch {
	case res.Status == fabric.Success:
		c.pending.remove(res)
		k := reportKey{entityID: res.EntityID, sourceID: res.SourceID, property: res.Property}
		if res.SequenceNumber > c.accepted[k] {
			c.accepted[k] = res.SequenceNumber
		}
	case res.Status.IsRetryableTransport() || res.Status == fabric.GatewayUnreachable || res.Status == fabric.Timeout:
		// Keep pending; resent on the next tick.
	default:
		log.Warn(fmt.Sprintf("health report %s/%s seq %d rejected: %d", res.SourceID, res.Property, res.SequenceNumber, res.Status))
		c.pending.remove(res)
	}
}
