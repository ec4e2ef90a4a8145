package coordinator_test

import (
	"context"
	"sync"

	"github.com/kv-sharding/kvcoord/pkg/coordinator"
	"github.com/kv-sharding/kvcoord/pkg/models/topology"
)

// fakeRetriever streams a fixed address list, optionally followed by one
// upstream error item.
type fakeRetriever struct {
	addrs []string
	err   error
}

func (r *fakeRetriever) RetrieveProxies(ctx context.Context) <-chan coordinator.AddrResult {
	return r.stream(ctx)
}

func (r *fakeRetriever) RetrieveProxyFailures(ctx context.Context) <-chan coordinator.AddrResult {
	return r.stream(ctx)
}

func (r *fakeRetriever) stream(ctx context.Context) <-chan coordinator.AddrResult {
	out := make(chan coordinator.AddrResult)
	go func() {
		defer close(out)
		for _, addr := range r.addrs {
			select {
			case out <- coordinator.AddrResult{Addr: addr}:
			case <-ctx.Done():
				return
			}
		}
		if r.err != nil {
			select {
			case out <- coordinator.AddrResult{Err: r.err}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

type fakeChecker struct {
	mu        sync.Mutex
	checked   []string
	unhealthy map[string]bool
	errs      map[string]error
}

func (c *fakeChecker) Check(_ context.Context, address string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checked = append(c.checked, address)
	if err, ok := c.errs[address]; ok {
		return "", err
	}
	if c.unhealthy[address] {
		return address, nil
	}
	return "", nil
}

func (c *fakeChecker) checkedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.checked)
}

type fakeReporter struct {
	mu       sync.Mutex
	reported []string
	failOn   map[string]error
}

func (r *fakeReporter) Report(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reported = append(r.reported, address)
	return r.failOn[address]
}

func (r *fakeReporter) attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reported...)
}

type fakeHandler struct {
	mu      sync.Mutex
	handled []string
	failOn  map[string]error
}

func (h *fakeHandler) HandleProxyFailure(_ context.Context, address string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.handled = append(h.handled, address)
	return h.failOn[address]
}

func (h *fakeHandler) handledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

// recorder keeps an ordered log of collaborator calls so tests can assert
// cross-collaborator ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) log() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeMetaRetriever struct {
	rec   *recorder
	hosts map[string]*topology.Host
	errs  map[string]error
}

func (m *fakeMetaRetriever) GetHostMeta(_ context.Context, address string) (*topology.Host, error) {
	if m.rec != nil {
		m.rec.record("get:" + address)
	}
	if err, ok := m.errs[address]; ok {
		return nil, err
	}
	return m.hosts[address], nil
}

type fakeSender struct {
	rec    *recorder
	mu     sync.Mutex
	sent   []string
	failOn map[string]error
}

func (s *fakeSender) SendMeta(_ context.Context, host *topology.Host) error {
	s.mu.Lock()
	s.sent = append(s.sent, host.Address)
	s.mu.Unlock()
	if s.rec != nil {
		s.rec.record("send:" + host.Address)
	}
	return s.failOn[host.Address]
}

func (s *fakeSender) sentAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeMigrationChecker struct {
	tasks map[string][]coordinator.TaskResult
}

func (c *fakeMigrationChecker) Check(ctx context.Context, address string) <-chan coordinator.TaskResult {
	out := make(chan coordinator.TaskResult)
	go func() {
		defer close(out)
		for _, res := range c.tasks[address] {
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type fakeCommitter struct {
	rec    *recorder
	mu     sync.Mutex
	commits int
	failOn map[string]error
}

func (c *fakeCommitter) Commit(_ context.Context, meta *topology.MigrationTaskMeta) error {
	c.mu.Lock()
	c.commits++
	c.mu.Unlock()
	if c.rec != nil {
		c.rec.record("commit:" + meta.SlotRange.String())
	}
	return c.failOn[meta.SlotRange.String()]
}

func (c *fakeCommitter) commitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// migrationTask builds a task meta carrying full migration info.
func migrationTask(start, end uint, src, dst string) *topology.MigrationTaskMeta {
	return &topology.MigrationTaskMeta{
		DBName: "db0",
		SlotRange: topology.SlotRange{
			Start: start,
			End:   end,
			Tag: topology.SlotRangeTag{
				Kind: topology.RangeMigrating,
				Migration: &topology.MigrationMeta{
					Epoch:           1,
					SrcProxyAddress: src,
					DstProxyAddress: dst,
				},
			},
		},
	}
}

func collectPass(out <-chan error) []error {
	var results []error
	for err := range out {
		results = append(results, err)
	}
	return results
}
