package control

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/oracle/internal/core/config"
	"github.com/vietddude/oracle/internal/core/domain"
	"github.com/vietddude/oracle/internal/infra/storage/memory"
)

// =============================================================================
// Mocks
// =============================================================================

type mockChain struct {
	mu        sync.Mutex
	head      uint64
	events    []*domain.RequestEvent
	nonce     uint64
	submitted []domain.FulfillmentTx
	receipts  map[string]*domain.Receipt
}

func (m *mockChain) CurrentHeight(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

func (m *mockChain) RequestLogs(ctx context.Context, from, to uint64) ([]*domain.RequestEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RequestEvent
	for _, ev := range m.events {
		if ev.Height >= from && ev.Height <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockChain) SubmitFulfillment(ctx context.Context, tx *domain.FulfillmentTx) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonce++
	m.submitted = append(m.submitted, *tx)
	hash := fmt.Sprintf("0xfulfill%d", len(m.submitted))
	m.receipts[hash] = &domain.Receipt{TxHash: hash, Success: true, GasUsed: 50000, BlockHeight: m.head}
	return hash, nil
}

func (m *mockChain) Receipt(ctx context.Context, txHash string) (*domain.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receipts[txHash], nil
}

func (m *mockChain) PendingNonce(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *mockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (m *mockChain) Account() string { return "0xoracle" }

type mockFeed struct{}

func (mockFeed) FetchValue(ctx context.Context, base, target string) (decimal.Decimal, error) {
	return decimal.RequireFromString("3150.25"), nil
}

func request(id, endpoint string, height, deadline uint64) *domain.RequestEvent {
	return &domain.RequestEvent{
		RequestID: id,
		TxHash:    "0xreq" + id,
		Height:    height,
		Endpoint:  endpoint,
		Consumer:  "0x00000000000000000000000000000000000000c0",
		Fee:       "1000",
		Deadline:  deadline,
	}
}

func testConfig() config.AppConfig {
	start := uint64(1)
	cfg := config.AppConfig{
		Chain: config.ChainConfig{
			StartHeight:       &start,
			ConfirmationDepth: 2,
			ScanInterval:      10 * time.Millisecond,
		},
		Executor: config.ExecutorConfig{
			Workers:        2,
			PollInterval:   10 * time.Millisecond,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
		Pairs: []domain.Pair{{Base: "ETH", Target: "USD"}},
	}
	cfg.ApplyDefaults()
	cfg.Server.Port = 0
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// =============================================================================
// Tests
// =============================================================================

func TestOracle_EndToEnd(t *testing.T) {
	store := memory.NewMemoryStorage()
	chain := &mockChain{
		head:     20,
		receipts: make(map[string]*domain.Receipt),
		events: []*domain.RequestEvent{
			request("0x01", "ETH/USD", 10, 0),
			request("0x02", "FOO/BAR", 11, 0),
			request("0x03", "eth/usd", 12, 15),
			request("0x04", "ETH/USD", 19, 0), // not yet confirmed
		},
	}

	o := NewOracle(testConfig(), Deps{Store: store, Chain: chain, Feed: mockFeed{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := func(id string) domain.JobStatus {
		j, err := store.Jobs().Get(ctx, id)
		if err != nil {
			return ""
		}
		return j.Status
	}
	waitFor(t, 3*time.Second, func() bool {
		return status("0x01") == domain.JobStatusConfirmed &&
			status("0x02") == domain.JobStatusInvalidPair &&
			status("0x03") == domain.JobStatusExpired
	})

	if s := status("0x04"); s != "" {
		t.Errorf("request above the confirmation depth was ingested as %s", s)
	}
	if ok, _ := store.Fulfilled().Exists(ctx, "0x01"); !ok {
		t.Error("expected a ledger row for the confirmed request")
	}
	if st := o.Status(); st.Checkpoint != 18 {
		t.Errorf("expected checkpoint 18, got %d", st.Checkpoint)
	}

	chain.mu.Lock()
	submitted := len(chain.submitted)
	chain.mu.Unlock()
	if submitted != 1 {
		t.Errorf("expected 1 fulfillment, got %d", submitted)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := o.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestOracle_SeedsPairsIdempotently(t *testing.T) {
	store := memory.NewMemoryStorage()
	chain := &mockChain{head: 5, receipts: make(map[string]*domain.Receipt)}

	for range 2 {
		o := NewOracle(testConfig(), Deps{Store: store, Chain: chain, Feed: mockFeed{}})
		ctx, cancel := context.WithCancel(context.Background())
		if err := o.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		cancel()
		if err := o.Wait(); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}

	list, err := store.Pairs().List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "ETH/USD" {
		t.Errorf("unexpected pairs: %+v", list)
	}
}

func TestOracle_StartWithoutSeedHalts(t *testing.T) {
	cfg := testConfig()
	cfg.Chain.StartHeight = nil

	store := memory.NewMemoryStorage()
	chain := &mockChain{head: 5, receipts: make(map[string]*domain.Receipt)}
	o := NewOracle(cfg, Deps{Store: store, Chain: chain, Feed: mockFeed{}})

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := o.Wait()
	if err == nil {
		t.Fatal("expected the ingestor to halt without a start height")
	}
	if domain.Classify(err) != domain.CategoryConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}
