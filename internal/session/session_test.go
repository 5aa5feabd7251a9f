package session

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/exchange/simbroker/internal/account"
	"github.com/exchange/simbroker/internal/broadcast"
	"github.com/exchange/simbroker/internal/datasource"
	"github.com/exchange/simbroker/internal/matching"
	"github.com/exchange/simbroker/internal/types"
	"github.com/exchange/simbroker/pkg/errors"
	"github.com/exchange/simbroker/pkg/logger"
)

const testStartNs = int64(1_000_000_000)

func testConfig(id, dir string) Config {
	return Config{
		SessionID:                 id,
		Symbols:                   []string{"AAPL"},
		StartNs:                   testStartNs,
		EndNs:                     testStartNs + int64(8*time.Hour),
		Matching:                  matching.DefaultConfig(),
		Account:                   account.Config{InitialCash: 100000, Leverage: 1, ShortMarginRatio: 0.5, AllowShort: true},
		TakerFeeBps:               10,
		MakerFeeBps:               5,
		DataDir:                   dir,
		CheckpointEvery:           1000,
		Feeder:                    FeederShared,
		MaintenanceMarginRatio:    0.25,
		SSRThresholdPct:           10,
		PriorClose:                map[string]float64{"AAPL": 100},
		AutoApplyCorporateActions: true,
	}
}

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	src := datasource.NewCSVSource(filepath.Join(dir, "feed.csv"), nil)
	m, err := NewManager(dir, src, broadcast.NewRegistry(), nil, logger.New("session-test", io.Discard))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func mustCreate(t *testing.T, m *Manager, cfg Config) *Session {
	t.Helper()
	sess, err := m.CreateSession(cfg)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// activate 不起线程的测试路径：状态机直接置为运行中
func activate(s *Session) {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.clock.Start()
}

func quoteEv(ts int64, bid, bidSz, ask, askSz float64) *types.Event {
	return &types.Event{
		Type: types.EventQuote, TimestampNs: ts, Symbol: "AAPL",
		Data: types.QuoteData{NBBO: types.NBBO{
			Symbol: "AAPL", BidPrice: bid, BidSize: bidSz,
			AskPrice: ask, AskSize: askSz, TimestampNs: ts,
		}},
	}
}

func marketBuy(qty float64) *types.Order {
	return &types.Order{Symbol: "AAPL", Side: types.SideBuy, Type: types.OrderMarket, TimeInForce: types.TIFGTC, Qty: qty}
}

func TestSubmitMarketOrderFillsWithFees(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-fill", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)

	order, reason := s.SubmitOrder(marketBuy(100))
	if reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %s", reason)
	}
	if order.Status != types.StatusFilled {
		t.Fatalf("expected FILLED, got %s", order.Status)
	}
	if order.AvgFillPrice != 100 {
		t.Fatalf("expected fill at ask=100, got %v", order.AvgFillPrice)
	}

	// 10000 名义额 + 10bp 吃单费
	state := s.Ledger().State()
	if state.Cash != 100000-10000-10 {
		t.Fatalf("expected cash=89990, got %v", state.Cash)
	}
	if perf := s.Performance(); perf.Fills != 1 || perf.Fees != 10 {
		t.Fatalf("unexpected perf %+v", perf)
	}
}

func TestMarketOrderParksThenFillsOnQuote(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-park", dir))
	activate(s)

	order, reason := s.SubmitOrder(marketBuy(100))
	if reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %s", reason)
	}
	if order.Status != types.StatusAccepted {
		t.Fatalf("expected ACCEPTED with no NBBO, got %s", order.Status)
	}

	s.processEvent(quoteEv(testStartNs+1000, 99, 150, 100, 150), true)

	got, ok := s.Order(order.OrderID)
	if !ok {
		t.Fatal("order not tracked")
	}
	if got.Status != types.StatusFilled || got.FilledQty != 100 {
		t.Fatalf("expected one full fill, got status=%s filled=%v", got.Status, got.FilledQty)
	}
}

func TestIOCRemainderCancelsSynchronously(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-ioc", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 60, 100, 60), true)

	req := marketBuy(100)
	req.TimeInForce = types.TIFIOC
	order, reason := s.SubmitOrder(req)
	if reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %s", reason)
	}
	if order.FilledQty != 60 {
		t.Fatalf("expected partial fill of 60, got %v", order.FilledQty)
	}
	if order.Status != types.StatusCanceled {
		t.Fatalf("expected remainder canceled, got %s", order.Status)
	}
	if len(s.Engine().PendingOrders()) != 0 {
		t.Fatal("IOC order must never rest")
	}
}

func TestHaltRejectsUntilResume(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-halt", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	s.processEvent(&types.Event{
		Type: types.EventHalt, TimestampNs: testStartNs + 2000, Symbol: "AAPL",
		Data: types.HaltData{Reason: "circuit_breaker"},
	}, true)

	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectHalted {
		t.Fatalf("expected halt reject, got %q", reason)
	}

	s.processEvent(&types.Event{Type: types.EventResume, TimestampNs: testStartNs + 3000, Symbol: "AAPL"}, true)

	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectNone {
		t.Fatalf("expected accept after resume, got %q", reason)
	}
}

func TestHaltDurationLazyExpiry(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-halt-exp", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	s.processEvent(&types.Event{
		Type: types.EventHalt, TimestampNs: testStartNs + 2000, Symbol: "AAPL",
		Data: types.HaltData{Reason: "volatility", DurationNs: 5000},
	}, true)

	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectHalted {
		t.Fatalf("expected halt reject, got %q", reason)
	}

	// 超过停牌时长后惰性解除
	s.clock.AdvanceTo(testStartNs + 8000)
	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectNone {
		t.Fatalf("expected accept after halt expiry, got %q", reason)
	}
}

func TestOPGWindowCloses(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-opg", dir))
	activate(s)
	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)

	req := marketBuy(10)
	req.TimeInForce = types.TIFOPG
	if _, reason := s.SubmitOrder(req); reason != errors.RejectNone {
		t.Fatalf("expected OPG accept inside window, got %q", reason)
	}

	s.clock.AdvanceTo(testStartNs + int64(6*time.Minute))
	req2 := marketBuy(10)
	req2.TimeInForce = types.TIFOPG
	if _, reason := s.SubmitOrder(req2); reason != errors.RejectTIFWindow {
		t.Fatalf("expected TIF window reject, got %q", reason)
	}
}

func TestBuyingPowerReject(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("s-bp", dir)
	cfg.Account.InitialCash = 1000
	m := newTestManager(t, dir)
	s := mustCreate(t, m, cfg)
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)

	if _, reason := s.SubmitOrder(marketBuy(100)); reason != errors.RejectBuyingPower {
		t.Fatalf("expected buying power reject, got %q", reason)
	}
}

func TestNakedShortReject(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("s-short", dir)
	cfg.Account.AllowShort = false
	m := newTestManager(t, dir)
	s := mustCreate(t, m, cfg)
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)

	req := &types.Order{Symbol: "AAPL", Side: types.SideSell, Type: types.OrderMarket, TimeInForce: types.TIFGTC, Qty: 10}
	if _, reason := s.SubmitOrder(req); reason != errors.RejectNakedShort {
		t.Fatalf("expected naked short reject, got %q", reason)
	}
}

func TestSSRBlocksShortBelowBid(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-ssr", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 89, 200, 90, 200), true)
	// 相对前收盘 100 下跌 11%，触发 SSR
	s.processEvent(&types.Event{
		Type: types.EventTrade, TimestampNs: testStartNs + 2000, Symbol: "AAPL",
		Data: types.TradeData{Price: 89, Size: 100},
	}, true)

	short := &types.Order{Symbol: "AAPL", Side: types.SideSell, Type: types.OrderMarket, TimeInForce: types.TIFGTC, Qty: 10}
	if _, reason := s.SubmitOrder(short); reason != errors.RejectSSR {
		t.Fatalf("expected SSR reject for market short, got %q", reason)
	}

	below := &types.Order{Symbol: "AAPL", Side: types.SideSell, Type: types.OrderLimit, TimeInForce: types.TIFGTC, Qty: 10, LimitPrice: 88}
	if _, reason := s.SubmitOrder(below); reason != errors.RejectSSR {
		t.Fatalf("expected SSR reject below NBB, got %q", reason)
	}

	atBid := &types.Order{Symbol: "AAPL", Side: types.SideSell, Type: types.OrderLimit, TimeInForce: types.TIFGTC, Qty: 10, LimitPrice: 89}
	if _, reason := s.SubmitOrder(atBid); reason != errors.RejectNone {
		t.Fatalf("expected limit at NBB accepted under SSR, got %q", reason)
	}
}

func TestMarginCallForcedLiquidation(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("s-margin", dir)
	cfg.Account.InitialCash = 1000
	cfg.Account.Leverage = 2
	cfg.ForcedLiquidation = true
	m := newTestManager(t, dir)
	s := mustCreate(t, m, cfg)
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(20)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}

	// 价格腰斩：权益跌破维持保证金，强平清仓
	s.processEvent(quoteEv(testStartNs+2000, 60, 200, 61, 200), true)

	if len(s.Ledger().Positions()) != 0 {
		t.Fatalf("expected positions liquidated, got %+v", s.Ledger().Positions())
	}
}

func TestCheckpointRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-reco", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	order, reason := s.SubmitOrder(marketBuy(100))
	if reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}
	s.processEvent(quoteEv(testStartNs+2000, 100, 200, 101, 200), true)
	s.checkpointNow()

	// 检查点之后的 WAL 尾部
	s.processEvent(quoteEv(testStartNs+3000, 102, 200, 103, 200), true)

	wantState := s.Ledger().State()
	wantLast, wantProcessed := s.Watermark()
	if wantLast != testStartNs+3000 {
		t.Fatalf("expected watermark at last quote, got %d", wantLast)
	}

	// 丢弃内存态，同 id 重建（崩溃恢复路径）
	m2 := newTestManager(t, dir)
	s2 := mustCreate(t, m2, testConfig("s-reco", dir))

	gotLast, gotProcessed := s2.Watermark()
	if gotLast != wantLast || gotProcessed != wantProcessed {
		t.Fatalf("expected watermark (%d,%d), got (%d,%d)", wantLast, wantProcessed, gotLast, gotProcessed)
	}
	gotState := s2.Ledger().State()
	if gotState.Cash != wantState.Cash || gotState.RealizedPnL != wantState.RealizedPnL {
		t.Fatalf("expected state %+v, got %+v", wantState, gotState)
	}
	p, ok := s2.Ledger().Position("AAPL")
	if !ok || p.Qty != 100 {
		t.Fatalf("expected restored position qty=100, got %+v ok=%v", p, ok)
	}
	restored, ok := s2.Order(order.OrderID)
	if !ok || restored.Status != types.StatusFilled {
		t.Fatalf("expected restored filled order, got %+v ok=%v", restored, ok)
	}
	// NBBO 缓存重建：检查点内报价 + WAL 回放的尾部报价
	n := s2.Engine().NBBO("AAPL")
	if n == nil || n.BidPrice != 102 {
		t.Fatalf("expected nbbo reseeded from wal tail, got %+v", n)
	}
}

func TestWALOnlyRecovery(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-walreco", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(50)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}

	// 没有任何检查点：恢复完全依赖 WAL 回放
	m2 := newTestManager(t, dir)
	s2 := mustCreate(t, m2, testConfig("s-walreco", dir))

	p, ok := s2.Ledger().Position("AAPL")
	if !ok || p.Qty != 50 {
		t.Fatalf("expected replayed position qty=50, got %+v ok=%v", p, ok)
	}
	last, _ := s2.Watermark()
	if last != testStartNs+1000 {
		t.Fatalf("expected watermark=%d, got %d", testStartNs+1000, last)
	}
}

func TestRecoveryRunsOnlyOnce(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-once", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(50)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}

	m2 := newTestManager(t, dir)
	s2 := mustCreate(t, m2, testConfig("s-once", dir))

	before := s2.Ledger().State()
	if err := s2.recover(); err != nil {
		t.Fatalf("second recover: %v", err)
	}
	after := s2.Ledger().State()
	if before != after {
		t.Fatalf("second replay must be refused: before=%+v after=%+v", before, after)
	}
}

func TestJumpToHardReset(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-jump", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(50)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}

	target := testStartNs + int64(time.Hour)
	if err := s.JumpTo(target); err != nil {
		t.Fatalf("JumpTo: %v", err)
	}

	if len(s.Ledger().Positions()) != 0 {
		t.Fatal("expected positions discarded")
	}
	if state := s.Ledger().State(); state.Cash != 100000 {
		t.Fatalf("expected cash reset, got %v", state.Cash)
	}
	if s.Engine().NBBO("AAPL") != nil {
		t.Fatal("expected nbbo cache discarded")
	}
	last, _ := s.Watermark()
	if last != target {
		t.Fatalf("expected watermark at jump target, got %d", last)
	}
}

func TestJumpToResetsDurableState(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-jump-disk", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(100)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}
	s.checkpointNow()

	if err := s.JumpTo(testStartNs); err != nil {
		t.Fatalf("JumpTo: %v", err)
	}

	// 崩溃恢复必须停在跳转目标：跳转前的成交不得复活
	m2 := newTestManager(t, dir)
	s2 := mustCreate(t, m2, testConfig("s-jump-disk", dir))

	if got := s2.Ledger().Positions(); len(got) != 0 {
		t.Fatalf("expected no positions after recovery, got %+v", got)
	}
	if state := s2.Ledger().State(); state.Cash != 100000 {
		t.Fatalf("expected initial cash after recovery, got %v", state.Cash)
	}
	last, _ := s2.Watermark()
	if last != testStartNs {
		t.Fatalf("expected watermark at jump target %d, got %d", testStartNs, last)
	}
}

func TestCheckpointAfterJumpNeverRegresses(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-jump-back", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+5000, 99, 200, 100, 200), true)
	s.checkpointNow()

	// 向后跳转重写检查点：落盘水位等于跳转目标，而不是旧水位
	if err := s.JumpTo(testStartNs + 1000); err != nil {
		t.Fatalf("JumpTo: %v", err)
	}
	ck, err := s.ckpts.Load("s-jump-back")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck == nil || ck.LastEventNs != testStartNs+1000 {
		t.Fatalf("expected checkpoint rewritten at jump target, got %+v", ck)
	}

	s.processEvent(quoteEv(testStartNs+2000, 99, 200, 100, 200), true)
	s.checkpointNow()
	ck2, err := s.ckpts.Load("s-jump-back")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ck2.LastEventNs < ck.LastEventNs {
		t.Fatalf("expected non-decreasing checkpoint watermark, got %d after %d", ck2.LastEventNs, ck.LastEventNs)
	}
}

func TestWorkerPanicReleasesProcessingLock(t *testing.T) {
	dir := t.TempDir()
	src := datasource.NewCSVSource(filepath.Join(dir, "feed.csv"), nil)
	reg := broadcast.NewRegistry()
	reg.Register(broadcast.ObserverFunc(func(string, *types.Event) { panic("observer blew up") }))

	m, err := NewManager(dir, src, reg, nil, logger.New("session-test", io.Discard))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)

	s := mustCreate(t, m, testConfig("s-panic", dir))
	activate(s)
	s.workerWG.Add(1)
	go s.runWorker()

	s.Enqueue(quoteEv(testStartNs+1000, 99, 200, 100, 200))

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateError {
		if time.Now().After(deadline) {
			t.Fatalf("expected ERROR after handler panic, got %s", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 工作协程崩溃后请求线程不得被锁卡死
	done := make(chan error, 1)
	go func() { done <- s.CancelOrder("missing") }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected cancel rejected on errored session")
		}
	case <-time.After(time.Second):
		t.Fatal("CancelOrder blocked after worker panic")
	}
}

func TestFastForwardReplaysWithoutObservers(t *testing.T) {
	dir := t.TempDir()
	src := datasource.NewCSVSource(filepath.Join(dir, "feed.csv"), nil)
	reg := broadcast.NewRegistry()
	var notified int
	reg.Register(broadcast.ObserverFunc(func(string, *types.Event) { notified++ }))

	m, err := NewManager(dir, src, reg, nil, logger.New("session-test", io.Discard))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Shutdown)

	s := mustCreate(t, m, testConfig("s-ff", dir))
	activate(s)

	s.Enqueue(quoteEv(testStartNs+1000, 99, 200, 100, 200))
	s.Enqueue(quoteEv(testStartNs+2000, 100, 200, 101, 200))
	s.Enqueue(quoteEv(testStartNs+9000, 101, 200, 102, 200))

	if err := s.FastForward(testStartNs + 5000); err != nil {
		t.Fatalf("FastForward: %v", err)
	}

	if notified != 0 {
		t.Fatalf("fast-forward must not emit to observers, got %d", notified)
	}
	last, processed := s.Watermark()
	if last != testStartNs+2000 || processed != 2 {
		t.Fatalf("expected 2 events replayed to ts=%d, got last=%d processed=%d", testStartNs+2000, last, processed)
	}
	if s.events.Len() != 1 {
		t.Fatalf("expected future event left queued, got %d", s.events.Len())
	}
	if s.clock.CurrentNs() != testStartNs+5000 {
		t.Fatalf("expected clock at target, got %d", s.clock.CurrentNs())
	}
}

func TestPreloadFeederRunsToCompletion(t *testing.T) {
	dir := t.TempDir()
	feed := "" +
		"2000000000,QUOTE,AAPL,99,200,100,200\n" +
		"3000000000,TRADE,AAPL,99.5,100\n" +
		"4000000000,QUOTE,AAPL,100,200,101,200\n"
	if err := os.WriteFile(filepath.Join(dir, "feed.csv"), []byte(feed), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := newTestManager(t, dir)
	cfg := testConfig("s-e2e", dir)
	cfg.Feeder = FeederPreload
	mustCreate(t, m, cfg)

	if err := m.StartSession("s-e2e"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	s, _ := m.GetSession("s-e2e")
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateCompleted {
		if time.Now().After(deadline) {
			t.Fatalf("session did not complete, state=%s", s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, processed := s.Watermark()
	if processed != 3 {
		t.Fatalf("expected 3 events processed, got %d", processed)
	}
	if _, err := os.Stat(filepath.Join(dir, "session_s-e2e.ckpt.json")); err != nil {
		t.Fatalf("expected final checkpoint written: %v", err)
	}
}

func TestSessionInactiveReject(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-inactive", dir))

	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectSessionInactive {
		t.Fatalf("expected inactive reject, got %q", reason)
	}
}

func TestDividendAndSplitAutoApply(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	s := mustCreate(t, m, testConfig("s-corp", dir))
	activate(s)

	s.processEvent(quoteEv(testStartNs+1000, 99, 200, 100, 200), true)
	if _, reason := s.SubmitOrder(marketBuy(10)); reason != errors.RejectNone {
		t.Fatalf("unexpected reject: %q", reason)
	}
	cashAfterBuy := s.Ledger().State().Cash

	s.processEvent(&types.Event{
		Type: types.EventDividend, TimestampNs: testStartNs + 2000, Symbol: "AAPL",
		Data: types.DividendData{Amount: 2},
	}, true)
	if got := s.Ledger().State().Cash; got != cashAfterBuy+20 {
		t.Fatalf("expected dividend applied, cash=%v want %v", got, cashAfterBuy+20)
	}

	s.processEvent(&types.Event{
		Type: types.EventSplit, TimestampNs: testStartNs + 3000, Symbol: "AAPL",
		Data: types.SplitData{Ratio: 2},
	}, true)
	p, _ := s.Ledger().Position("AAPL")
	if p.Qty != 20 {
		t.Fatalf("expected split doubled qty, got %v", p.Qty)
	}
}
