package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/agentsdk-go/pkg/api"
	"github.com/cexll/agentsdk-go/pkg/model"
	"go.uber.org/goleak"

	"github.com/stellarlinkco/memoria/internal/bus"
	"github.com/stellarlinkco/memoria/internal/config"
	"github.com/stellarlinkco/memoria/internal/engine"
	"github.com/stellarlinkco/memoria/internal/memory"
	"github.com/stellarlinkco/memoria/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockRuntime implements Runtime interface for testing
type mockRuntime struct {
	mu       sync.Mutex
	response *api.Response
	err      error
	closed   bool
	reqCh    chan api.Request
}

func (m *mockRuntime) Run(ctx context.Context, req api.Request) (*api.Response, error) {
	if m.reqCh != nil {
		select {
		case m.reqCh <- req:
		default:
		}
	}
	return m.response, m.err
}

func (m *mockRuntime) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *mockRuntime) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func mockRuntimeFactory(rt Runtime) RuntimeFactory {
	return func(cfg *config.Config, sysPrompt string) (Runtime, error) {
		return rt, nil
	}
}

func errorRuntimeFactory(err error) RuntimeFactory {
	return func(cfg *config.Config, sysPrompt string) (Runtime, error) {
		return nil, err
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Agent:   config.AgentConfig{Workspace: t.TempDir()},
		Storage: config.StorageConfig{Driver: storage.DriverMemory},
		Memory: config.MemoryConfig{
			InsightSelector: "roundrobin",
		},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config, rt Runtime, store storage.Store) *Gateway {
	t.Helper()
	if store == nil {
		store = storage.NewMemoryStore(storage.Limits{})
	}
	g, err := NewWithOptions(cfg, Options{
		RuntimeFactory: mockRuntimeFactory(rt),
		Store:          store,
		CronStorePath:  filepath.Join(t.TempDir(), "jobs.json"),
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	return g
}

func engineRequest(userID, text string) engine.IngestRequest {
	return engine.IngestRequest{UserID: userID, Text: text}
}

// startLoop runs processLoop until the test ends.
func startLoop(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.processLoop(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitOutbound(t *testing.T, g *Gateway) bus.OutboundMessage {
	t.Helper()
	select {
	case msg := <-g.bus.Outbound:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbound message")
		return bus.OutboundMessage{}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		n     int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long message", 10, "this is a ..."},
		{"", 5, ""},
	}

	for _, tt := range tests {
		got := truncate(tt.input, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.n, got, tt.want)
		}
	}
}

func TestFormatMemories(t *testing.T) {
	got := formatMemories([]memory.Record{
		{Type: memory.TypePreference, Content: "likes tea"},
		{Type: memory.TypeFact, Content: "lives in Oslo"},
	})
	want := "- [preference] likes tea\n- [fact] lives in Oslo"
	if got != want {
		t.Errorf("formatMemories = %q, want %q", got, want)
	}
	if formatMemories(nil) != "" {
		t.Error("no records should format to an empty string")
	}
}

func TestGateway_BuildSystemPrompt(t *testing.T) {
	tmpDir := t.TempDir()

	os.WriteFile(filepath.Join(tmpDir, "AGENTS.md"), []byte("# Agent\nYou are helpful."), 0644)
	os.WriteFile(filepath.Join(tmpDir, "SOUL.md"), []byte("# Soul\nBe kind."), 0644)

	g := &Gateway{cfg: &config.Config{Agent: config.AgentConfig{Workspace: tmpDir}}}
	prompt := g.buildSystemPrompt()

	if !strings.Contains(prompt, "# Agent") {
		t.Error("missing AGENTS.md content")
	}
	if !strings.Contains(prompt, "# Soul") {
		t.Error("missing SOUL.md content")
	}
}

func TestGateway_BuildSystemPrompt_NoFiles(t *testing.T) {
	g := &Gateway{cfg: &config.Config{Agent: config.AgentConfig{Workspace: t.TempDir()}}}

	if prompt := g.buildSystemPrompt(); prompt != "" {
		t.Errorf("expected empty prompt, got %q", prompt)
	}
}

func TestGateway_BuildSystemPrompt_WithInsights(t *testing.T) {
	store := storage.NewMemoryStore(storage.Limits{})
	ins := memory.Insight{TimestampMs: 1, Topic: "coding", Text: "Users keep asking about coding.", Kind: "trend"}
	if err := store.AppendInsight(context.Background(), ins); err != nil {
		t.Fatal(err)
	}

	var captured string
	factory := func(cfg *config.Config, sysPrompt string) (Runtime, error) {
		captured = sysPrompt
		return &mockRuntime{}, nil
	}
	g, err := NewWithOptions(testConfig(t), Options{
		RuntimeFactory: factory,
		Store:          store,
		CronStorePath:  filepath.Join(t.TempDir(), "jobs.json"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Shutdown()

	if !strings.Contains(captured, "# Recent Insights") || !strings.Contains(captured, ins.Text) {
		t.Errorf("system prompt = %q, want restored insight", captured)
	}
}

func TestGateway_RunAgent(t *testing.T) {
	mockRt := &mockRuntime{
		response: &api.Response{Result: &api.Result{Output: "Hello from mock"}},
	}

	result, err := runAgent(context.Background(), mockRt, "test", "session1", nil)
	if err != nil {
		t.Errorf("runAgent error: %v", err)
	}
	if result != "Hello from mock" {
		t.Errorf("result = %q, want 'Hello from mock'", result)
	}
}

func TestGateway_RunAgent_NilResponse(t *testing.T) {
	result, err := runAgent(context.Background(), &mockRuntime{response: nil}, "test", "session1", nil)
	if err != nil {
		t.Errorf("runAgent error: %v", err)
	}
	if result != "" {
		t.Errorf("result = %q, want empty", result)
	}
}

func TestGateway_RunAgent_NilResult(t *testing.T) {
	result, err := runAgent(context.Background(), &mockRuntime{response: &api.Response{Result: nil}}, "test", "session1", nil)
	if err != nil {
		t.Errorf("runAgent error: %v", err)
	}
	if result != "" {
		t.Errorf("result = %q, want empty", result)
	}
}

func TestGateway_RunAgent_Error(t *testing.T) {
	_, err := runAgent(context.Background(), &mockRuntime{err: context.DeadlineExceeded}, "test", "session1", nil)
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestGateway_ProcessLoop_RecordsTurn(t *testing.T) {
	mockRt := &mockRuntime{
		response: &api.Response{Result: &api.Result{Output: "response"}},
	}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	defer g.Shutdown()
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{
		Channel:  "test",
		SenderID: "user1",
		ChatID:   "chat1",
		Content:  "Can you help me with my algorithm design?",
		Metadata: map[string]any{bus.MetaFirstName: "Ada", bus.MetaUsername: "ada"},
	}

	out := waitOutbound(t, g)
	if out.Content != "response" || out.Channel != "test" || out.ChatID != "chat1" {
		t.Errorf("outbound = %+v", out)
	}

	sum, err := g.engine.GetSummary(context.Background(), "test:user1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTurns != 1 {
		t.Errorf("TotalTurns = %d, want 1", sum.TotalTurns)
	}
	if sum.FirstName != "Ada" || sum.Username != "ada" {
		t.Errorf("names = %q/%q", sum.FirstName, sum.Username)
	}
	if sum.MemoryCount != 1 {
		t.Errorf("MemoryCount = %d, want 1 (importance 9 is promoted)", sum.MemoryCount)
	}

	turns, err := g.engine.RecentTurns(context.Background(), "test:user1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].ResponseText != "response" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestGateway_ProcessLoop_InjectsMemory(t *testing.T) {
	reqCh := make(chan api.Request, 1)
	mockRt := &mockRuntime{
		reqCh:    reqCh,
		response: &api.Response{Result: &api.Result{Output: "ok"}},
	}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	defer g.Shutdown()

	ctx := context.Background()
	if _, _, err := g.engine.Remember(ctx, "telegram:7", "loves hiking in Norway", memory.TypePreference, 8, nil); err != nil {
		t.Fatal(err)
	}
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "telegram", SenderID: "7", ChatID: "7", Content: "any hiking tips?"}

	select {
	case req := <-reqCh:
		if !strings.HasPrefix(req.Prompt, "[Relevant Memory]\n- [preference] loves hiking in Norway") {
			t.Errorf("prompt = %q", req.Prompt)
		}
		if !strings.HasSuffix(req.Prompt, "[User Message]\nany hiking tips?") {
			t.Errorf("prompt = %q", req.Prompt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for runtime request")
	}
	waitOutbound(t, g)
}

func TestGateway_ProcessLoop_WithContentBlocks(t *testing.T) {
	imgBlock := model.ContentBlock{
		Type:      model.ContentBlockImage,
		MediaType: "image/jpeg",
		Data:      base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8, 0xff, 0xd9}),
	}
	reqCh := make(chan api.Request, 1)
	mockRt := &mockRuntime{
		reqCh:    reqCh,
		response: &api.Response{Result: &api.Result{Output: "multimodal response"}},
	}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	defer g.Shutdown()
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{
		Channel:       "telegram",
		SenderID:      "123",
		ChatID:        "456",
		Content:       "caption text",
		ContentBlocks: []model.ContentBlock{imgBlock},
	}

	select {
	case req := <-reqCh:
		if req.Prompt != "" {
			t.Errorf("runtime prompt = %q, want empty (merged into ContentBlocks)", req.Prompt)
		}
		if req.SessionID != "telegram:456" {
			t.Errorf("runtime sessionID = %q, want telegram:456", req.SessionID)
		}
		if len(req.ContentBlocks) != 2 {
			t.Fatalf("runtime content blocks len = %d, want 2", len(req.ContentBlocks))
		}
		if req.ContentBlocks[0].Type != model.ContentBlockText || req.ContentBlocks[0].Text != "caption text" {
			t.Errorf("content block[0] = %+v, want text 'caption text'", req.ContentBlocks[0])
		}
		if req.ContentBlocks[1] != imgBlock {
			t.Errorf("content block[1] = %+v, want image block", req.ContentBlocks[1])
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for runtime request")
	}

	if out := waitOutbound(t, g); out.Content != "multimodal response" {
		t.Errorf("outbound content = %q", out.Content)
	}
}

func TestGateway_ProcessLoop_AgentError(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &mockRuntime{err: context.DeadlineExceeded}, nil)
	defer g.Shutdown()
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "test", SenderID: "user1", ChatID: "chat1", Content: "hello"}

	if out := waitOutbound(t, g); out.Content != agentErrorReply {
		t.Errorf("expected error message, got %q", out.Content)
	}

	// The user's side of the exchange is still recorded.
	turns, err := g.engine.RecentTurns(context.Background(), "test:user1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].ResponseText != "" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestGateway_ProcessLoop_EmptyResult(t *testing.T) {
	mockRt := &mockRuntime{response: &api.Response{Result: &api.Result{Output: ""}}}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	defer g.Shutdown()
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "test", SenderID: "user1", ChatID: "chat1", Content: "hello"}

	select {
	case outMsg := <-g.bus.Outbound:
		t.Errorf("should not send empty result, got %q", outMsg.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGateway_ProcessLoop_NewSessionCommand(t *testing.T) {
	reqCh := make(chan api.Request, 1)
	mockRt := &mockRuntime{reqCh: reqCh}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	defer g.Shutdown()

	ctx := context.Background()
	first, err := g.engine.Ingest(ctx, engineRequest("test:u", "hi"))
	if err != nil {
		t.Fatal(err)
	}
	startLoop(t, g)

	g.bus.Inbound <- bus.InboundMessage{Channel: "test", SenderID: "u", ChatID: "c", Content: " /new "}
	if out := waitOutbound(t, g); out.Content != "Started a new session." {
		t.Errorf("reply = %q", out.Content)
	}
	select {
	case <-reqCh:
		t.Error("the command must not reach the runtime")
	default:
	}

	second, err := g.engine.Ingest(ctx, engineRequest("test:u", "hello again"))
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID == second.SessionID {
		t.Error("session id should change after /new")
	}
}

func TestNewWithOptions_MockRuntime(t *testing.T) {
	mockRt := &mockRuntime{}
	g := newTestGateway(t, testConfig(t), mockRt, nil)

	if g.runtime != mockRt {
		t.Error("runtime should be the mock")
	}
	if g.bus == nil || g.engine == nil || g.cron == nil || g.channels == nil {
		t.Fatalf("gateway not fully wired: %+v", g)
	}
	if g.metrics != nil {
		t.Error("metrics server should be off by default")
	}

	jobs := g.cron.ListJobs()
	if len(jobs) != 2 || jobs[0].Name != JobInsightTick || jobs[1].Name != JobMaintenance {
		t.Errorf("jobs = %+v", jobs)
	}
	if jobs[0].Spec != config.DefaultInsightSchedule || jobs[1].Spec != config.DefaultMaintenanceSchedule {
		t.Errorf("specs = %q, %q", jobs[0].Spec, jobs[1].Spec)
	}

	if err := g.Shutdown(); err != nil {
		t.Errorf("Shutdown error: %v", err)
	}
	if !mockRt.isClosed() {
		t.Error("runtime should be closed")
	}
	// A second call is a no-op.
	if err := g.Shutdown(); err != nil {
		t.Errorf("second Shutdown error: %v", err)
	}
}

func TestNewWithOptions_RuntimeFactoryError(t *testing.T) {
	_, err := NewWithOptions(testConfig(t), Options{
		RuntimeFactory: errorRuntimeFactory(context.DeadlineExceeded),
		Store:          storage.NewMemoryStore(storage.Limits{}),
	})
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestNewWithOptions_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.MaintenanceSchedule = "every now and then"
	mockRt := &mockRuntime{}

	_, err := NewWithOptions(cfg, Options{
		RuntimeFactory: mockRuntimeFactory(mockRt),
		Store:          storage.NewMemoryStore(storage.Limits{}),
		CronStorePath:  filepath.Join(t.TempDir(), "jobs.json"),
	})
	if err == nil || !strings.Contains(err.Error(), "maintenance") {
		t.Fatalf("err = %v, want maintenance schedule error", err)
	}
	if !mockRt.isClosed() {
		t.Error("runtime should be closed on construction failure")
	}
}

func TestNewWithOptions_UnknownSelector(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.InsightSelector = "dice"

	_, err := NewWithOptions(cfg, Options{
		RuntimeFactory: mockRuntimeFactory(&mockRuntime{}),
		Store:          storage.NewMemoryStore(storage.Limits{}),
	})
	if err == nil {
		t.Fatal("expected error for unknown insight selector")
	}
}

func TestNewWithOptions_ChannelManagerError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true}

	_, err := NewWithOptions(cfg, Options{
		RuntimeFactory: mockRuntimeFactory(&mockRuntime{}),
		Store:          storage.NewMemoryStore(storage.Limits{}),
		CronStorePath:  filepath.Join(t.TempDir(), "jobs.json"),
	})
	if err == nil {
		t.Fatal("expected error for telegram without token")
	}
}

func TestGateway_Run_WithSignalChan(t *testing.T) {
	mockRt := &mockRuntime{}
	sigCh := make(chan os.Signal, 1)
	store := storage.NewMemoryStore(storage.Limits{})

	g, err := NewWithOptions(testConfig(t), Options{
		RuntimeFactory: mockRuntimeFactory(mockRt),
		SignalChan:     sigCh,
		Store:          store,
		CronStorePath:  filepath.Join(t.TempDir(), "jobs.json"),
	})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	if _, err := g.engine.Ingest(context.Background(), engineRequest("test:u", "hello there")); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	sigCh <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after signal")
	}

	if !mockRt.isClosed() {
		t.Error("runtime should be closed after shutdown")
	}
	stats, err := store.GetGlobalStats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats == nil || stats.TotalMessages != 1 {
		t.Errorf("stats not flushed on shutdown: %+v", stats)
	}
}

func TestGateway_Run_ContextCancel(t *testing.T) {
	g := newTestGateway(t, testConfig(t), &mockRuntime{}, nil)
	g.signalChan = make(chan os.Signal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestGateway_Run_WithMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics = config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"}
	g := newTestGateway(t, cfg, &mockRuntime{}, nil)
	if g.metrics == nil {
		t.Fatal("metrics server should be configured")
	}
	g.signalChan = make(chan os.Signal, 1)

	done := make(chan error, 1)
	go func() {
		done <- g.Run(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)
	g.signalChan <- os.Interrupt

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not exit")
	}
}

// failingChannel fails to start.
type failingChannel struct{ stopped bool }

func (f *failingChannel) Name() string                       { return "broken" }
func (f *failingChannel) Start(ctx context.Context) error    { return errors.New("start failed") }
func (f *failingChannel) Stop() error                        { f.stopped = true; return nil }
func (f *failingChannel) Send(msg bus.OutboundMessage) error { return nil }

func TestGateway_Run_ChannelStartError(t *testing.T) {
	mockRt := &mockRuntime{}
	g := newTestGateway(t, testConfig(t), mockRt, nil)
	broken := &failingChannel{}
	g.channels.Register(broken)

	err := g.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "start channels") {
		t.Fatalf("err = %v, want channel start error", err)
	}
	if !broken.stopped || !mockRt.isClosed() {
		t.Error("a failed start should still shut everything down")
	}
}
