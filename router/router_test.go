package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/model"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []model.CompletionRequest
	fn    func(req *model.CompletionRequest) (*model.CompletionResponse, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req *model.CompletionRequest) (*model.CompletionResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	f.mu.Unlock()
	return f.fn(req)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProvider) call(i int) model.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

var _ model.Provider = (*fakeProvider)(nil)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const okResponse = `{"thinking":"","action":"message","params":{},"message":"hi"}`

func okCompletion(in, out int64) *model.CompletionResponse {
	return &model.CompletionResponse{
		Text:  okResponse,
		Usage: model.TokenUsage{InputTokens: in, OutputTokens: out},
	}
}

func newTestRouter(p *fakeProvider, clk *fakeClock, optFns ...func(o *Options)) *Router {
	base := func(o *Options) {
		o.Models = []ModelConfig{
			{Name: "m1", Provider: "fake", RPM: 10, CostIn: 1.0, CostOut: 2.0, Tier: "premium"},
			{Name: "m2", Provider: "fake", RPM: 10, CostIn: 0.5, CostOut: 1.0, Tier: "fast"},
		}
		o.Cascades = map[string][]string{"Developer": {"m1", "m2"}}
		o.FallbackCascade = []string{"m1", "m2"}
		o.Clock = clk.now
		o.Sleep = func(_ context.Context, d time.Duration) error {
			clk.advance(d)
			return nil
		}
	}
	return New(map[string]model.Provider{"fake": p}, append([]func(o *Options){base}, optFns...)...)
}

func TestGenerateParsesActionAndTracksUsage(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1000, 500), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()})

	action, err := r.Generate(context.Background(), "dev-1", "sys", nil, "Developer")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if action.Kind != core.ActionMessage {
		t.Errorf("kind = %q, want message", action.Kind)
	}
	if p.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.callCount())
	}
	if got := p.call(0).Model; got != "m1" {
		t.Errorf("routed to %q, want the cascade head m1", got)
	}
	if !p.call(0).JSONMode {
		t.Error("expected JSONMode on the first attempt")
	}

	// 1000 in at $1/M plus 500 out at $2/M.
	wantCost := 0.002
	if got := r.Usage(); got.TotalTokens() != 1500 || abs(got.CostUSD-wantCost) > 1e-9 {
		t.Errorf("global usage = %+v, want 1500 tokens / $%.4f", got, wantCost)
	}
	if got := r.AgentUsage("dev-1"); abs(got.CostUSD-wantCost) > 1e-9 {
		t.Errorf("agent usage = %+v", got)
	}
	if r.ActiveModel() != "m1" {
		t.Errorf("active model = %q", r.ActiveModel())
	}
}

func TestRateLimitRotatesToNextModel(t *testing.T) {
	p := &fakeProvider{fn: func(req *model.CompletionRequest) (*model.CompletionResponse, error) {
		if req.Model == "m1" {
			return nil, fmt.Errorf("%w: fake: 429", model.ErrRateLimited)
		}
		return okCompletion(10, 10), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()})

	if _, err := r.Generate(context.Background(), "dev-1", "sys", nil, "Developer"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want rate-limited m1 then m2", p.callCount())
	}
	if got := p.call(1).Model; got != "m2" {
		t.Errorf("second attempt on %q, want m2", got)
	}

	states := r.ModelStates()
	for _, st := range states {
		if st.Name == "m1" && st.CooledDown {
			t.Error("m1 should be in cooldown after a rate limit")
		}
	}
}

func TestBadRequestRetriesWithoutJSONMode(t *testing.T) {
	p := &fakeProvider{fn: func(req *model.CompletionRequest) (*model.CompletionResponse, error) {
		if req.JSONMode {
			return nil, fmt.Errorf("%w: fake: unsupported response_format", model.ErrBadRequest)
		}
		return okCompletion(10, 10), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()})

	if _, err := r.Generate(context.Background(), "dev-1", "sys", nil, "Developer"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if p.callCount() != 2 {
		t.Fatalf("provider calls = %d, want 2", p.callCount())
	}
	if !p.call(0).JSONMode || p.call(1).JSONMode {
		t.Error("expected JSON mode on, then off for the retry")
	}
	if p.call(0).Model != p.call(1).Model {
		t.Error("plain-mode retry must stay on the same model")
	}
}

func TestBudgetWarningThenExhaustion(t *testing.T) {
	// Each call consumes 9000 input tokens at $1/M = $0.009.
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(9000, 0), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()}, func(o *Options) {
		o.BudgetUSD = 0.01
	})

	var events []BudgetEvent
	r.SetBudgetCallback(func(event BudgetEvent, _ BudgetStatus) {
		events = append(events, event)
	})

	ctx := context.Background()
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// Spend is now 90% of the limit: the next call fires the warning but
	// still proceeds.
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("second call: %v", err)
	}
	// Over the limit now.
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("third call err = %v, want ErrBudgetExhausted", err)
	}
	// Latched: stays tripped without a new callback.
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatal("budget must stay tripped")
	}

	if len(events) != 2 || events[0] != BudgetWarning || events[1] != BudgetExceeded {
		t.Errorf("events = %v, want one warning then one exceeded", events)
	}

	status := r.BudgetStatus()
	if !status.Exceeded || status.RemainingUSD != 0 {
		t.Errorf("status = %+v", status)
	}

	// Raising the limit resets the latches and calls resume.
	r.SetBudget(1.0)
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("call after raise: %v", err)
	}
}

func TestRPMWindowRotationAndRecovery(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1, 1), nil
	}}
	clk := &fakeClock{t: time.Now()}
	r := newTestRouter(p, clk, func(o *Options) {
		o.Models = []ModelConfig{
			{Name: "m1", Provider: "fake", RPM: 1, CostIn: 1, CostOut: 1},
			{Name: "m2", Provider: "fake", RPM: 10, CostIn: 1, CostOut: 1},
		}
	})

	ctx := context.Background()
	for range 2 {
		if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if got := p.call(0).Model; got != "m1" {
		t.Errorf("first call on %q, want m1", got)
	}
	if got := p.call(1).Model; got != "m2" {
		t.Errorf("second call on %q, want m2 once m1's window is full", got)
	}

	// The rolling window frees m1 again.
	clk.advance(61 * time.Second)
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := p.call(2).Model; got != "m1" {
		t.Errorf("third call on %q, want m1 after the window rolled", got)
	}
}

func TestConcurrentGenerateCannotOversubscribeWindow(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		entered <- struct{}{}
		<-release
		return okCompletion(1, 1), nil
	}}
	errWouldWait := errors.New("would wait")
	r := newTestRouter(p, &fakeClock{t: time.Now()}, func(o *Options) {
		o.Models = []ModelConfig{{Name: "m1", Provider: "fake", RPM: 1, CostIn: 1, CostOut: 1}}
		o.Cascades = map[string][]string{"Developer": {"m1"}}
		o.FallbackCascade = []string{"m1"}
		// Surface any capacity wait as an error instead of sleeping so the
		// loser of the race is observable.
		o.Sleep = func(context.Context, time.Duration) error { return errWouldWait }
	})

	done := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := r.Generate(context.Background(), "a", "s", nil, "Developer")
			done <- err
		}()
	}

	// The window slot is consumed at selection time, so while one request is
	// in flight on an RPM=1 model the other must find no capacity and wait.
	<-entered
	var waitErr error
	select {
	case waitErr = <-done:
	case <-entered:
		t.Fatal("two requests dispatched on an RPM=1 model inside one window")
	}
	if !errors.Is(waitErr, errWouldWait) {
		t.Fatalf("waiting caller err = %v, want the wait sentinel", waitErr)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("in-flight call: %v", err)
	}
	if p.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.callCount())
	}
}

func TestPinnedAgentWaitsForItsModel(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1, 1), nil
	}}
	clk := &fakeClock{t: time.Now()}
	r := newTestRouter(p, clk, func(o *Options) {
		o.Models = []ModelConfig{
			{Name: "m1", Provider: "fake", RPM: 1, CostIn: 1, CostOut: 1},
			{Name: "m2", Provider: "fake", RPM: 10, CostIn: 1, CostOut: 1},
		}
	})
	r.PinAgent("a", "m1")

	ctx := context.Background()
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// m1's window is now full. A pinned agent must wait (the injected sleep
	// advances the clock) rather than cascade to m2.
	if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := 0; i < p.callCount(); i++ {
		if got := p.call(i).Model; got != "m1" {
			t.Errorf("call %d on %q, a hard pin must never leave m1", i, got)
		}
	}
}

func TestPinWithFallbackCascades(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1, 1), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()}, func(o *Options) {
		o.Models = []ModelConfig{
			{Name: "m1", Provider: "fake", RPM: 1, CostIn: 1, CostOut: 1},
			{Name: "m2", Provider: "fake", RPM: 10, CostIn: 1, CostOut: 1},
		}
	})
	r.PinAgentWithFallback("a", "m1")

	ctx := context.Background()
	for range 2 {
		if _, err := r.Generate(ctx, "a", "s", nil, "Developer"); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}
	if got := p.call(1).Model; got != "m2" {
		t.Errorf("second call on %q, want cascade fallback to m2", got)
	}
}

func TestFailureEscalationAndDeescalation(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1, 1), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()}, func(o *Options) {
		o.EscalationModel = "m1"
		o.EscalationThreshold = 3
	})

	r.RecordAgentFailure("dev-1")
	r.RecordAgentFailure("dev-1")
	if _, pinned := r.pins["dev-1"]; pinned {
		t.Fatal("escalated below the threshold")
	}
	r.RecordAgentFailure("dev-1")
	pn, pinned := r.pins["dev-1"]
	if !pinned || pn.model != "m1" || !pn.auto || !pn.fallback {
		t.Fatalf("pin = %+v, want auto fallback pin to m1", pn)
	}

	r.RecordAgentSuccess("dev-1")
	if _, pinned := r.pins["dev-1"]; pinned {
		t.Error("auto pin must lift after a success")
	}

	// Explicit pins survive successes.
	r.PinAgent("dev-2", "m2")
	r.RecordAgentSuccess("dev-2")
	if _, pinned := r.pins["dev-2"]; !pinned {
		t.Error("explicit pin must survive a success")
	}
}

func TestSetCascadeFiltersUnknownModels(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return okCompletion(1, 1), nil
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()})

	r.SetCascade("Tester", []string{"nope", "m2", "also-nope"})
	if got := r.cascades["Tester"]; len(got) != 1 || got[0] != "m2" {
		t.Errorf("cascade = %v, want [m2]", got)
	}

	r.SetCascade("Tester", []string{"all-unknown"})
	if got := r.cascades["Tester"]; len(got) != 1 || got[0] != "m2" {
		t.Errorf("cascade with no known models must be ignored, got %v", got)
	}
}

func TestAllModelsExhausted(t *testing.T) {
	p := &fakeProvider{fn: func(_ *model.CompletionRequest) (*model.CompletionResponse, error) {
		return nil, fmt.Errorf("%w: fake: down", model.ErrAuth)
	}}
	r := newTestRouter(p, &fakeClock{t: time.Now()}, func(o *Options) {
		o.MaxRetries = 1
	})

	_, err := r.Generate(context.Background(), "a", "s", nil, "Developer")
	if !errors.Is(err, ErrModelsExhausted) {
		t.Fatalf("err = %v, want ErrModelsExhausted", err)
	}
}

func TestNoProviders(t *testing.T) {
	r := New(map[string]model.Provider{})
	if _, err := r.Generate(context.Background(), "a", "s", nil, "Developer"); !errors.Is(err, ErrNoProviders) {
		t.Fatalf("err = %v, want ErrNoProviders", err)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
