package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{}
	eb.Subscribe(StepCompleted, handler)

	eb.mu.RLock()
	handlers, ok := eb.handlers[StepCompleted]
	eb.mu.RUnlock()

	if !ok {
		t.Fatal("Expected handlers for test_event, but none found")
	}

	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler1 := &mockHandler{}
	handler2 := &mockHandler{}

	eb.Subscribe(StepCompleted, handler1)
	eb.Subscribe(StepCompleted, handler2)

	// Verify both handlers are registered
	eb.mu.RLock()
	if len(eb.handlers[StepCompleted]) != 2 {
		t.Fatalf("Expected 2 handlers, got %d", len(eb.handlers[StepCompleted]))
	}
	eb.mu.RUnlock()

	// Unsubscribe handler1
	success := eb.Unsubscribe(StepCompleted, handler1)
	if !success {
		t.Fatal("Unsubscribe should return true for existing handler")
	}

	// Verify only handler2 remains
	eb.mu.RLock()
	if len(eb.handlers[StepCompleted]) != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", len(eb.handlers[StepCompleted]))
	}
	eb.mu.RUnlock()

	// Try to unsubscribe non-existent handler
	success = eb.Unsubscribe(StepCompleted, &mockHandler{})
	if success {
		t.Fatal("Unsubscribe should return false for non-existent handler")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	handler := &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.Type != StepCompleted {
				t.Errorf("Expected event type 'step_completed', got '%s'", event.Type)
			}
			if event.RunID != "run-123" {
				t.Errorf("Expected run ID run-123, got %s", event.RunID)
			}
			if event.Time.IsZero() {
				t.Error("Expected Publish to stamp the event time")
			}
			return nil
		},
	}

	eb.Subscribe(StepCompleted, handler)

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
		Data:  map[string]interface{}{"key": "value"},
	}

	err := eb.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Wait for the handler to be called
	waitWithTimeout(&wg, 1*time.Second)
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	handler := &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	}

	eb.Subscribe(StepCompleted, handler)

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
	}

	errs := eb.PublishSync(context.Background(), event)
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}

	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	event := Event{
		Type:  "unknown_event",
		RunID: "run-123",
	}

	err := eb.Publish(context.Background(), event)
	if err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Stop()

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
	}

	err := eb.Publish(context.Background(), event)
	if err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
}

func TestEventBus_HasSubscribers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	// Initially no subscribers
	if eb.HasSubscribers(StepCompleted) {
		t.Fatal("HasSubscribers should return false for non-existent event type")
	}

	// Add a subscriber
	handler := &mockHandler{}
	eb.Subscribe(StepCompleted, handler)

	if !eb.HasSubscribers(StepCompleted) {
		t.Fatal("HasSubscribers should return true after subscription")
	}

	// Unsubscribe
	eb.Unsubscribe(StepCompleted, handler)

	if eb.HasSubscribers(StepCompleted) {
		t.Fatal("HasSubscribers should return false after unsubscribe")
	}
}

func TestEventBus_SubscribeFunc(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var handlerCalled bool
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(1)

	eb.SubscribeFunc(StepCompleted, func(ctx context.Context, event Event) error {
		defer wg.Done()
		mu.Lock()
		handlerCalled = true
		mu.Unlock()
		return nil
	})

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
	}

	err := eb.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Wait for the handler to be called
	waitWithTimeout(&wg, 1*time.Second)

	mu.Lock()
	if !handlerCalled {
		t.Fatal("Handler function was not called")
	}
	mu.Unlock()
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex

	customErrorHandler := func(event Event, err error) {
		customErrorMu.Lock()
		customErrorCalled = true
		customErrorMu.Unlock()
	}

	eb := NewEventBus(
		WithBufferSize(200),
		WithErrorHandler(customErrorHandler),
	)
	defer eb.Stop()

	// Test custom buffer size
	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}

	// Test custom error handler
	var wg sync.WaitGroup
	wg.Add(1)

	eb.Subscribe(StepCompleted, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			return errors.New("test error")
		},
	})

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
	}

	err := eb.Publish(context.Background(), event)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Wait for the handler to be called
	waitWithTimeout(&wg, 1*time.Second)
	time.Sleep(100 * time.Millisecond) // Give time for error handler to be called

	customErrorMu.Lock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
	customErrorMu.Unlock()
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	// First add a handler so we pass the "no handlers" check
	eb.Subscribe(StepCompleted, &mockHandler{})

	// Now create and cancel a context
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel the context immediately

	event := Event{
		Type:  StepCompleted,
		RunID: "run-123",
	}

	err := eb.Publish(ctx, event)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

func TestEventBus_WildcardSubscriber(t *testing.T) {
	eb := NewEventBus()

	var mu sync.Mutex
	var seen []string
	eb.SubscribeFunc(AllEvents, func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event.Type+":"+event.StepID)
		return nil
	})

	if !eb.HasSubscribers(RunStarted) {
		t.Fatal("Wildcard handler should count as a subscriber for every type")
	}

	for _, ev := range []Event{
		{Type: RunStarted, RunID: "r1"},
		{Type: StepStarted, RunID: "r1", StepID: "step1"},
		{Type: StepFailed, RunID: "r1", StepID: "step1"},
		{Type: RunFailed, RunID: "r1"},
	} {
		if err := eb.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// Stop flushes the queue.
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"run_started:", "step_started:step1", "step_failed:step1", "run_failed:"}
	if len(seen) != len(want) {
		t.Fatalf("Expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, seen)
		}
	}
}

func TestEventBus_DefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(StepFailed, func(ctx context.Context, event Event) error {
		return errors.New("sink unavailable")
	})
	eb.SubscribeFunc(StepFailed, func(ctx context.Context, event Event) error {
		panic("handler exploded")
	})

	if err := eb.Publish(context.Background(), Event{Type: StepFailed, RunID: "r1", StepID: "step2"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eb.Stop()

	entries := logs.FilterMessage("event handler failed").All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 logged handler errors, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["step_id"]; got != "step2" {
		t.Errorf("Expected step_id step2, got %v", got)
	}
}

func TestEventBus_ChannelFull(t *testing.T) {
	block := make(chan struct{})
	eb := NewEventBus(WithBufferSize(1))
	defer func() {
		close(block)
		eb.Stop()
	}()

	started := make(chan struct{}, 1)
	eb.SubscribeFunc(RunStarted, func(ctx context.Context, event Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	})

	// The first event occupies the processor, the second fills the buffer.
	if err := eb.Publish(context.Background(), Event{Type: RunStarted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started
	if err := eb.Publish(context.Background(), Event{Type: RunStarted}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := eb.Publish(context.Background(), Event{Type: RunStarted}); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("Expected ErrChannelFull, got %v", err)
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		// Test will fail but we need to continue execution
		return
	}
}
