package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry_UnknownTool(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	res := reg.Invoke(context.Background(), "nope", nil)
	if !res.IsError {
		t.Fatal("expected IsError for unknown tool")
	}
	if !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestRegistry_SuccessfulInvoke(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return s, nil
		},
	})

	res := reg.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if res.IsError || res.Content != "hi" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_NilArgsBecomeEmptyMap(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{
		Name: "probe",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			if args == nil {
				return "", errors.New("args were nil")
			}
			return "ok", nil
		},
	})

	res := reg.Invoke(context.Background(), "probe", nil)
	if res.IsError {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_HandlerErrorBecomesResult(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("backend unreachable")
		},
	})

	res := reg.Invoke(context.Background(), "boom", nil)
	if !res.IsError || !strings.Contains(res.Content, "backend unreachable") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_Timeout(t *testing.T) {
	reg := NewRegistry(20*time.Millisecond, testLogger())
	reg.Register(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})

	res := reg.Invoke(context.Background(), "slow", nil)
	if !res.IsError || !strings.Contains(res.Content, "timed out") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_PanicRecovered(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{
		Name: "panicky",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			panic("nil map write")
		},
	})

	res := reg.Invoke(context.Background(), "panicky", nil)
	if !res.IsError || !strings.Contains(res.Content, "panicked") {
		t.Fatalf("result = %+v", res)
	}
}

func TestRegistry_DescribeSortedAndComplete(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{Name: "zeta", Description: "z", Parameters: []byte(`{}`)})
	reg.Register(Tool{Name: "alpha", Description: "a", Parameters: []byte(`{}`)})

	defs := reg.Describe()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("defs = %+v", defs)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len = %d", reg.Len())
	}
}

func TestRegistry_RegisterReplacesByName(t *testing.T) {
	reg := NewRegistry(0, testLogger())
	reg.Register(Tool{Name: "dup", Handler: func(context.Context, map[string]any) (string, error) { return "old", nil }})
	reg.Register(Tool{Name: "dup", Handler: func(context.Context, map[string]any) (string, error) { return "new", nil }})

	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	res := reg.Invoke(context.Background(), "dup", nil)
	if res.Content != "new" {
		t.Fatalf("result = %+v", res)
	}
}
