package scope

import (
	"context"
	"testing"
)

func TestAgentRoundTrip(t *testing.T) {
	ctx := WithAgent(context.Background(), "agent-7")
	if got := Agent(ctx); got != "agent-7" {
		t.Errorf("Agent = %q, want %q", got, "agent-7")
	}
}

func TestAgentAbsent(t *testing.T) {
	if got := Agent(context.Background()); got != "" {
		t.Errorf("Agent = %q, want empty", got)
	}
}

func TestWithAgentEmptyNoOp(t *testing.T) {
	ctx := context.Background()
	if got := WithAgent(ctx, ""); got != ctx {
		t.Error("WithAgent with empty ID should return the context unchanged")
	}
}
