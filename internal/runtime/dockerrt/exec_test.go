package dockerrt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
)

func TestPollExit_SurfacesExitCode(t *testing.T) {
	calls := 0
	res, ok := pollExit(context.Background(), time.Millisecond, func(context.Context) (container.ExecInspect, error) {
		calls++
		if calls < 3 {
			return container.ExecInspect{Running: true}, nil
		}
		return container.ExecInspect{ExitCode: 7}, nil
	})
	if !ok {
		t.Fatal("poll cancelled unexpectedly")
	}
	if res.err != nil || res.code != 7 {
		t.Errorf("result = (%d, %v), want (7, nil)", res.code, res.err)
	}
}

func TestPollExit_ToleratesTransientErrors(t *testing.T) {
	calls := 0
	res, ok := pollExit(context.Background(), time.Millisecond, func(context.Context) (container.ExecInspect, error) {
		calls++
		if calls < maxInspectFailures {
			return container.ExecInspect{}, errors.New("unexpected EOF")
		}
		return container.ExecInspect{ExitCode: 3}, nil
	})
	if !ok {
		t.Fatal("poll cancelled unexpectedly")
	}
	if res.err != nil || res.code != 3 {
		t.Errorf("result = (%d, %v), want (3, nil)", res.code, res.err)
	}
}

// A persistent inspect failure must be surfaced as an error, never mistaken
// for a clean exit with code 0.
func TestPollExit_PersistentErrorSurfaced(t *testing.T) {
	res, ok := pollExit(context.Background(), time.Millisecond, func(context.Context) (container.ExecInspect, error) {
		return container.ExecInspect{}, errors.New("daemon unreachable")
	})
	if !ok {
		t.Fatal("poll cancelled unexpectedly")
	}
	if res.err == nil {
		t.Fatal("expected an error from a persistently failing inspect")
	}
}

func TestPollExit_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := pollExit(ctx, time.Millisecond, func(context.Context) (container.ExecInspect, error) {
		return container.ExecInspect{Running: true}, nil
	}); ok {
		t.Fatal("cancelled poll must not report a result")
	}
}
