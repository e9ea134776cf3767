package client

import (
	"errors"
	"testing"
	"time"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

func TestPendingSettleSuccess(t *testing.T) {
	t.Parallel()

	table := newPendingTable()
	done := table.add("1", time.Minute)

	ok := true
	if !table.settle(&protocol.Frame{Type: protocol.TypeResponse, ID: "1", Success: &ok, Data: []byte(`{"x":1}`)}) {
		t.Fatal("settle reported no pending call")
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("unexpected error: %v", out.err)
	}
	if string(out.data) != `{"x":1}` {
		t.Fatalf("data = %s", out.data)
	}
}

func TestPendingSettleFailure(t *testing.T) {
	t.Parallel()

	table := newPendingTable()
	done := table.add("1", time.Minute)

	ok := false
	table.settle(&protocol.Frame{Type: protocol.TypeResponse, ID: "1", Success: &ok, Error: "no such function"})

	out := <-done
	var remote *RemoteError
	if !errors.As(out.err, &remote) {
		t.Fatalf("want RemoteError, got %v", out.err)
	}
	if remote.Message != "no such function" {
		t.Fatalf("message = %q", remote.Message)
	}
}

func TestPendingDeadline(t *testing.T) {
	t.Parallel()

	table := newPendingTable()
	done := table.add("1", 20*time.Millisecond)

	select {
	case out := <-done:
		if !errors.Is(out.err, ErrRequestTimeout) {
			t.Fatalf("want ErrRequestTimeout, got %v", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}

	ok := true
	if table.settle(&protocol.Frame{Type: protocol.TypeResponse, ID: "1", Success: &ok}) {
		t.Fatal("late response settled a removed call")
	}
}

func TestPendingFirstRemoverWins(t *testing.T) {
	t.Parallel()

	table := newPendingTable()
	done := table.add("1", time.Minute)

	table.fail("1", ErrConnectionClosed)
	ok := true
	table.settle(&protocol.Frame{Type: protocol.TypeResponse, ID: "1", Success: &ok})

	out := <-done
	if !errors.Is(out.err, ErrConnectionClosed) {
		t.Fatalf("want ErrConnectionClosed, got %v", out.err)
	}
	select {
	case <-done:
		t.Fatal("call settled twice")
	default:
	}
}

func TestPendingFailAll(t *testing.T) {
	t.Parallel()

	table := newPendingTable()
	first := table.add("1", time.Minute)
	second := table.add("2", time.Minute)

	table.failAll(ErrConnectionClosed)

	for _, done := range []<-chan outcome{first, second} {
		out := <-done
		if !errors.Is(out.err, ErrConnectionClosed) {
			t.Fatalf("want ErrConnectionClosed, got %v", out.err)
		}
	}
}
