package agentproc

import (
	"context"
	"testing"
	"time"
)

// fakeWrapperScript is a minimal shell program standing in for wrapper_path:
// it echoes one assistant record and one result record, then blocks on
// stdin until it's closed (mirroring a real agent session awaiting the
// next user turn).
const fakeWrapperScript = `
echo '{"type":"assistant","content":[{"type":"text","text":"hello"}]}'
echo '{"type":"result","cost_usd":0.01,"turn_count":1,"stop_reason":"end_turn"}'
cat >/dev/null
`

func startFakeProcess(t *testing.T) *Process {
	t.Helper()
	p, err := Start(context.Background(), Config{
		WrapperPath: "/bin/sh",
		Args:        []string{"-c", fakeWrapperScript},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func TestStartAndReadOutputRecords(t *testing.T) {
	p := startFakeProcess(t)

	var got []OutputRecord
	timeout := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case rec, ok := <-p.Output():
			if !ok {
				t.Fatalf("output channel closed early, got %d records: %+v", len(got), got)
			}
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("timed out waiting for output records, got %d: %+v", len(got), got)
		}
	}

	if got[0].Type != "assistant" {
		t.Fatalf("got[0].Type = %q, want assistant", got[0].Type)
	}
	if len(got[0].Content) != 1 || got[0].Content[0].Text != "hello" {
		t.Fatalf("unexpected assistant content: %+v", got[0].Content)
	}
	if got[1].Type != "result" {
		t.Fatalf("got[1].Type = %q, want result", got[1].Type)
	}
	if got[1].CostUSD != 0.01 || got[1].TurnCount != 1 {
		t.Fatalf("unexpected result record: %+v", got[1])
	}
}

func TestSendUserTurnAfterStopReturnsError(t *testing.T) {
	p := startFakeProcess(t)
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.SendUserTurn("hi"); err != errWriteClosed {
		t.Fatalf("SendUserTurn after Stop = %v, want errWriteClosed", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := startFakeProcess(t)
	if err := p.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop should be a no-op, got: %v", err)
	}
}

func TestMalformedOutputLineIsSkipped(t *testing.T) {
	p, err := Start(context.Background(), Config{
		WrapperPath: "/bin/sh",
		Args: []string{"-c", `
echo 'not json'
echo '{"type":"assistant","content":[{"type":"text","text":"after garbage"}]}'
cat >/dev/null
`},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Stop() })

	select {
	case rec, ok := <-p.Output():
		if !ok {
			t.Fatal("output channel closed before any record")
		}
		if rec.Type != "assistant" || rec.Content[0].Text != "after garbage" {
			t.Fatalf("unexpected first valid record: %+v", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for record after malformed line")
	}
}
