package correlate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/clock"
	"github.com/m4xw311/acpbridge/session"
)

func newTestCorrelator() (*Correlator, *clock.FakeClock) {
	fake := clock.Fake(time.Unix(0, 0))
	return New(Options{Clock: fake, TurnTimeout: 10 * time.Second}), fake
}

func TestResolveExactlyOnce(t *testing.T) {
	c, _ := newTestCorrelator()
	c.Track(Pending{BackendID: 1, ClientID: json.RawMessage(`7`), Method: "session/prompt"}, 0, nil)
	if c.Len() != 1 {
		t.Fatalf("Len = %d", c.Len())
	}

	p, ok := c.Resolve(1)
	if !ok || string(p.ClientID) != "7" {
		t.Fatalf("Resolve = %+v, %v", p, ok)
	}
	if _, ok := c.Resolve(1); ok {
		t.Errorf("second Resolve must report false")
	}
	if _, ok := c.Resolve(42); ok {
		t.Errorf("unknown id must report false")
	}
}

func TestTimeoutRemovesAndIgnoresLateAnswer(t *testing.T) {
	c, fake := newTestCorrelator()
	var timedOut []Pending
	c.Track(Pending{BackendID: 3, SessionID: "s", Mode: ModeDeferred}, c.TurnTimeout(), func(p Pending) {
		timedOut = append(timedOut, p)
	})

	fake.Advance(9 * time.Second)
	if len(timedOut) != 0 {
		t.Fatalf("fired early")
	}
	fake.Advance(time.Second)
	if len(timedOut) != 1 || timedOut[0].Mode != ModeDeferred {
		t.Fatalf("timedOut = %+v", timedOut)
	}
	if c.Len() != 0 {
		t.Errorf("entry not removed on timeout")
	}
	if _, ok := c.Resolve(3); ok {
		t.Errorf("late answer must find nothing")
	}
}

func TestResolveStopsTimer(t *testing.T) {
	c, fake := newTestCorrelator()
	fired := false
	c.Track(Pending{BackendID: 5}, time.Second, func(Pending) { fired = true })
	c.Resolve(5)
	fake.Advance(time.Minute)
	if fired {
		t.Errorf("timeout fired after Resolve")
	}
	if fake.Pending() != 0 {
		t.Errorf("timer still scheduled")
	}
}

func TestFailAllOrderedAndClears(t *testing.T) {
	c, fake := newTestCorrelator()
	fired := false
	for _, id := range []int64{4, 2, 9} {
		c.Track(Pending{BackendID: id, SessionID: "s"}, time.Second, func(Pending) { fired = true })
	}
	if got := c.PendingForSession("s"); len(got) != 3 {
		t.Fatalf("PendingForSession = %d", len(got))
	}

	all := c.FailAll()
	if len(all) != 3 || all[0].BackendID != 2 || all[2].BackendID != 9 {
		t.Fatalf("FailAll = %+v", all)
	}
	if c.Len() != 0 || len(c.FailAll()) != 0 {
		t.Errorf("FailAll did not clear")
	}
	fake.Advance(time.Minute)
	if fired {
		t.Errorf("timer fired after FailAll")
	}
}

func TestTurnBufferStateMachine(t *testing.T) {
	c, _ := newTestCorrelator()
	if c.Turn("s") != TurnIdle {
		t.Fatalf("initial state = %s", c.Turn("s"))
	}
	if c.Buffer("s", "ignored") {
		t.Errorf("Buffer while idle should report false")
	}

	id := c.BeginTurn("s")
	c.Buffer("s", "Hel")
	c.Buffer("s", "lo")
	if c.Turn("s") != TurnBuffering {
		t.Errorf("state = %s", c.Turn("s"))
	}

	text, ok := c.Flush("s", id)
	if !ok || text != "Hello" {
		t.Fatalf("Flush = %q, %v", text, ok)
	}
	if _, ok := c.Flush("s", id); ok {
		t.Errorf("second Flush must report false")
	}
	if c.Turn("s") != TurnFlushed {
		t.Errorf("state = %s", c.Turn("s"))
	}
	if c.Buffer("s", "late") {
		t.Errorf("Buffer after flush should report false")
	}

	next := c.BeginTurn("s")
	if next == id {
		t.Fatalf("turn handle reused")
	}
	if text, ok := c.Flush("s", next); !ok || text != "" {
		t.Errorf("new turn Flush = %q, %v", text, ok)
	}
}

func TestTurnsAreIndependentPerSession(t *testing.T) {
	c, _ := newTestCorrelator()
	a := c.BeginTurn("a")
	b := c.BeginTurn("b")
	c.Buffer("a", "alpha")
	c.Buffer("b", "beta")
	if text, _ := c.Flush("a", a); text != "alpha" {
		t.Errorf("a = %q", text)
	}
	if text, _ := c.Flush("b", b); text != "beta" {
		t.Errorf("b = %q", text)
	}
}

func TestOverlappingTurnsKeepTheirText(t *testing.T) {
	c, _ := newTestCorrelator()
	first := c.BeginTurn("s")
	second := c.BeginTurn("s")

	c.Buffer("s", "first answer")
	if text, ok := c.Flush("s", first); !ok || text != "first answer" {
		t.Fatalf("first turn = %q, %v", text, ok)
	}
	if c.Turn("s") != TurnBuffering {
		t.Fatalf("state with a turn still open = %s", c.Turn("s"))
	}
	c.Buffer("s", "second answer")
	if text, ok := c.Flush("s", second); !ok || text != "second answer" {
		t.Fatalf("second turn = %q, %v", text, ok)
	}
}

func TestSealedTurnTakesNoMoreText(t *testing.T) {
	c, _ := newTestCorrelator()
	first := c.BeginTurn("s")
	second := c.BeginTurn("s")
	c.Track(Pending{BackendID: 1, SessionID: "s", Turn: first}, 0, nil)
	c.Track(Pending{BackendID: 2, SessionID: "s", Turn: second}, 0, nil)

	c.Buffer("s", "one")
	if !c.SealTurn(1) {
		t.Fatal("SealTurn(1) found no turn")
	}
	c.Buffer("s", "two")
	if c.SealTurn(42) {
		t.Error("SealTurn reported an untracked request")
	}

	if text, _ := c.Flush("s", first); text != "one" {
		t.Errorf("first turn = %q", text)
	}
	if text, _ := c.Flush("s", second); text != "two" {
		t.Errorf("second turn = %q", text)
	}
}

func TestFlushOutOfOrder(t *testing.T) {
	c, _ := newTestCorrelator()
	first := c.BeginTurn("s")
	second := c.BeginTurn("s")
	if _, ok := c.Flush("s", second); !ok {
		t.Fatal("flushing the newer turn failed")
	}
	c.Buffer("s", "still first")
	if text, _ := c.Flush("s", first); text != "still first" {
		t.Fatalf("first turn = %q", text)
	}
}

func TestSessionDelegation(t *testing.T) {
	table := session.NewTable(nil)
	c := New(Options{Sessions: table})
	c.EnsureSession("local")
	if got := c.ResolveBackendSessionID("local"); got != "local" {
		t.Errorf("unbound = %q", got)
	}
	if err := table.Bind("local", "remote"); err != nil {
		t.Fatal(err)
	}
	if got := c.ResolveBackendSessionID("local"); got != "remote" {
		t.Errorf("bound = %q", got)
	}
	if got := c.LocalSessionID("remote"); got != "local" {
		t.Errorf("LocalSessionID = %q", got)
	}
	if c.TurnTimeout() != DefaultTurnTimeout {
		t.Errorf("default turn timeout = %s", c.TurnTimeout())
	}
}
