package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/mdrincic-boop/mpx-link-pro/internal/event"
)

type fakeBackend struct {
	mu        sync.Mutex
	running   bool
	lines     []string
	launches  int
	launchErr error
}

func (f *fakeBackend) Launch(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.launchErr != nil {
		return f.launchErr
	}
	f.running = true
	return nil
}

func (f *fakeBackend) Halt() error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Send(line []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return errors.New("not running")
	}
	f.lines = append(f.lines, string(line))
	return nil
}

func (f *fakeBackend) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeBackend) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

type fakeGate struct{ live atomic.Bool }

func (g *fakeGate) Live() bool { return g.live.Load() }

func liveGate() *fakeGate {
	g := &fakeGate{}
	g.live.Store(true)
	return g
}

func drain(t *testing.T, s *Subscription, n int) []event.Event {
	t.Helper()
	out := make([]event.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-s.C():
			if !ok {
				t.Fatalf("subscription closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &m))
	return m
}

func TestUnknownCommandDoesNotTouchBackend(t *testing.T) {
	be := &fakeBackend{running: true}
	b := New(be, nil)
	_, err := b.IssueCommand(context.Background(), "reboot", nil)
	var unknown *UnknownCommandError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "reboot", unknown.Name)
	assert.Empty(t, be.sent())
	assert.Zero(t, be.launches)
}

func TestStartStreamLaunchesAndForwards(t *testing.T) {
	be := &fakeBackend{}
	b := New(be, nil)
	b.SetGate(liveGate())
	sub := b.Subscribe(8)
	defer sub.Close()

	args := map[string]any{"mode": "sender", "channelMode": "stereo", "port": 5004}
	ack, err := b.IssueCommand(context.Background(), CmdStartStream, args)
	require.NoError(t, err)
	assert.True(t, ack.Dispatched)
	assert.Equal(t, CmdStartStream, ack.Command)
	assert.NotEmpty(t, ack.ID)
	assert.Equal(t, 1, be.launches)

	lines := be.sent()
	require.Len(t, lines, 1)
	assert.Equal(t, byte('\n'), lines[0][len(lines[0])-1])
	m := decodeLine(t, lines[0])
	assert.Equal(t, CmdStartStream, m["command"])
	assert.Equal(t, "sender", m["args"].(map[string]any)["mode"])
	assert.Equal(t, ack.ID, m["id"])

	echo := drain(t, sub, 1)[0]
	assert.Equal(t, event.KindCommand, echo.Kind)
	assert.Equal(t, CmdStartStream, echo.Name)
}

func TestStartStreamDoesNotRelaunchRunningBackend(t *testing.T) {
	be := &fakeBackend{running: true}
	b := New(be, nil)
	_, err := b.IssueCommand(context.Background(), CmdStartStream, nil)
	require.NoError(t, err)
	assert.Zero(t, be.launches)
	assert.Len(t, be.sent(), 1)
}

func TestStartStreamValidatesOnlyPresentFields(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		ok   bool
	}{
		{"empty", nil, true},
		{"receiver", map[string]any{"mode": "receiver"}, true},
		{"multi", map[string]any{"channelMode": "multi"}, true},
		{"bad mode", map[string]any{"mode": "relay"}, false},
		{"bad channel", map[string]any{"channelMode": "surround"}, false},
		{"non-string", map[string]any{"mode": 3}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			be := &fakeBackend{running: true}
			b := New(be, nil)
			_, err := b.IssueCommand(context.Background(), CmdStartStream, tc.args)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			var inv *InvalidArgsError
			require.ErrorAs(t, err, &inv)
			assert.Empty(t, be.sent())
		})
	}
}

func TestStartStreamReportsLaunchFailure(t *testing.T) {
	be := &fakeBackend{launchErr: errors.New("spawn failed")}
	b := New(be, nil)
	_, err := b.IssueCommand(context.Background(), CmdStartStream, nil)
	require.EqualError(t, err, "spawn failed")
	assert.Empty(t, be.sent())
}

func TestStopStreamIsNoopWhenStopped(t *testing.T) {
	be := &fakeBackend{}
	b := New(be, nil)
	ack, err := b.IssueCommand(context.Background(), CmdStopStream, nil)
	require.NoError(t, err)
	assert.False(t, ack.Dispatched)
	assert.Empty(t, be.sent())
}

func TestConfigureNetworkDhcpWithOnlyInterface(t *testing.T) {
	be := &fakeBackend{running: true}
	b := New(be, nil)
	ack, err := b.IssueCommand(context.Background(), CmdConfigureNetwork,
		map[string]any{"method": "dhcp", "interface": "eth0"})
	require.NoError(t, err)
	assert.True(t, ack.Dispatched)
	m := decodeLine(t, be.sent()[0])
	assert.Equal(t, CmdConfigureNetwork, m["command"])
	assert.Equal(t, map[string]any{"method": "dhcp", "interface": "eth0"}, m["args"])
}

func TestConfigureNetworkWithoutBackendIsNotDispatched(t *testing.T) {
	be := &fakeBackend{}
	b := New(be, nil)
	ack, err := b.IssueCommand(context.Background(), CmdConfigureNetwork,
		map[string]any{"method": "static", "interface": "eth0", "ipAddress": "10.0.0.5"})
	require.NoError(t, err)
	assert.False(t, ack.Dispatched)
	assert.Equal(t, CmdConfigureNetwork, ack.Command)
	assert.Empty(t, be.sent())
	assert.Zero(t, be.launches)

	_, err = New(nil, nil).IssueCommand(context.Background(), CmdStartStream, nil)
	require.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestGetNetworkInfoDefaultsAndCache(t *testing.T) {
	be := &fakeBackend{}
	b := New(be, nil)

	ack, err := b.IssueCommand(context.Background(), CmdGetNetworkInfo, nil)
	require.NoError(t, err)
	assert.False(t, ack.Dispatched)
	assert.JSONEq(t, `{"current":{"ip":"","gateway":"","netmask":"","dns":""},"interfaces":[]}`, string(ack.Data))

	b.DeliverEvent(event.Log(`{"type":"network_info","data":{"current":{"ip":"10.0.0.2","gateway":"10.0.0.1","netmask":"255.255.255.0","dns":"1.1.1.1"},"interfaces":[{"name":"eth0"}]}}` + "\n"))

	be.running = true
	ack, err = b.IssueCommand(context.Background(), CmdGetNetworkInfo, nil)
	require.NoError(t, err)
	assert.True(t, ack.Dispatched)
	assert.Contains(t, string(ack.Data), "10.0.0.2")
	assert.Len(t, be.sent(), 1)
}

func TestGetDevicesReturnsCachedData(t *testing.T) {
	be := &fakeBackend{running: true}
	b := New(be, nil)
	b.DeliverEvent(event.Log(`{"type":"devices","data":{"input":[{"index":0,"name":"Mic"}],"output":[]}}` + "\n"))
	ack, err := b.IssueCommand(context.Background(), CmdGetDevices, nil)
	require.NoError(t, err)
	assert.True(t, ack.Dispatched)
	assert.Contains(t, string(ack.Data), "Mic")
}

func TestDecodeNamesJSONLinesAndPassesRawOutput(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	sub := b.Subscribe(8)
	defer sub.Close()

	b.DeliverEvent(event.Log(`{"type":"stats","data":{"packets":12}}` + "\n"))
	b.DeliverEvent(event.Log("plain text output\n"))
	b.DeliverEvent(event.Log(`{"type": broken` + "\n"))
	b.DeliverEvent(event.Error(`{"type":"error","message":"device busy"}` + "\n"))
	b.DeliverEvent(event.Log(`{"type":"error","message":"reported on stdout"}` + "\n"))

	evs := drain(t, sub, 5)
	assert.Equal(t, EventStats, evs[0].Name)
	assert.JSONEq(t, `{"packets":12}`, string(evs[0].Data))
	assert.Equal(t, event.KindLog, evs[0].Kind)

	assert.Empty(t, evs[1].Name)
	assert.Equal(t, "plain text output\n", evs[1].Payload)

	assert.Empty(t, evs[2].Name)
	assert.Equal(t, `{"type": broken`+"\n", evs[2].Payload)

	assert.Equal(t, "error", evs[3].Name)
	assert.Equal(t, event.KindError, evs[3].Kind)
	assert.JSONEq(t, `"device busy"`, string(evs[3].Data))

	assert.Equal(t, event.KindError, evs[4].Kind)

	stats, ok := b.Stats()
	require.True(t, ok)
	assert.JSONEq(t, `{"packets":12}`, string(stats))
}

func TestLogAndErrorStayDistinguishable(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	sub := b.Subscribe(4)
	defer sub.Close()
	b.DeliverEvent(event.Log("info\n"))
	b.DeliverEvent(event.Error("bad\n"))
	evs := drain(t, sub, 2)
	assert.Equal(t, event.KindLog, evs[0].Kind)
	assert.Equal(t, event.KindError, evs[1].Kind)
}

func TestEventsDroppedWithoutLiveSession(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	g := &fakeGate{}
	b.SetGate(g)
	sub := b.Subscribe(4)
	defer sub.Close()

	b.DeliverEvent(event.Log("lost\n"))
	g.live.Store(true)
	b.DeliverEvent(event.Log("kept\n"))

	ev := drain(t, sub, 1)[0]
	assert.Equal(t, "kept\n", ev.Payload)
	assert.Equal(t, uint64(1), ev.Seq)
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
}

func TestDroppedEventsStillRefreshCache(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	b.SetGate(&fakeGate{})
	b.DeliverEvent(event.Log(`{"type":"network_info","data":{"current":{"ip":"192.168.1.5"},"interfaces":[]}}` + "\n"))
	data, ok := b.Last(EventNetworkInfo)
	require.True(t, ok)
	assert.Contains(t, string(data), "192.168.1.5")
}

func TestBlockingBackpressureKeepsEverything(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	sub := b.Subscribe(1)
	defer sub.Close()

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			b.DeliverEvent(event.Log(fmt.Sprintf("%d\n", i)))
		}
	}()
	evs := drain(t, sub, n)
	<-done
	for i, ev := range evs {
		assert.Equal(t, fmt.Sprintf("%d\n", i), ev.Payload)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestCloseReleasesBlockedDelivery(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	slow := b.Subscribe(1)
	fast := b.Subscribe(16)
	defer fast.Close()

	b.DeliverEvent(event.Log("fills slow\n"))
	delivered := make(chan struct{})
	go func() {
		b.DeliverEvent(event.Log("blocked\n"))
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("delivery should block on a full subscriber")
	case <-time.After(50 * time.Millisecond):
	}
	slow.Close()
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("closing the slow subscriber must release delivery")
	}
	assert.Equal(t, 1, b.Subscribers())
	assert.Len(t, drain(t, fast, 2), 2)

	_, open := <-slow.C()
	if open {
		_, open = <-slow.C()
	}
	assert.False(t, open, "closed subscription channel must be closed")
}

func TestCommandsListed(t *testing.T) {
	b := New(&fakeBackend{}, nil)
	assert.Equal(t, []string{
		CmdConfigureNetwork, CmdGetDevices, CmdGetNetworkInfo, CmdStartStream, CmdStopStream,
	}, b.Commands())
}

// Every subscriber observes one total order that matches production order
// within each stream, however the two streams interleave.
func TestOrderingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outN := rapid.IntRange(0, 40).Draw(rt, "stdout")
		errN := rapid.IntRange(0, 40).Draw(rt, "stderr")
		subs := rapid.IntRange(1, 3).Draw(rt, "subscribers")

		b := New(&fakeBackend{}, nil)
		g := liveGate()
		b.SetGate(g)
		ss := make([]*Subscription, subs)
		for i := range ss {
			ss[i] = b.Subscribe(outN + errN + 1)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < outN; i++ {
				b.DeliverEvent(event.Log(fmt.Sprintf("o%d\n", i)))
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < errN; i++ {
				b.DeliverEvent(event.Error(fmt.Sprintf("e%d\n", i)))
			}
		}()
		wg.Wait()

		var first []string
		for si, s := range ss {
			var got []string
			nextOut, nextErr := 0, 0
			var lastSeq uint64
			for i := 0; i < outN+errN; i++ {
				ev := <-s.C()
				if ev.Seq <= lastSeq {
					rt.Fatalf("seq not increasing: %d after %d", ev.Seq, lastSeq)
				}
				lastSeq = ev.Seq
				switch ev.Kind {
				case event.KindLog:
					if ev.Payload != fmt.Sprintf("o%d\n", nextOut) {
						rt.Fatalf("stdout out of order: %q want o%d", ev.Payload, nextOut)
					}
					nextOut++
				case event.KindError:
					if ev.Payload != fmt.Sprintf("e%d\n", nextErr) {
						rt.Fatalf("stderr out of order: %q want e%d", ev.Payload, nextErr)
					}
					nextErr++
				}
				got = append(got, ev.Payload)
			}
			if si == 0 {
				first = got
			} else if fmt.Sprint(first) != fmt.Sprint(got) {
				rt.Fatalf("subscribers disagree on order")
			}
			s.Close()
		}
	})
}

func TestLaggingDropOldestSubscriberDoesNotStallOthers(t *testing.T) {
	be := &fakeBackend{running: true}
	b := New(be, nil)
	b.SetGate(liveGate())
	lagging := b.SubscribeWith(1, DropOldest)
	defer lagging.Close()
	live := b.Subscribe(64)
	defer live.Close()

	b.DeliverEvent(event.Log("first\n"))
	done := make(chan error, 1)
	go func() {
		_, err := b.IssueCommand(context.Background(), CmdStopStream, nil)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stop_stream blocked behind a subscriber that never reads")
	}
	for i := 0; i < 10; i++ {
		b.DeliverEvent(event.Log(fmt.Sprintf("line %d\n", i)))
	}

	got := drain(t, live, 12)
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].Seq+1, got[i].Seq)
	}
	assert.Equal(t, event.KindCommand, got[1].Kind)
	require.Len(t, be.sent(), 1)

	assert.Equal(t, uint64(11), lagging.Dropped())
	last := <-lagging.C()
	assert.Equal(t, "line 9\n", last.Payload)
	assert.Equal(t, got[11].Seq, last.Seq)
	assert.Zero(t, live.Dropped())
}
