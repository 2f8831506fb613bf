package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/gwillem/rover/pkg/command"
)

// broker is a loopback TCP listener standing in for the remote broker.
type broker struct {
	ln    net.Listener
	conns chan net.Conn
}

func newBroker(t *testing.T) *broker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	b := &broker{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *broker) addr() string {
	return b.ln.Addr().String()
}

func (b *broker) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// transitions records state changes reported by WithStateHook.
type transitions struct {
	mu  sync.Mutex
	got [][2]State
}

func (tr *transitions) record(from, to State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, [2]State{from, to})
}

func (tr *transitions) all() [][2]State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([][2]State(nil), tr.got...)
}

func (tr *transitions) count(to State) int {
	n := 0
	for _, step := range tr.all() {
		if step[1] == to {
			n++
		}
	}
	return n
}

func testConfig(addr string) Config {
	return Config{
		Address:     addr,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		DialTimeout: time.Second,
		ReadTimeout: 20 * time.Millisecond,
	}
}

func collect(t *testing.T, msgs <-chan command.Message) []command.Message {
	t.Helper()
	var got []command.Message
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return got
			}
			got = append(got, msg)
		case <-deadline:
			t.Fatalf("channel not closed, received %v", got)
			return nil
		}
	}
}

func TestStateString(t *testing.T) {
	test.That(t, Disconnected.String(), test.ShouldEqual, "disconnected")
	test.That(t, Listening.String(), test.ShouldEqual, "listening")
	test.That(t, State(9).String(), test.ShouldEqual, "state(9)")
}

func TestConnectRetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	addr := ln.Addr().String()
	ln.Close()

	var tr transitions
	c := NewClient(testConfig(addr), WithStateHook(tr.record))

	err = c.Connect(context.Background())
	test.That(t, errors.Is(err, ErrRetriesExhausted), test.ShouldBeTrue)
	test.That(t, c.Attempts(), test.ShouldEqual, 3)
	test.That(t, c.State(), test.ShouldEqual, Disconnected)
	test.That(t, tr.all(), test.ShouldResemble, [][2]State{
		{Disconnected, Connecting},
		{Connecting, Disconnected},
	})

	err = c.Subscribe("x")
	test.That(t, errors.Is(err, ErrNotConnected), test.ShouldBeTrue)
}

func TestConnectWaitsBackoff(t *testing.T) {
	calls := atomic.NewInt32(0)
	dial := func(context.Context, string, time.Duration) (Conn, error) {
		calls.Inc()
		return nil, errors.New("connection refused")
	}
	mock := clock.NewMock()
	c := NewClient(Config{Address: "broker:5051", MaxAttempts: 5, Backoff: 3 * time.Second},
		WithDialer(dial), WithClock(mock))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	test.That(t, calls.Load(), test.ShouldEqual, int32(1))

	for {
		select {
		case err := <-done:
			test.That(t, errors.Is(err, ErrRetriesExhausted), test.ShouldBeTrue)
			test.That(t, calls.Load(), test.ShouldEqual, int32(5))
			return
		default:
		}
		mock.Add(3 * time.Second)
		time.Sleep(time.Millisecond)
	}
}

func TestConnectRecoversAndResetsAttempts(t *testing.T) {
	calls := atomic.NewInt32(0)
	dial := func(context.Context, string, time.Duration) (Conn, error) {
		if calls.Inc() < 3 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		t.Cleanup(func() { server.Close() })
		return client, nil
	}
	c := NewClient(testConfig("pipe"), WithDialer(dial))

	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	test.That(t, calls.Load(), test.ShouldEqual, int32(3))
	test.That(t, c.Attempts(), test.ShouldEqual, 0)
	test.That(t, c.State(), test.ShouldEqual, Connected)
	test.That(t, c.Session(), test.ShouldNotBeEmpty)
	test.That(t, c.Disconnect(), test.ShouldBeNil)
}

func TestConnectCancelled(t *testing.T) {
	dial := func(context.Context, string, time.Duration) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	c := NewClient(Config{Address: "broker:5051", Backoff: time.Hour}, WithDialer(dial))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := c.Connect(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, errors.Is(err, ErrRetriesExhausted), test.ShouldBeFalse)
	test.That(t, c.State(), test.ShouldEqual, Disconnected)
}

func TestSubscribe(t *testing.T) {
	b := newBroker(t)
	c := NewClient(testConfig(b.addr()))
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	defer c.Disconnect()
	server := b.accept(t)

	test.That(t, c.Subscribe("UDFJC/emb1/robot6/RPi/state"), test.ShouldBeNil)
	test.That(t, c.Subscribe("UDFJC/emb1/+/RPi/sequence"), test.ShouldBeNil)

	r := bufio.NewReader(server)
	line, err := r.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldEqual, `{"action":"SUB","topic":"UDFJC/emb1/robot6/RPi/state"}`+"\n")
	line, err = r.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldEqual, `{"action":"SUB","topic":"UDFJC/emb1/+/RPi/sequence"}`+"\n")
}

func TestListenDeliversFramesAndSkipsBadOnes(t *testing.T) {
	b := newBroker(t)
	core, logs := observer.New(zapcore.WarnLevel)
	var tr transitions
	c := NewClient(testConfig(b.addr()), WithLogger(zap.New(core)), WithStateHook(tr.record))

	_, err := c.Listen(context.Background())
	test.That(t, errors.Is(err, ErrNotConnected), test.ShouldBeTrue)

	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	server := b.accept(t)

	msgs, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.State(), test.ShouldEqual, Listening)
	test.That(t, c.Running(), test.ShouldBeTrue)

	_, err = c.Listen(context.Background())
	test.That(t, errors.Is(err, ErrAlreadyListening), test.ShouldBeTrue)

	_, err = server.Write([]byte(`{"topic":"r/robot6/RPi/state","data":{"v":1}}` + "\n" +
		"{bad\n" +
		"\n   \n" +
		`{"topic":"r/robot6/RPi/seq`))
	test.That(t, err, test.ShouldBeNil)
	// Longer than the read timeout, so the split frame spans reads.
	time.Sleep(60 * time.Millisecond)
	_, err = server.Write([]byte(`uence","data":{"action":"execute_now","name":"wave"}}` + "\n" + "\xff\xfe\n"))
	test.That(t, err, test.ShouldBeNil)
	server.Close()

	got := collect(t, msgs)
	want := command.DefaultStateCommand()
	want.V = 1
	test.That(t, got, test.ShouldResemble, []command.Message{
		want,
		command.SequenceExecute{Name: "wave"},
	})

	test.That(t, logs.FilterMessage("malformed frame").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("frame is not valid utf-8").Len(), test.ShouldEqual, 1)

	test.That(t, c.State(), test.ShouldEqual, Disconnected)
	test.That(t, c.Running(), test.ShouldBeFalse)
	test.That(t, c.Disconnect(), test.ShouldBeNil)
	test.That(t, tr.count(Disconnected), test.ShouldEqual, 1)
	test.That(t, tr.all(), test.ShouldResemble, [][2]State{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connected, Listening},
		{Listening, Disconnected},
	})
}

func TestListenSurvivesReadTimeouts(t *testing.T) {
	b := newBroker(t)
	cfg := testConfig(b.addr())
	cfg.ReadTimeout = 5 * time.Millisecond
	c := NewClient(cfg)
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	server := b.accept(t)

	msgs, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)

	time.Sleep(50 * time.Millisecond)
	test.That(t, c.State(), test.ShouldEqual, Listening)

	_, err = server.Write([]byte(`{"topic":"x/sequence","data":{"action":"execute_now","name":"late"}}` + "\n"))
	test.That(t, err, test.ShouldBeNil)

	select {
	case msg := <-msgs:
		test.That(t, msg, test.ShouldResemble, command.SequenceExecute{Name: "late"})
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	test.That(t, c.Disconnect(), test.ShouldBeNil)
}

func TestDisconnectEndsListenAndAllowsReconnect(t *testing.T) {
	b := newBroker(t)
	var tr transitions
	c := NewClient(testConfig(b.addr()), WithStateHook(tr.record))
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	b.accept(t)

	msgs, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, c.Disconnect(), test.ShouldBeNil)
	test.That(t, collect(t, msgs), test.ShouldBeEmpty)
	test.That(t, c.Disconnect(), test.ShouldBeNil)
	test.That(t, tr.count(Disconnected), test.ShouldEqual, 1)

	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	b.accept(t)
	test.That(t, c.State(), test.ShouldEqual, Connected)
	test.That(t, c.Disconnect(), test.ShouldBeNil)
}

// lingeringConn blocks reads until closed and reports the close only after a
// delay, like a socket whose reader wakes up late.
type lingeringConn struct {
	closed chan struct{}
	once   sync.Once
}

func newLingeringConn() *lingeringConn {
	return &lingeringConn{closed: make(chan struct{})}
}

func (c *lingeringConn) Read([]byte) (int, error) {
	<-c.closed
	time.Sleep(50 * time.Millisecond)
	return 0, net.ErrClosed
}

func (c *lingeringConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *lingeringConn) SetReadDeadline(time.Time) error { return nil }

func (c *lingeringConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *lingeringConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func TestReconnectSurvivesStaleReceiveLoop(t *testing.T) {
	var (
		tr     transitions
		mu     sync.Mutex
		dialed []*lingeringConn
	)
	dial := func(context.Context, string, time.Duration) (Conn, error) {
		conn := newLingeringConn()
		mu.Lock()
		dialed = append(dialed, conn)
		mu.Unlock()
		return conn, nil
	}
	c := NewClient(testConfig("broker"), WithDialer(dial), WithStateHook(tr.record))

	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	first, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Disconnect(), test.ShouldBeNil)

	// Reconnect while the first loop is still blocked in Read.
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	second, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, collect(t, first), test.ShouldBeEmpty)
	time.Sleep(20 * time.Millisecond)

	test.That(t, c.State(), test.ShouldEqual, Listening)
	test.That(t, c.Running(), test.ShouldBeTrue)
	test.That(t, c.Session(), test.ShouldNotBeEmpty)
	select {
	case _, ok := <-second:
		t.Fatalf("second session channel delivered or closed (ok=%v)", ok)
	default:
	}
	mu.Lock()
	test.That(t, dialed, test.ShouldHaveLength, 2)
	test.That(t, dialed[0].isClosed(), test.ShouldBeTrue)
	test.That(t, dialed[1].isClosed(), test.ShouldBeFalse)
	mu.Unlock()
	test.That(t, tr.count(Disconnected), test.ShouldEqual, 1)

	test.That(t, c.Disconnect(), test.ShouldBeNil)
	test.That(t, collect(t, second), test.ShouldBeEmpty)
	test.That(t, tr.count(Disconnected), test.ShouldEqual, 2)
}

func TestListenDropsOversizedFrame(t *testing.T) {
	b := newBroker(t)
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := testConfig(b.addr())
	cfg.MaxFrame = 80
	c := NewClient(cfg, WithLogger(zap.New(core)))
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	server := b.accept(t)

	msgs, err := c.Listen(context.Background())
	test.That(t, err, test.ShouldBeNil)

	_, err = server.Write([]byte(strings.Repeat("x", 200)))
	test.That(t, err, test.ShouldBeNil)
	time.Sleep(60 * time.Millisecond)
	_, err = server.Write([]byte("xxxx
" + `{"topic":"a/sequence","data":{"action":"execute_now","name":"w"}}` + "
"))
	test.That(t, err, test.ShouldBeNil)
	server.Close()

	test.That(t, collect(t, msgs), test.ShouldResemble, []command.Message{command.SequenceExecute{Name: "w"}})
	test.That(t, logs.FilterMessage("frame exceeds size limit, dropping buffered bytes").Len(), test.ShouldBeGreaterThan, 0)
	test.That(t, logs.FilterMessage("malformed frame").Len(), test.ShouldEqual, 0)
}

func TestListenStopsOnContextCancel(t *testing.T) {
	b := newBroker(t)
	c := NewClient(testConfig(b.addr()))
	test.That(t, c.Connect(context.Background()), test.ShouldBeNil)
	b.accept(t)

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := c.Listen(ctx)
	test.That(t, err, test.ShouldBeNil)
	cancel()

	test.That(t, collect(t, msgs), test.ShouldBeEmpty)
	test.That(t, c.State(), test.ShouldEqual, Disconnected)
}
