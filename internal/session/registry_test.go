package session

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeConn records writes and feeds reads from a channel.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	inbox  chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-c.inbox
	if !ok {
		return 0, nil, errors.New("closed")
	}
	return 1, msg, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbox)
	}
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func TestSendAndWritePump(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, "1.2.3.4")

	if err := s.Send(map[string]string{"ret": "pong"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	s.Close()
	s.WritePump() // drains synchronously

	writes := conn.written()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	var frame map[string]string
	if err := json.Unmarshal(writes[0], &frame); err != nil || frame["ret"] != "pong" {
		t.Fatalf("frame = %s, err = %v", writes[0], err)
	}

	if err := s.Send("late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestCloseDrainsQueuedFrames(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, "1.2.3.4")

	for i := 0; i < 5; i++ {
		if err := s.Send(i); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	s.Close()
	s.WritePump()

	if got := len(conn.written()); got != 5 {
		t.Fatalf("drained %d frames, want 5", got)
	}
}

func TestSendDuringCloseNeverPanics(t *testing.T) {
	// Send and Close race from different goroutines in practice: the
	// router fans out to operators while a disconnecting session tears
	// itself down. Neither side may panic.
	for i := 0; i < 5000; i++ {
		s := New(newFakeConn(), "1.1.1.1")
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Send panicked at iteration %d: %v", i, r)
				}
			}()
			<-start
			_ = s.Send("x")
		}()
		go func() {
			defer wg.Done()
			<-start
			s.Close()
		}()
		close(start)
		wg.Wait()
	}
}

func TestDoneSignalsAfterDrain(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, "1.1.1.1")

	for i := 0; i < 3; i++ {
		if err := s.Send(i); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	go s.WritePump()

	select {
	case <-s.Done():
		t.Fatal("done closed while the session is still open")
	case <-time.After(20 * time.Millisecond):
	}

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done never closed after Close")
	}

	if got := len(conn.written()); got != 3 {
		t.Fatalf("drained %d frames, want 3", got)
	}
}

func TestRegisterDeviceSupersedes(t *testing.T) {
	r := NewRegistry()

	old := New(newFakeConn(), "1.1.1.1")
	r.RegisterDevice("SN1", old)

	replacement := New(newFakeConn(), "2.2.2.2")
	r.RegisterDevice("SN1", replacement)

	if err := old.Send("x"); !errors.Is(err, ErrSessionClosed) {
		t.Fatal("superseded session was not closed")
	}
	if !r.IsDeviceConnected("SN1") {
		t.Fatal("serial lost during supersede")
	}

	// The superseded session's teardown must not evict the replacement.
	r.Unregister(old)
	if !r.IsDeviceConnected("SN1") {
		t.Fatal("predecessor teardown evicted the live session")
	}

	r.Unregister(replacement)
	if r.IsDeviceConnected("SN1") {
		t.Fatal("serial still registered after unregister")
	}
}

func TestDeviceGoneHook(t *testing.T) {
	r := NewRegistry()

	var gone []string
	r.SetDeviceGoneHook(func(serial string) { gone = append(gone, serial) })

	s := New(newFakeConn(), "1.1.1.1")
	r.RegisterDevice("SN1", s)
	r.Unregister(s)

	if len(gone) != 1 || gone[0] != "SN1" {
		t.Fatalf("hook fired with %v, want [SN1]", gone)
	}

	// Unregistering twice must not re-fire the hook.
	r.Unregister(s)
	if len(gone) != 1 {
		t.Fatalf("hook fired %d times, want 1", len(gone))
	}
}

func TestBroadcastToOperators(t *testing.T) {
	r := NewRegistry()

	op1 := New(newFakeConn(), "1.1.1.1")
	op2 := New(newFakeConn(), "2.2.2.2")
	r.RegisterOperator(op1)
	r.RegisterOperator(op2)

	dev := New(newFakeConn(), "3.3.3.3")
	r.RegisterDevice("SN1", dev)

	// A closed operator must not block delivery to the others.
	op1.Close()

	r.BroadcastToOperators(map[string]string{"ret": "live_scan"})

	op2.Close()
	op2.WritePump()
	if got := len(op2.conn.(*fakeConn).written()); got != 1 {
		t.Fatalf("op2 received %d frames, want 1", got)
	}

	dev.Close()
	dev.WritePump()
	if got := len(dev.conn.(*fakeConn).written()); got != 0 {
		t.Fatalf("device received %d broadcast frames, want 0", got)
	}
}

func TestReadPumpDispatchesInOrder(t *testing.T) {
	conn := newFakeConn()
	s := New(conn, "1.1.1.1")

	conn.inbox <- []byte("a")
	conn.inbox <- []byte("b")
	conn.inbox <- []byte("c")

	var got []string
	done := make(chan struct{})
	go s.ReadPump(
		func(raw []byte) { got = append(got, string(raw)) },
		func() { close(done) },
	)

	time.Sleep(10 * time.Millisecond)
	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onClose never fired")
	}

	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("dispatched %v, want [a b c] in order", got)
	}
}

func TestOperatorCount(t *testing.T) {
	r := NewRegistry()
	if r.OperatorCount() != 0 {
		t.Fatal("fresh registry has operators")
	}
	op := New(newFakeConn(), "1.1.1.1")
	r.RegisterOperator(op)
	if r.OperatorCount() != 1 {
		t.Fatalf("OperatorCount = %d, want 1", r.OperatorCount())
	}
	r.Unregister(op)
	if r.OperatorCount() != 0 {
		t.Fatalf("OperatorCount = %d after unregister, want 0", r.OperatorCount())
	}
}
