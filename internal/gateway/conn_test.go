package gateway

import (
	"testing"

	"github.com/clawgate/clawgate/internal/gateway/protocol"
)

func newQueueConn(queue int) *Conn {
	return &Conn{
		logger:  testLogger(),
		sendCh:  make(chan []byte, queue),
		closeCh: make(chan closeFrame, 1),
		done:    make(chan struct{}),
	}
}

func TestSendResQueuesResponse(t *testing.T) {
	c := newQueueConn(1)

	c.sendRes([]byte(`{"type":"res"}`))

	select {
	case got := <-c.sendCh:
		if string(got) != `{"type":"res"}` {
			t.Errorf("queued frame = %q", got)
		}
	default:
		t.Fatal("response was not queued")
	}
	select {
	case cl := <-c.closeCh:
		t.Fatalf("unexpected close scheduled: %+v", cl)
	default:
	}
}

func TestSendResOverflowClosesConnection(t *testing.T) {
	c := newQueueConn(1)
	c.sendCh <- []byte("backlog") // fill the queue

	c.sendRes([]byte(`{"type":"res"}`))

	select {
	case cl := <-c.closeCh:
		if cl.code != protocol.ClosePolicyViolation {
			t.Errorf("close code = %d; want %d", cl.code, protocol.ClosePolicyViolation)
		}
	default:
		t.Fatal("an undeliverable response must close the connection, not drop silently")
	}
	if c.closeCauseOr("") != "outbound queue overflow" {
		t.Errorf("close cause = %q", c.closeCauseOr(""))
	}
}

func TestTrySendDropsWhenFull(t *testing.T) {
	c := newQueueConn(1)
	c.sendCh <- []byte("backlog")

	// Broadcast delivery drops for the slow consumer and never closes it.
	c.trySend([]byte(`{"type":"event"}`))

	select {
	case cl := <-c.closeCh:
		t.Fatalf("dropped event must not close the connection: %+v", cl)
	default:
	}
}
