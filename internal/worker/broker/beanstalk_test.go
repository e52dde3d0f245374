package broker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	id    uint64
	tube  string
	body  []byte
	pri   uint32
	state string
}

// fakeBeanstalkd speaks the subset of the beanstalkd protocol the session uses.
type fakeBeanstalkd struct {
	ln    net.Listener
	mu    sync.Mutex
	jobs  []*fakeJob
	conns []net.Conn
	next  uint64
}

func newFakeBeanstalkd(t *testing.T) *fakeBeanstalkd {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeBeanstalkd{ln: ln}
	go f.serve()
	t.Cleanup(func() {
		ln.Close()
		f.dropConnections()
	})
	return f
}

func (f *fakeBeanstalkd) dialer() *BeanstalkDialer {
	addr := f.ln.Addr().(*net.TCPAddr)
	return NewBeanstalkDialer(&BeanstalkConfig{
		Host:           addr.IP.String(),
		Port:           addr.Port,
		ReserveTimeout: time.Second,
		DialTimeout:    time.Second,
	}, logger.NewDiscard())
}

func (f *fakeBeanstalkd) put(tube, body string, pri uint32) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	f.jobs = append(f.jobs, &fakeJob{id: f.next, tube: tube, body: []byte(body), pri: pri, state: "ready"})
	return f.next
}

func (f *fakeBeanstalkd) state(id uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range f.jobs {
		if j.id == id {
			return j.state
		}
	}
	return ""
}

func (f *fakeBeanstalkd) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range f.jobs {
		if j.id == id {
			j.state = "deleted"
		}
	}
}

func (f *fakeBeanstalkd) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeBeanstalkd) serve() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		go f.handle(c)
	}
}

func (f *fakeBeanstalkd) handle(c net.Conn) {
	defer c.Close()

	watched := map[string]bool{"default": true}
	r := bufio.NewReader(c)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		args := strings.Fields(strings.TrimSpace(line))
		if len(args) == 0 {
			continue
		}

		var resp string
		switch args[0] {
		case "watch":
			watched[args[1]] = true
			resp = fmt.Sprintf("WATCHING %d\r\n", len(watched))
		case "ignore":
			delete(watched, args[1])
			resp = fmt.Sprintf("WATCHING %d\r\n", len(watched))
		case "reserve-with-timeout":
			resp = f.reserve(watched)
		case "stats-job":
			resp = f.stats(args[1])
		case "delete":
			resp = f.transition(args[1], "deleted", "DELETED")
		case "release":
			resp = f.transition(args[1], "ready", "RELEASED")
		case "bury":
			resp = f.transition(args[1], "buried", "BURIED")
		default:
			resp = "UNKNOWN_COMMAND\r\n"
		}

		if _, err := c.Write([]byte(resp)); err != nil {
			return
		}
	}
}

func (f *fakeBeanstalkd) reserve(watched map[string]bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, j := range f.jobs {
		if j.state == "ready" && watched[j.tube] {
			j.state = "reserved"
			return fmt.Sprintf("RESERVED %d %d\r\n%s\r\n", j.id, len(j.body), j.body)
		}
	}
	return "TIMED_OUT\r\n"
}

func (f *fakeBeanstalkd) stats(rawID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, _ := strconv.ParseUint(rawID, 10, 64)
	for _, j := range f.jobs {
		if j.id == id && j.state != "deleted" {
			body := fmt.Sprintf("---\nid: %d\ntube: %s\nstate: %s\npri: %d\n", j.id, j.tube, j.state, j.pri)
			return fmt.Sprintf("OK %d\r\n%s\r\n", len(body), body)
		}
	}
	return "NOT_FOUND\r\n"
}

func (f *fakeBeanstalkd) transition(rawID, state, ok string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, _ := strconv.ParseUint(rawID, 10, 64)
	for _, j := range f.jobs {
		if j.id == id && j.state == "reserved" {
			j.state = state
			return ok + "\r\n"
		}
	}
	return "NOT_FOUND\r\n"
}

func connectBeanstalk(t *testing.T, f *fakeBeanstalkd, names ...string) Session {
	t.Helper()

	s, err := f.dialer().Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Subscribe(context.Background(), names))
	return s
}

func TestBeanstalk_ReserveAndAcknowledge(t *testing.T) {
	f := newFakeBeanstalkd(t)
	id := f.put("billing.chargeCard", `{"amount": 500}`, 100)

	s := connectBeanstalk(t, f, "billing.chargeCard")

	item, err := s.Reserve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.Equal(t, strconv.FormatUint(id, 10), item.ID)
	assert.Equal(t, "billing.chargeCard", item.Name)
	assert.Equal(t, `{"amount": 500}`, string(item.Body))
	assert.Equal(t, "reserved", f.state(id))

	require.NoError(t, s.Acknowledge(context.Background(), item))
	assert.Equal(t, "deleted", f.state(id))
}

func TestBeanstalk_OnlyWatchedTubes(t *testing.T) {
	f := newFakeBeanstalkd(t)
	f.put("default", "ignored", 0)
	f.put("other.job", "ignored", 0)
	id := f.put("reports.build", "wanted", 0)

	s := connectBeanstalk(t, f, "reports.build")

	item, err := s.Reserve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, strconv.FormatUint(id, 10), item.ID)

	item, err = s.Reserve(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item, "default tube is not watched")
}

func TestBeanstalk_RequeueAndPoison(t *testing.T) {
	f := newFakeBeanstalkd(t)
	first := f.put("a.job", "1", 10)
	second := f.put("a.job", "2", 10)

	s := connectBeanstalk(t, f, "a.job")
	ctx := context.Background()

	item, err := s.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Poison(ctx, item))
	assert.Equal(t, "buried", f.state(first))

	item, err = s.Reserve(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Requeue(ctx, item))
	assert.Equal(t, "ready", f.state(second))
}

func TestBeanstalk_TimeoutReturnsNil(t *testing.T) {
	f := newFakeBeanstalkd(t)
	s := connectBeanstalk(t, f, "a.job")

	item, err := s.Reserve(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, item)
}

func TestBeanstalk_ItemGone(t *testing.T) {
	f := newFakeBeanstalkd(t)
	id := f.put("a.job", "x", 0)
	s := connectBeanstalk(t, f, "a.job")

	item, err := s.Reserve(context.Background())
	require.NoError(t, err)

	f.remove(id)

	err = s.Acknowledge(context.Background(), item)
	assert.ErrorIs(t, err, domain.ErrItemGone)
}

func TestBeanstalk_ConnectionLost(t *testing.T) {
	f := newFakeBeanstalkd(t)
	s := connectBeanstalk(t, f, "a.job")

	f.dropConnections()

	_, err := s.Reserve(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
}

func TestBeanstalk_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	d := NewBeanstalkDialer(&BeanstalkConfig{Host: addr.IP.String(), Port: addr.Port, DialTimeout: time.Second}, logger.NewDiscard())

	_, err = d.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnect)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name    string
		stats   map[string]string
		want    uint32
		wantErr bool
	}{
		{name: "valid", stats: map[string]string{"pri": "10"}, want: 10},
		{name: "zero is kept", stats: map[string]string{"pri": "0"}, want: 0},
		{name: "missing", stats: map[string]string{"tube": "a.b"}, want: DefaultBeanstalkPriority, wantErr: true},
		{name: "not a number", stats: map[string]string{"pri": "high"}, want: DefaultBeanstalkPriority, wantErr: true},
		{name: "overflow", stats: map[string]string{"pri": "4294967296"}, want: DefaultBeanstalkPriority, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pri, err := parsePriority(tt.stats)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, pri)
		})
	}
}

func TestBeanstalk_ReserveBeforeSubscribe(t *testing.T) {
	f := newFakeBeanstalkd(t)
	s, err := f.dialer().Connect(context.Background())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Reserve(context.Background())
	assert.Error(t, err)
}
