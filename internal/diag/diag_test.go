package diag

import (
	"context"
	"errors"
	"testing"

	"apek/internal/store"
	"apek/pkg/logx"
)

// countingStore counts writes and can be made to fail them.
type countingStore struct {
	store.Store
	puts int
	fail error
}

func (s *countingStore) Put(ctx context.Context, id store.RecordID, data []byte) error {
	if s.fail != nil {
		return s.fail
	}
	s.puts++
	return s.Store.Put(ctx, id, data)
}

func TestCountersSurviveReboot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	c := New(st, logx.Nop())
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if s := c.Snapshot(); s.Boots != 1 || s.Total() != 0 {
		t.Fatalf("first boot = %+v", s)
	}
	c.ProtocolFault()
	c.WatchdogTimeout()
	c.WatchdogTimeout()
	c.OscillatorFailure()
	c.ProcessPanic()
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	c2 := New(st, logx.Nop())
	if err := c2.Load(ctx); err != nil {
		t.Fatal(err)
	}
	want := Snapshot{Boots: 2, ProtocolFaults: 1, WatchdogTimeouts: 2, OscillatorFailures: 1, Panics: 1}
	if got := c2.Snapshot(); got != want {
		t.Fatalf("after reboot = %+v, want %+v", got, want)
	}
	if want.Total() != 5 {
		t.Fatalf("Total = %d", want.Total())
	}
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{Store: store.NewMemory()}
	c := New(st, logx.Nop())
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := c.Flush(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if st.puts != 1 {
		t.Fatalf("puts = %d, clean counters were rewritten", st.puts)
	}

	st.fail = errors.New("flash worn out")
	c.ProtocolFault()
	if err := c.Flush(ctx); err == nil {
		t.Fatal("flush error swallowed")
	}
	st.fail = nil
	if err := c.Flush(ctx); err != nil || st.puts != 2 {
		t.Fatalf("retry after failure: err %v puts %d", err, st.puts)
	}
}

func TestCorruptRecordIgnored(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	bad := make([]byte, 24)
	bad[0] = 9
	if err := st.Put(ctx, store.RecordFaultStatus, bad); err != nil {
		t.Fatal(err)
	}
	c := New(st, logx.Nop())
	if err := c.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if s := c.Snapshot(); s != (Snapshot{Boots: 1}) {
		t.Fatalf("snapshot = %+v", s)
	}
	if _, err := decode([]byte{1, 0}); err == nil {
		t.Fatal("short record decoded")
	}
}

func TestNilStore(t *testing.T) {
	c := New(nil, logx.Logger{})
	if err := c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.ProcessPanic()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Snapshot().Panics != 1 {
		t.Fatal("counter lost without a store")
	}
}
