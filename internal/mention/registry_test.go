package mention

import (
	"errors"
	"sync"
	"testing"
)

var (
	c1 = ChannelID{ChatID: -1001}
	c2 = ChannelID{ChatID: -1002, ThreadID: 7}
	u1 = User(0, "alice", "")
	u2 = User(42, "", "Bob")
)

func TestRegistryDrainsInOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	created, err := r.Merge([]ChannelID{c1}, []RecipientID{u1}, 3)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if len(created) != 1 || created[0] != c1 {
		t.Fatalf("created = %v, want [%v]", created, c1)
	}

	wants := []struct {
		count  int
		active bool
	}{{3, true}, {2, true}, {1, false}}
	for i, w := range wants {
		snap, active, err := r.SnapshotAndDecrement(c1)
		if err != nil {
			t.Fatalf("call %d: error = %v", i, err)
		}
		if len(snap) != 1 || snap[u1] != w.count || active != w.active {
			t.Fatalf("call %d: snap=%v active=%v, want {%v:%d} %v", i, snap, active, u1, w.count, w.active)
		}
	}
	if _, _, err := r.SnapshotAndDecrement(c1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fourth call error = %v, want ErrNotFound", err)
	}
	if r.IsActive(c1) {
		t.Fatal("channel should be gone after draining")
	}
}

func TestRegistryMergeSums(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.Merge([]ChannelID{c1}, []RecipientID{u1}, 1); err != nil {
		t.Fatal(err)
	}
	created, err := r.Merge([]ChannelID{c1}, []RecipientID{u1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Fatalf("second merge created = %v, want none", created)
	}
	snap, _, err := r.SnapshotAndDecrement(c1)
	if err != nil {
		t.Fatal(err)
	}
	if snap[u1] != 3 {
		t.Fatalf("count = %d, want 3", snap[u1])
	}
}

func TestRegistryMergeInvalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		chans  []ChannelID
		recips []RecipientID
		repeat int
	}{
		{"zero repeat", []ChannelID{c1}, []RecipientID{u1}, 0},
		{"negative repeat", []ChannelID{c1}, []RecipientID{u1}, -2},
		{"no channels", nil, []RecipientID{u1}, 1},
		{"no recipients", []ChannelID{c1}, nil, 1},
		{"zero channel", []ChannelID{c1, {}}, []RecipientID{u1}, 1},
		{"bad recipient", []ChannelID{c1}, []RecipientID{u1, {}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if _, err := r.Merge(tt.chans, tt.recips, tt.repeat); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("Merge() error = %v, want ErrInvalidArgument", err)
			}
			if r.Len() != 0 || r.IsActive(c1) {
				t.Fatal("failed merge changed state")
			}
			created, err := r.Merge([]ChannelID{c1}, []RecipientID{u1}, 1)
			if err != nil || len(created) != 1 {
				t.Fatalf("follow-up merge = %v, %v", created, err)
			}
			snap, active, err := r.SnapshotAndDecrement(c1)
			if err != nil || snap[u1] != 1 || active {
				t.Fatalf("follow-up drain = %v %v %v", snap, active, err)
			}
		})
	}
}

func TestRegistryChannelsIndependent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	created, err := r.Merge([]ChannelID{c1, c2, c1}, []RecipientID{u1, u1}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 || created[0] != c1 || created[1] != c2 {
		t.Fatalf("created = %v, want [%v %v]", created, c1, c2)
	}
	if _, active, _ := r.SnapshotAndDecrement(c1); active {
		t.Fatal("c1 should be drained")
	}
	snap, active, err := r.SnapshotAndDecrement(c2)
	if err != nil || snap[u1] != 1 || active {
		t.Fatalf("c2 = %v %v %v", snap, active, err)
	}
}

func TestRegistryPrunesPerRecipient(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, _ = r.Merge([]ChannelID{c1}, []RecipientID{u1}, 1)
	_, _ = r.Merge([]ChannelID{c1}, []RecipientID{u2}, 2)

	snap, active, _ := r.SnapshotAndDecrement(c1)
	if len(snap) != 2 || !active {
		t.Fatalf("first tick = %v %v", snap, active)
	}
	snap, active, _ = r.SnapshotAndDecrement(c1)
	if len(snap) != 1 || snap[u2] != 1 || active {
		t.Fatalf("second tick = %v %v", snap, active)
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, _ = r.Merge([]ChannelID{c2, c1}, []RecipientID{u1}, 2)
	states := r.Snapshot()
	if len(states) != 2 || states[0].Channel != c2 || states[1].Channel != c1 {
		t.Fatalf("snapshot order = %+v", states)
	}
	states[0].Recipients[u1] = 99
	snap, _, _ := r.SnapshotAndDecrement(c2)
	if snap[u1] != 2 {
		t.Fatalf("registry mutated through snapshot: %v", snap)
	}
	if states[1].Pending() != 2 {
		t.Fatalf("Pending() = %d", states[1].Pending())
	}
}

// Each absent->present transition must be reported to exactly one caller.
func TestRegistryCreatedReportedOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	chans := []ChannelID{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}, {ChatID: 4, ThreadID: 1}}

	var mu sync.Mutex
	reported := map[ChannelID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Rotate order so callers lock overlapping shard sets.
			order := append(append([]ChannelID(nil), chans[i%len(chans):]...), chans[:i%len(chans)]...)
			created, err := r.Merge(order, []RecipientID{u1}, 1)
			if err != nil {
				t.Errorf("Merge() error = %v", err)
				return
			}
			mu.Lock()
			for _, ch := range created {
				reported[ch]++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, ch := range chans {
		if reported[ch] != 1 {
			t.Fatalf("%v reported %d times, want 1", ch, reported[ch])
		}
		snap, _, _ := r.SnapshotAndDecrement(ch)
		if snap[u1] != 32 {
			t.Fatalf("%v count = %d, want 32", ch, snap[u1])
		}
	}
}

func TestRegistryConcurrentMergeAndDrain(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	const merges = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < merges; i++ {
			if _, err := r.Merge([]ChannelID{c1}, []RecipientID{u1}, 1); err != nil {
				t.Errorf("Merge() error = %v", err)
				return
			}
		}
	}()

	delivered := 0
	for delivered < merges {
		snap, _, err := r.SnapshotAndDecrement(c1)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range snap {
			if n < 1 {
				t.Fatalf("observed count %d", n)
			}
		}
		delivered++
	}
	wg.Wait()
	if r.IsActive(c1) {
		t.Fatal("all merged repeats should be consumed")
	}
}

func TestRegistryKeysUsersByID(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.Merge([]ChannelID{c1}, []RecipientID{u2}, 2); err != nil {
		t.Fatal(err)
	}
	renamed := User(42, "", "Robert")
	created, err := r.Merge([]ChannelID{c1}, []RecipientID{renamed}, 1)
	if err != nil || len(created) != 0 {
		t.Fatalf("second Merge() = %v, %v", created, err)
	}
	snap, active, err := r.SnapshotAndDecrement(c1)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != 1 || snap[renamed] != 3 || !active {
		t.Fatalf("snap = %v active = %v, want {%v:3} true", snap, active, renamed)
	}
	states := r.Snapshot()
	if len(states) != 1 || states[0].Recipients[renamed] != 2 {
		t.Fatalf("Snapshot() = %+v", states)
	}
}
