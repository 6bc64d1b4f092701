package mention

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 16

// Registry owns all remaining-count state: channel -> recipient -> count.
//
// Invariants: every stored count is >= 1 and no channel is stored without
// recipients. Both are restored inside the same critical section that could
// break them.
//
// Channels are spread over lock shards. Single-channel operations lock one
// shard; Merge locks every shard it touches in ascending order, so a
// multi-channel merge is atomic without serializing unrelated channels.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	channels map[ChannelID]*channelTargets
}

// channelTargets keys counts by identity. Users without a username are
// counted by ID alone; their latest display name is kept in names.
type channelTargets struct {
	counts map[RecipientID]int
	names  map[RecipientID]string
	since  time.Time
}

// identity drops the display name from ID-keyed users.
func identity(rc RecipientID) RecipientID {
	if rc.Kind == RecipientUser && rc.ID != 0 {
		rc.Name = ""
	}
	return rc
}

func (ct *channelTargets) recipient(key RecipientID) RecipientID {
	if name, ok := ct.names[key]; ok {
		key.Name = name
	}
	return key
}

func (ct *channelTargets) drop(key RecipientID) {
	delete(ct.counts, key)
	delete(ct.names, key)
}

// ChannelState is a read-only copy of one channel entry.
type ChannelState struct {
	Channel    ChannelID
	Recipients map[RecipientID]int
	Since      time.Time
}

// Pending is the total number of mentions still owed in the channel.
func (c ChannelState) Pending() int {
	n := 0
	for _, v := range c.Recipients {
		n += v
	}
	return n
}

func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].channels = map[ChannelID]*channelTargets{}
	}
	return r
}

func shardOf(ch ChannelID) int {
	var b [12]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(ch.ChatID))
	binary.LittleEndian.PutUint32(b[8:], uint32(ch.ThreadID))
	h := fnv.New32a()
	_, _ = h.Write(b[:])
	return int(h.Sum32() % shardCount)
}

// Merge credits repeat mentions to every (channel, recipient) pair and
// returns the channels that had no entry before this call. Only those need a
// new delivery loop.
func (r *Registry) Merge(channels []ChannelID, recipients []RecipientID, repeat int) ([]ChannelID, error) {
	if repeat <= 0 {
		return nil, fmt.Errorf("%w: repeat must be > 0, got %d", ErrInvalidArgument, repeat)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: no channels", ErrInvalidArgument)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrInvalidArgument)
	}
	chans := make([]ChannelID, 0, len(channels))
	seenCh := make(map[ChannelID]struct{}, len(channels))
	for _, ch := range channels {
		if !ch.valid() {
			return nil, fmt.Errorf("%w: invalid channel %s", ErrInvalidArgument, ch)
		}
		if _, dup := seenCh[ch]; dup {
			continue
		}
		seenCh[ch] = struct{}{}
		chans = append(chans, ch)
	}
	recips := make([]RecipientID, 0, len(recipients))
	seenRc := make(map[RecipientID]int, len(recipients))
	for _, rc := range recipients {
		if !rc.valid() {
			return nil, fmt.Errorf("%w: invalid recipient %s", ErrInvalidArgument, rc)
		}
		key := identity(rc)
		if i, dup := seenRc[key]; dup {
			recips[i] = rc
			continue
		}
		seenRc[key] = len(recips)
		recips = append(recips, rc)
	}

	var touched [shardCount]bool
	for _, ch := range chans {
		touched[shardOf(ch)] = true
	}
	for i := range r.shards {
		if touched[i] {
			r.shards[i].mu.Lock()
		}
	}
	defer func() {
		for i := len(r.shards) - 1; i >= 0; i-- {
			if touched[i] {
				r.shards[i].mu.Unlock()
			}
		}
	}()

	now := time.Now()
	var created []ChannelID
	for _, ch := range chans {
		sh := &r.shards[shardOf(ch)]
		ct := sh.channels[ch]
		if ct == nil {
			ct = &channelTargets{counts: make(map[RecipientID]int, len(recips)), names: map[RecipientID]string{}, since: now}
			sh.channels[ch] = ct
			created = append(created, ch)
		}
		for _, rc := range recips {
			key := identity(rc)
			ct.counts[key] += repeat
			if key != rc {
				ct.names[key] = rc.Name
			}
		}
	}
	return created, nil
}

// SnapshotAndDecrement returns the channel's recipients with their counts
// before this call, decrements every count, and prunes recipients that reach
// zero. The channel entry is removed when it empties; stillActive reports
// whether it remains.
func (r *Registry) SnapshotAndDecrement(ch ChannelID) (snapshot map[RecipientID]int, stillActive bool, err error) {
	sh := &r.shards[shardOf(ch)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ct := sh.channels[ch]
	if ct == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, ch)
	}
	snapshot = make(map[RecipientID]int, len(ct.counts))
	for key, n := range ct.counts {
		snapshot[ct.recipient(key)] = n
		if n <= 1 {
			ct.drop(key)
		} else {
			ct.counts[key] = n - 1
		}
	}
	if len(ct.counts) == 0 {
		delete(sh.channels, ch)
		return snapshot, false, nil
	}
	return snapshot, true, nil
}

// IsActive reports whether ch has an entry.
func (r *Registry) IsActive(ch ChannelID) bool {
	sh := &r.shards[shardOf(ch)]
	sh.mu.Lock()
	_, ok := sh.channels[ch]
	sh.mu.Unlock()
	return ok
}

// Snapshot copies every entry, ordered by channel. Shards are copied one at
// a time, so the result is consistent per channel only.
func (r *Registry) Snapshot() []ChannelState {
	var out []ChannelState
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for ch, ct := range sh.channels {
			cp := make(map[RecipientID]int, len(ct.counts))
			for key, n := range ct.counts {
				cp[ct.recipient(key)] = n
			}
			out = append(out, ChannelState{Channel: ch, Recipients: cp, Since: ct.since})
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel.ChatID != out[j].Channel.ChatID {
			return out[i].Channel.ChatID < out[j].Channel.ChatID
		}
		return out[i].Channel.ThreadID < out[j].Channel.ThreadID
	})
	return out
}

// Len returns the number of channels with entries.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		n += len(sh.channels)
		sh.mu.Unlock()
	}
	return n
}
