package room_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentkernel/agent"
	"goa.design/agentkernel/message"
	"goa.design/agentkernel/room"
)

type fakeSender struct {
	mu     sync.Mutex
	inbox  []message.Message
	failOn error
}

func (f *fakeSender) Send(ctx context.Context, msg message.Message) error {
	if f.failOn != nil {
		return f.failOn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, msg)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.inbox {
		out = append(out, m.Text())
	}
	return out
}

func newFixture() (*room.Room, map[string]*fakeSender) {
	senders := map[string]*fakeSender{
		"alice": {},
		"bob":   {},
		"carol": {},
	}
	ids := map[string]agent.Ident{
		"alice": "a1",
		"bob":   "a2",
		"carol": "a3",
	}
	byID := map[agent.Ident]*fakeSender{}
	for name, s := range senders {
		byID[ids[name]] = s
	}
	r := room.New(func(id agent.Ident) (room.Sender, bool) {
		s, ok := byID[id]
		return s, ok
	})
	for name, id := range ids {
		r.Join(name, id)
	}
	return r, senders
}

func TestSayWithMentionDeliversOnlyToMentioned(t *testing.T) {
	r, senders := newFixture()
	require.NoError(t, r.Say(context.Background(), "alice", "hey @bob can you check this?"))

	assert.Equal(t, []string{"[from:alice] hey @bob can you check this?"}, senders["bob"].texts())
	assert.Empty(t, senders["carol"].texts())
	assert.Empty(t, senders["alice"].texts())
}

func TestSayWithoutMentionBroadcastsToOthers(t *testing.T) {
	r, senders := newFixture()
	require.NoError(t, r.Say(context.Background(), "alice", "good morning everyone"))

	assert.Equal(t, []string{"[from:alice] good morning everyone"}, senders["bob"].texts())
	assert.Equal(t, []string{"[from:alice] good morning everyone"}, senders["carol"].texts())
	assert.Empty(t, senders["alice"].texts())
}

func TestSayIgnoresSelfMentionAndUnknownNames(t *testing.T) {
	r, senders := newFixture()
	require.NoError(t, r.Say(context.Background(), "alice", "@alice @nobody @bob ping"))

	assert.Equal(t, []string{"[from:alice] @alice @nobody @bob ping"}, senders["bob"].texts())
	assert.Empty(t, senders["carol"].texts())
}

func TestSayMultipleMentionsDeliverToEach(t *testing.T) {
	r, senders := newFixture()
	require.NoError(t, r.Say(context.Background(), "alice", "@bob @carol sync up"))

	assert.Len(t, senders["bob"].texts(), 1)
	assert.Len(t, senders["carol"].texts(), 1)
}

func TestSayReturnsErrorForMissingMember(t *testing.T) {
	r, _ := newFixture()
	r.Join("dave", agent.Ident("ghost"))
	err := r.Say(context.Background(), "alice", "@dave hi")
	require.Error(t, err)
}

func TestLeaveRemovesMember(t *testing.T) {
	r, senders := newFixture()
	r.Leave("carol")
	require.NoError(t, r.Say(context.Background(), "alice", "no mentions here"))

	assert.Empty(t, senders["carol"].texts())
	assert.Equal(t, []string{"[from:alice] no mentions here"}, senders["bob"].texts())
}

func TestMembersReturnsSnapshot(t *testing.T) {
	r, _ := newFixture()
	m := r.Members()
	assert.Len(t, m, 3)
	m["zzz"] = agent.Ident("mutated")
	assert.Len(t, r.Members(), 3)
}
