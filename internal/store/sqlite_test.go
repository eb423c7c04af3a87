// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers schema setup, chat membership, message paging and read state

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/participant"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustParticipant(t *testing.T, s *SQLiteStore, kind participant.Kind, name string) participant.Ref {
	t.Helper()
	ref, err := s.CreateParticipant(context.Background(), kind, name, "")
	require.NoError(t, err)
	return ref
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err, "schema creation and migrations must be idempotent")
	require.NoError(t, second.Close())
}

func TestNewSQLiteStoreWithDriver_Unknown(t *testing.T) {
	_, err := NewSQLiteStoreWithDriver("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()), "ping after close should fail")
}

func TestDirectory_CreateAndResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := mustParticipant(t, s, participant.KindUser, "Ada")
	admin := mustParticipant(t, s, participant.KindAdmin, "Grace")

	// Ids are per kind, so the first user and first admin share id 1.
	assert.Equal(t, int64(1), user.ID)
	assert.Equal(t, int64(1), admin.ID)

	p, err := s.GetProfile(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Name)
	assert.True(t, p.Active)

	p, err = s.GetProfile(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, "Grace", p.Name)

	_, err = s.GetProfile(ctx, participant.New(participant.KindAssistant, 42))
	assert.ErrorIs(t, err, participant.ErrNotFound)

	_, err = s.CreateParticipant(ctx, participant.KindSystem, "nope", "")
	assert.ErrorIs(t, err, participant.ErrInvalidRef)
}

func TestCreatePrivateChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))
	assert.NotZero(t, chat.ID)
	assert.Equal(t, ChatTypePrivate, chat.Type)

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, u, got.CreatedBy)
	assert.Empty(t, got.Name)

	members, err := s.ListActiveMembers(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestCreatePrivateChat_DuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	require.NoError(t, s.CreatePrivateChat(ctx, &Chat{CreatedBy: u}, u, a))

	// Reversed order is the same pair.
	dup := &Chat{CreatedBy: a}
	err := s.CreatePrivateChat(ctx, dup, a, u)
	assert.ErrorIs(t, err, ErrDuplicateChat)
	assert.Zero(t, dup.ID)

	// The failed transaction must not leave stray memberships behind.
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM chat_membership`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestFindPrivateChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")
	other := mustParticipant(t, s, participant.KindUser, "Other")

	_, err := s.FindPrivateChat(ctx, u, a)
	assert.ErrorIs(t, err, ErrNotFound)

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))

	got, err := s.FindPrivateChat(ctx, a, u)
	require.NoError(t, err)
	assert.Equal(t, chat.ID, got.ID)

	_, err = s.FindPrivateChat(ctx, u, other)
	assert.ErrorIs(t, err, ErrNotFound)

	// A group containing exactly the same two people is not their private chat.
	group := &Chat{Name: "pair", CreatedBy: u}
	require.NoError(t, s.CreateGroupChat(ctx, group, []participant.Ref{u, other}))
	_, err = s.FindPrivateChat(ctx, u, other)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindPrivateChat_RequiresActiveMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))
	require.NoError(t, s.DeactivateMember(ctx, chat.ID, a))

	_, err := s.FindPrivateChat(ctx, u, a)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePrivateChat_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, dup int
	for range 10 {
		wg.Go(func() {
			err := s.CreatePrivateChat(ctx, &Chat{CreatedBy: u}, u, a)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, ErrDuplicateChat):
				dup++
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 9, dup)
}

func TestMembership_SoftRemoveAndReactivate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u1 := mustParticipant(t, s, participant.KindUser, "U1")
	u2 := mustParticipant(t, s, participant.KindUser, "U2")
	bot := mustParticipant(t, s, participant.KindAssistant, "Bot")

	group := &Chat{Name: "G", CreatedBy: u1}
	require.NoError(t, s.CreateGroupChat(ctx, group, []participant.Ref{u1, u2}))

	require.NoError(t, s.UpsertMember(ctx, group.ID, bot))
	m, err := s.FindActiveMemberOfKind(ctx, group.ID, participant.KindAssistant)
	require.NoError(t, err)
	assert.Equal(t, bot, m.Participant)

	require.NoError(t, s.DeactivateMember(ctx, group.ID, bot))
	ok, err := s.IsActiveMember(ctx, group.ID, bot)
	require.NoError(t, err)
	assert.False(t, ok)

	// The row is kept, only flagged inactive.
	m, err = s.GetMember(ctx, group.ID, bot)
	require.NoError(t, err)
	assert.False(t, m.IsActive)

	_, err = s.FindActiveMemberOfKind(ctx, group.ID, participant.KindAssistant)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpsertMember(ctx, group.ID, bot))
	ok, err = s.IsActiveMember(ctx, group.ID, bot)
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.DeactivateMember(ctx, group.ID, participant.New(participant.KindUser, 99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeactivateMember_KeepsLastMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u1 := mustParticipant(t, s, participant.KindUser, "U1")
	u2 := mustParticipant(t, s, participant.KindUser, "U2")

	group := &Chat{Name: "G", CreatedBy: u1}
	require.NoError(t, s.CreateGroupChat(ctx, group, []participant.Ref{u1, u2}))

	require.NoError(t, s.DeactivateMember(ctx, group.ID, u2))
	assert.ErrorIs(t, s.DeactivateMember(ctx, group.ID, u2), ErrNotFound, "already inactive")
	assert.ErrorIs(t, s.DeactivateMember(ctx, group.ID, u1), ErrLastMember)

	ok, err := s.IsActiveMember(ctx, group.ID, u1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeactivateMember_ConcurrentRemovals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	refs := make([]participant.Ref, 5)
	for i := range refs {
		refs[i] = mustParticipant(t, s, participant.KindUser, fmt.Sprintf("U%d", i))
	}
	group := &Chat{Name: "G", CreatedBy: refs[0]}
	require.NoError(t, s.CreateGroupChat(ctx, group, refs))

	var (
		mu      sync.Mutex
		removed int
		last    int
		wg      sync.WaitGroup
	)
	for _, ref := range refs {
		wg.Go(func() {
			err := s.DeactivateMember(ctx, group.ID, ref)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				removed++
			case errors.Is(err, ErrLastMember):
				last++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, len(refs)-1, removed)
	assert.Equal(t, 1, last)
	members, err := s.ListActiveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMessages_CreateAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 5 {
		msg := &Message{
			ChatID:    chat.ID,
			Content:   string(rune('a' + i)),
			Sender:    u,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateMessage(ctx, msg))
		assert.NotZero(t, msg.ID)
		assert.Equal(t, MessageTypeText, msg.MessageType)
	}

	page, total, err := s.ListMessages(ctx, chat.ID, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Content)
	assert.Equal(t, "d", page[1].Content)

	last, err := s.LastMessage(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "e", last.Content)

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(base.Add(4*time.Second)), "chat updated_at follows the latest message")
}

func TestCreateMessage_Metadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	group := &Chat{Name: "G", CreatedBy: u}
	require.NoError(t, s.CreateGroupChat(ctx, group, []participant.Ref{u}))

	msg := &Message{
		ChatID:      group.ID,
		Content:     "photo.png",
		Sender:      u,
		MessageType: MessageTypeImage,
		Metadata:    json.RawMessage(`{"width":640}`),
	}
	require.NoError(t, s.CreateMessage(ctx, msg))

	got, err := s.LastMessage(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, MessageTypeImage, got.MessageType)
	assert.JSONEq(t, `{"width":640}`, string(got.Metadata))
}

func TestCreateMessage_UnknownChat(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateMessage(context.Background(), &Message{
		ChatID:  404,
		Content: "hi",
		Sender:  participant.New(participant.KindUser, 1),
	})
	assert.Error(t, err)
}

func TestMarkChatRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")
	// Same numeric id, different kind: must not count as the reader.
	uAsAdmin := participant.New(participant.KindAdmin, u.ID)
	require.Equal(t, uAsAdmin, a)

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))

	for _, sender := range []participant.Ref{u, a, a} {
		require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: chat.ID, Content: "x", Sender: sender}))
	}

	n, err := s.CountUnread(ctx, chat.ID, u)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountUnread(ctx, chat.ID, a)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	at := time.Now().UTC().Truncate(time.Second)
	marked, err := s.MarkChatRead(ctx, chat.ID, u, at)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	// Idempotent: nothing left to mark.
	marked, err = s.MarkChatRead(ctx, chat.ID, u, at.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, marked)

	n, err = s.CountUnread(ctx, chat.ID, u)
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, _, err := s.ListMessages(ctx, chat.ID, 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.Sender == u {
			assert.False(t, m.IsRead)
			assert.Nil(t, m.ReadAt)
			continue
		}
		assert.True(t, m.IsRead)
		require.NotNil(t, m.ReadAt)
		assert.True(t, m.ReadAt.Equal(at), "second mark must not move read_at")
	}

	member, err := s.GetMember(ctx, chat.ID, u)
	require.NoError(t, err)
	require.NotNil(t, member.LastReadAt)
}

func TestListChatSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")
	u2 := mustParticipant(t, s, participant.KindUser, "U2")

	older := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, older, u, a))
	newer := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, newer, u, u2))
	left := &Chat{Name: "left", CreatedBy: u2}
	require.NoError(t, s.CreateGroupChat(ctx, left, []participant.Ref{u2, u}))
	require.NoError(t, s.DeactivateMember(ctx, left.ID, u))

	base := time.Now().UTC()
	require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: newer.ID, Content: "first", Sender: u2, CreatedAt: base}))
	require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: older.ID, Content: "latest", Sender: a, CreatedAt: base.Add(time.Second)}))

	sums, total, err := s.ListChatSummaries(ctx, u, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sums, 2)

	assert.Equal(t, older.ID, sums[0].ID)
	require.NotNil(t, sums[0].LastMessage)
	assert.Equal(t, "latest", sums[0].LastMessage.Content)
	assert.Equal(t, 1, sums[0].UnreadCount)
	assert.Equal(t, 2, sums[0].ParticipantCount)
	assert.Equal(t, newer.ID, sums[1].ID)

	n, err := s.CountChatsWithUnread(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	page, total, err := s.ListChatSummaries(ctx, u, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, newer.ID, page[0].ID)
}

func TestDeleteChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustParticipant(t, s, participant.KindUser, "U")
	a := mustParticipant(t, s, participant.KindAdmin, "A")

	chat := &Chat{CreatedBy: u}
	require.NoError(t, s.CreatePrivateChat(ctx, chat, u, a))
	require.NoError(t, s.CreateMessage(ctx, &Message{ChatID: chat.ID, Content: "x", Sender: u}))

	require.NoError(t, s.DeleteChat(ctx, chat.ID))
	_, err := s.GetChat(ctx, chat.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteChat(ctx, chat.ID), ErrNotFound)

	// The pair can start over.
	require.NoError(t, s.CreatePrivateChat(ctx, &Chat{CreatedBy: u}, u, a))
}

func TestFailedJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordFailedJob(ctx, &FailedJob{JobType: "assistant:reply", Payload: []byte(`{"chat_id":1}`), Error: "boom", Attempts: 3}))
	require.NoError(t, s.RecordFailedJob(ctx, &FailedJob{JobType: "assistant:reply", Error: "again", Attempts: 3}))

	jobs, err := s.ListFailedJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "again", jobs[0].Error)
	assert.JSONEq(t, `{"chat_id":1}`, string(jobs[1].Payload))
	assert.Equal(t, 3, jobs[1].Attempts)

	jobs, err = s.ListFailedJobs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
