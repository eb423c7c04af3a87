// ABOUTME: Tests for the conversation service against a real SQLite store
// ABOUTME: Covers chat resolution, dispatch side effects, read state and group membership

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/broadcast"
	"github.com/2389/coven-chat/internal/participant"
	"github.com/2389/coven-chat/internal/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*broadcast.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *broadcast.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) all() []*broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*broadcast.Event(nil), p.events...)
}

type recordingDispatcher struct {
	mu       sync.Mutex
	requests []AIRequest
	err      error
	panics   bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req AIRequest) (string, error) {
	if d.panics {
		panic("dispatcher exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return "req-1", d.err
}

func (d *recordingDispatcher) all() []AIRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]AIRequest(nil), d.requests...)
}

type fixture struct {
	store *store.SQLiteStore
	svc   *Service
	pub   *recordingPublisher
	ai    *recordingDispatcher

	u1, u2, admin, bot participant.Ref
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	f := &fixture{store: st, pub: &recordingPublisher{}, ai: &recordingDispatcher{}}
	ctx := context.Background()
	f.u1 = mustCreate(ctx, t, st, participant.KindUser, "Ursula")
	f.u2 = mustCreate(ctx, t, st, participant.KindUser, "Umberto")
	f.admin = mustCreate(ctx, t, st, participant.KindAdmin, "Ada")
	f.bot = mustCreate(ctx, t, st, participant.KindAssistant, "Helper")

	f.svc = New(st, st, f.pub, f.ai, nil)
	t.Cleanup(f.svc.Close)
	return f
}

func mustCreate(ctx context.Context, t *testing.T, st *store.SQLiteStore, kind participant.Kind, name string) participant.Ref {
	t.Helper()
	ref, err := st.CreateParticipant(ctx, kind, name, "")
	require.NoError(t, err)
	return ref
}

func TestFindOrCreatePrivateChat_Symmetric(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	fromUser, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.admin)
	require.NoError(t, err)
	fromAdmin, err := f.svc.FindOrCreatePrivateChat(ctx, f.admin, f.u1)
	require.NoError(t, err)

	assert.Equal(t, fromUser.ID, fromAdmin.ID)
	assert.Equal(t, store.ChatTypePrivate, fromUser.Type)
	assert.Len(t, fromUser.Participants, 2)

	// Each side sees the other's name.
	assert.Equal(t, "Ada", fromUser.Name)
	assert.Equal(t, "Ursula", fromAdmin.Name)
	assert.Empty(t, fromUser.Description)
}

func TestFindOrCreatePrivateChat_IDsAreTyped(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	// user:1 and admin:1 share a numeric id but are different people.
	require.Equal(t, f.u1.ID, f.admin.ID)

	withAdmin, err := f.svc.FindOrCreatePrivateChat(ctx, f.u2, f.admin)
	require.NoError(t, err)
	withUser, err := f.svc.FindOrCreatePrivateChat(ctx, f.u2, f.u1)
	require.NoError(t, err)

	assert.NotEqual(t, withAdmin.ID, withUser.ID)
}

func TestFindOrCreatePrivateChat_ConcurrentCallersShareOneChat(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	const callers = 20
	ids := make([]int64, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Go(func() {
			a, b := f.u1, f.u2
			if i%2 == 1 {
				a, b = b, a
			}
			chat, err := f.svc.FindOrCreatePrivateChat(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = chat.ID
			}
		})
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	list, err := f.svc.GetConversations(ctx, f.u1, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Pagination.Total)
}

func TestFindOrCreatePrivateChat_Rejects(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.u1)
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	_, err = f.svc.FindOrCreatePrivateChat(ctx, f.u1, participant.System)
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	_, err = f.svc.FindOrCreatePrivateChat(ctx, f.u1, participant.New(participant.KindUser, 404))
	assert.ErrorIs(t, err, participant.ErrNotFound)
}

func TestSendDirectMessage_FirstContact(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	res, err := f.svc.SendDirectMessage(ctx, "hi", f.u1, f.u2)
	require.NoError(t, err)

	assert.Equal(t, "Umberto", res.Chat.Name)
	assert.Equal(t, "hi", res.Message.Content)
	assert.Equal(t, f.u1.ID, res.Message.SenderID)
	assert.Equal(t, participant.KindUser, res.Message.SenderType)
	assert.Equal(t, "Ursula", res.Message.SenderName)
	assert.False(t, res.Message.IsRead)

	f.svc.Close()
	events := f.pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventMessageSent, events[0].Name)
	assert.Equal(t, broadcast.ChannelName(res.Chat.ID), events[0].Channel)

	var payload MessageView
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, res.Message.ID, payload.ID)
	assert.Equal(t, "Ursula", payload.SenderName)

	n, err := f.svc.GetUnreadCount(ctx, res.Chat.ID, f.u2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.GetUnreadCount(ctx, res.Chat.ID, f.u1)
	require.NoError(t, err)
	assert.Zero(t, n)

	// No assistant in the chat, so nothing goes to the AI worker.
	assert.Empty(t, f.ai.all())
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	chat, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.u2)
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: 9999, Sender: f.u1, Content: "x"})
	assert.ErrorIs(t, err, ErrChatNotFound)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: chat.ID, Sender: f.admin, Content: "x"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: chat.ID, Sender: f.u1, Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: chat.ID, Sender: f.u1, Content: "x", Type: "video"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: chat.ID, Sender: f.u1, Content: "x", Metadata: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg, err := f.svc.SendMessage(ctx, SendRequest{
		ChatID:   chat.ID,
		Sender:   f.u1,
		Content:  "cat.png",
		Type:     store.MessageTypeImage,
		Metadata: json.RawMessage(`{"size":12}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeImage, msg.MessageType)
	assert.JSONEq(t, `{"size":12}`, string(msg.Metadata))
}

func TestSendMessage_SideEffectFailuresDoNotFailSend(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.pub.err = errors.New("broadcast down")
	f.ai.err = errors.New("queue down")

	group, err := f.svc.CreateGroupChat(ctx, f.u1, "support", "", []participant.Ref{f.bot})
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, SendRequest{ChatID: group.ID, Sender: f.u1, Content: "help"})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)

	f.svc.Close()
	assert.Len(t, f.pub.all(), 1)
	assert.Len(t, f.ai.all(), 1)

	page, err := f.svc.GetChatMessages(ctx, group.ID, f.u1, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "help", page.Messages[0].Content)
}

func TestSendMessage_DispatcherPanicIsContained(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.ai.panics = true

	group, err := f.svc.CreateGroupChat(ctx, f.u1, "support", "", []participant.Ref{f.bot})
	require.NoError(t, err)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: group.ID, Sender: f.u1, Content: "help"})
	require.NoError(t, err)
	f.svc.Close()
}

func TestSendMessage_AIDispatchRules(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	botChat, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.bot)
	require.NoError(t, err)

	msg, err := f.svc.SendMessage(ctx, SendRequest{ChatID: botChat.ID, Sender: f.u1, Content: "what is 2+2?"})
	require.NoError(t, err)
	f.svc.Close()

	reqs := f.ai.all()
	require.Len(t, reqs, 1)
	assert.Equal(t, AIRequest{ChatID: botChat.ID, MessageID: msg.ID, Sender: f.u1, Content: "what is 2+2?"}, reqs[0])

	// Replies from the assistant never loop back to it.
	reply, err := f.svc.PostAssistantReply(ctx, botChat.ID, "4")
	require.NoError(t, err)
	assert.Equal(t, participant.KindAssistant, reply.SenderType)
	assert.Equal(t, "Helper", reply.SenderName)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: botChat.ID, Sender: f.bot, Content: "anything else?"})
	require.NoError(t, err)

	f.svc.Close()
	assert.Len(t, f.ai.all(), 1)
	assert.Len(t, f.pub.all(), 3)
}

func TestPostAssistantReply_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.PostAssistantReply(ctx, 9999, "x")
	assert.ErrorIs(t, err, ErrChatNotFound)

	chat, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.u2)
	require.NoError(t, err)
	_, err = f.svc.PostAssistantReply(ctx, chat.ID, "x")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPostSystemMessage(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	chat, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.bot)
	require.NoError(t, err)

	msg, err := f.svc.PostSystemMessage(ctx, chat.ID, "Sorry, try again.")
	require.NoError(t, err)
	assert.Equal(t, participant.KindSystem, msg.SenderType)
	assert.Equal(t, participant.SystemName, msg.SenderName)

	n, err := f.svc.GetUnreadCount(ctx, chat.ID, f.u1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.svc.Close()
	assert.Empty(t, f.ai.all())
}

func TestMarkAsRead_IdempotentAndMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	res, err := f.svc.SendDirectMessage(ctx, "one", f.u1, f.u2)
	require.NoError(t, err)
	chatID := res.Chat.ID

	for i, want := range []int{2, 3} {
		_, err := f.svc.SendMessage(ctx, SendRequest{ChatID: chatID, Sender: f.u1, Content: "more"})
		require.NoError(t, err, "message %d", i)
		n, err := f.svc.GetUnreadCount(ctx, chatID, f.u2)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	marked, err := f.svc.MarkAsRead(ctx, chatID, f.u2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)

	page, err := f.svc.GetChatMessages(ctx, chatID, f.u2, 1, 10)
	require.NoError(t, err)
	firstReadAt := page.Messages[0].ReadAt
	require.NotNil(t, firstReadAt)

	marked, err = f.svc.MarkAsRead(ctx, chatID, f.u2)
	require.NoError(t, err)
	assert.Zero(t, marked)

	page, err = f.svc.GetChatMessages(ctx, chatID, f.u2, 1, 10)
	require.NoError(t, err)
	for _, m := range page.Messages {
		assert.True(t, m.IsRead)
		assert.True(t, m.ReadAt.Equal(*firstReadAt))
	}

	_, err = f.svc.MarkAsRead(ctx, chatID, f.admin)
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = f.svc.GetUnreadCount(ctx, chatID, f.admin)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestGetConversation_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	for range 5 {
		_, err := f.svc.SendDirectMessage(ctx, "m", f.u1, f.admin)
		require.NoError(t, err)
	}

	page, err := f.svc.GetConversation(ctx, f.admin, f.u1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "Ursula", page.Chat.Name)
	require.Len(t, page.Messages, 2)

	p := page.Pagination
	assert.Equal(t, 2, p.CurrentPage)
	assert.Equal(t, 2, p.PerPage)
	assert.Equal(t, 5, p.Total)
	assert.Equal(t, 3, p.LastPage)
	require.NotNil(t, p.From)
	require.NotNil(t, p.To)
	assert.Equal(t, 3, *p.From)
	assert.Equal(t, 4, *p.To)
	assert.Less(t, page.Messages[0].ID, page.Messages[1].ID)

	empty, err := f.svc.GetConversation(ctx, f.admin, f.u1, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, empty.Messages)
	assert.Nil(t, empty.Pagination.From)

	defaults, err := f.svc.GetConversation(ctx, f.admin, f.u1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMessagesPerPage, defaults.Pagination.PerPage)
	assert.Equal(t, 1, defaults.Pagination.CurrentPage)
}

func TestGetConversations_OrderAndAnnotations(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	first, err := f.svc.SendDirectMessage(ctx, "to umberto", f.u1, f.u2)
	require.NoError(t, err)
	second, err := f.svc.SendDirectMessage(ctx, "from ada", f.admin, f.u1)
	require.NoError(t, err)

	list, err := f.svc.GetConversations(ctx, f.u1, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultChatsPerPage, list.Pagination.PerPage)
	require.Len(t, list.Chats, 2)

	top := list.Chats[0]
	assert.Equal(t, second.Chat.ID, top.ID)
	assert.Equal(t, "Ada", top.Name)
	assert.Equal(t, 1, top.UnreadCount)
	assert.Equal(t, 2, top.ParticipantsCount)
	require.NotNil(t, top.LastMessage)
	assert.Equal(t, "from ada", top.LastMessage.Content)
	assert.Equal(t, "Ada", top.LastMessage.SenderName)

	assert.Equal(t, first.Chat.ID, list.Chats[1].ID)
	assert.Zero(t, list.Chats[1].UnreadCount)

	total, err := f.svc.GetTotalUnread(ctx, f.u1)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestGroupLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	group, err := f.svc.CreateGroupChat(ctx, f.u1, "Team", "weekly sync", []participant.Ref{f.u2, f.u2})
	require.NoError(t, err)
	assert.Equal(t, store.ChatTypeGroup, group.Type)
	assert.Equal(t, "Team", group.Name)
	assert.Equal(t, "weekly sync", group.Description)
	assert.Len(t, group.Participants, 2)

	view, err := f.svc.AddParticipant(ctx, f.u1, group.ID, f.admin)
	require.NoError(t, err)
	assert.Len(t, view.Participants, 3)

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: group.ID, Sender: f.admin, Content: "hello team"})
	require.NoError(t, err)

	require.NoError(t, f.svc.RemoveParticipant(ctx, f.u1, group.ID, f.u2))

	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: group.ID, Sender: f.u2, Content: "am I still here?"})
	assert.ErrorIs(t, err, ErrAccessDenied)

	list, err := f.svc.GetConversations(ctx, f.u2, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, list.Chats)

	// Re-adding reactivates the same membership.
	_, err = f.svc.AddParticipant(ctx, f.admin, group.ID, f.u2)
	require.NoError(t, err)
	_, err = f.svc.SendMessage(ctx, SendRequest{ChatID: group.ID, Sender: f.u2, Content: "back"})
	require.NoError(t, err)
}

func TestGroupMembershipRules(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.CreateGroupChat(ctx, f.u1, "  ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	_, err = f.svc.CreateGroupChat(ctx, f.u1, "G", "", []participant.Ref{participant.New(participant.KindAdmin, 77)})
	assert.ErrorIs(t, err, participant.ErrNotFound)

	solo, err := f.svc.CreateGroupChat(ctx, f.u1, "Solo", "", nil)
	require.NoError(t, err)
	err = f.svc.RemoveParticipant(ctx, f.u1, solo.ID, f.u1)
	assert.ErrorIs(t, err, ErrInvalidParticipants, "last member cannot leave")

	_, err = f.svc.AddParticipant(ctx, f.u2, solo.ID, f.u2)
	assert.ErrorIs(t, err, ErrAccessDenied, "outsiders cannot add themselves")

	err = f.svc.RemoveParticipant(ctx, f.u1, solo.ID, f.admin)
	assert.ErrorIs(t, err, ErrInvalidParticipants)

	private, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.u2)
	require.NoError(t, err)
	_, err = f.svc.AddParticipant(ctx, f.u1, private.ID, f.admin)
	assert.ErrorIs(t, err, ErrPrivateChatImmutable)
	err = f.svc.RemoveParticipant(ctx, f.u1, private.ID, f.u2)
	assert.ErrorIs(t, err, ErrPrivateChatImmutable)

	_, err = f.svc.AddParticipant(ctx, f.u1, 9999, f.admin)
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestRemoveParticipant_ConcurrentLeavesOneMember(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	group, err := f.svc.CreateGroupChat(ctx, f.u1, "Pair", "", []participant.Ref{f.u2})
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, ref := range []participant.Ref{f.u1, f.u2} {
		wg.Go(func() {
			errs[i] = f.svc.RemoveParticipant(ctx, ref, group.ID, ref)
		})
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrInvalidParticipants)
			failed++
		}
	}
	assert.Equal(t, 1, failed, "exactly one member may leave")

	members, err := f.store.ListActiveMembers(ctx, group.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	chat, err := f.svc.FindOrCreatePrivateChat(ctx, f.u1, f.u2)
	require.NoError(t, err)

	assert.NoError(t, f.svc.Authorize(ctx, chat.ID, f.u1))
	assert.ErrorIs(t, f.svc.Authorize(ctx, chat.ID, f.admin), ErrAccessDenied)
	assert.ErrorIs(t, f.svc.Authorize(ctx, 9999, f.u1), ErrChatNotFound)
}
