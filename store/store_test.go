package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"unibox/config"
	"unibox/models"
)

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := config.OpenSQLite(dsn, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, config.MigrateDB(db))

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewMessageStore(db, logrus.NewEntry(log))
}

func chatMessage(id, chat string, ts int64) *models.Message {
	return &models.Message{
		ID:        id,
		Platform:  models.PlatformWhatsApp,
		FromName:  "Alice",
		FromID:    "alice@c.us",
		Body:      "hello " + id,
		Timestamp: ts,
		ChatName:  chat,
		ThreadID:  chat,
		Type:      models.TypeMessage,
	}
}

// ingest mirrors what the pipeline does for one message
func ingest(t *testing.T, s *MessageStore, msg *models.Message) (bool, bool) {
	t.Helper()
	ctx := context.Background()
	unlock := s.Lock(msg.Platform, msg.ConversationKey())
	defer unlock()

	isNew, err := s.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	advanced, err := s.ApplyRollup(ctx, msg.ConversationKey(), msg, isNew)
	require.NoError(t, err)
	return isNew, advanced
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := chatMessage("m1", "chat-1", 1000)
	isNew, err := s.UpsertMessage(ctx, first)
	require.NoError(t, err)
	assert.True(t, isNew)
	createdAt := first.CreatedAt

	again := chatMessage("m1", "chat-1", 1000)
	again.Body = "edited"
	isNew, err = s.UpsertMessage(ctx, again)
	require.NoError(t, err)
	assert.False(t, isNew)

	msgs, err := s.QueryMessages(ctx, models.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "edited", msgs[0].Body)
	assert.WithinDuration(t, createdAt, msgs[0].CreatedAt, time.Millisecond, "created_at must survive a replace")
	assert.WithinDuration(t, createdAt, again.CreatedAt, time.Millisecond)
}

func TestUpsertSameIDOnDifferentPlatforms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := chatMessage("shared", "chat", 1000)
	b := chatMessage("shared", "chat", 1000)
	b.Platform = models.PlatformWhatsAppBusiness

	_, err := s.UpsertMessage(ctx, a)
	require.NoError(t, err)
	isNew, err := s.UpsertMessage(ctx, b)
	require.NoError(t, err)
	assert.True(t, isNew)

	msgs, err := s.QueryMessages(ctx, models.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestRollupIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, advanced := ingest(t, s, chatMessage("m1", "C", 2000))
	assert.True(t, advanced)
	_, advanced = ingest(t, s, chatMessage("m2", "C", 1000))
	assert.False(t, advanced)

	conv, err := s.GetConversation(ctx, models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, "m1", conv.LastMessageID)
	assert.Equal(t, int64(2000), conv.LastMessageTime)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Equal(t, "C", conv.Name)
}

func TestRollupEqualTimestampAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("m1", "C", 1000))
	_, advanced := ingest(t, s, chatMessage("m2", "C", 1000))
	assert.True(t, advanced)

	conv, err := s.GetConversation(ctx, models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, "m2", conv.LastMessageID)
}

func TestRollupUnreadCounting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("m1", "C", 1000))

	mine := chatMessage("m2", "C", 2000)
	mine.IsFromMe = true
	ingest(t, s, mine)

	// replaying an existing message must not count it again
	isNew, _ := ingest(t, s, chatMessage("m1", "C", 1000))
	assert.False(t, isNew)

	conv, err := s.GetConversation(ctx, models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
	assert.Equal(t, "m2", conv.LastMessageID)
}

func TestRollupReplayWithEarlierTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("m1", "C", 1000))
	ingest(t, s, chatMessage("m2", "C", 900))
	_, advanced := ingest(t, s, chatMessage("m1", "C", 500))
	assert.True(t, advanced)

	conv, err := s.GetConversation(ctx, models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, "m2", conv.LastMessageID)
	assert.Equal(t, int64(900), conv.LastMessageTime)
	assert.Equal(t, 2, conv.UnreadCount)

	stored, err := s.QueryMessages(ctx, models.MessageFilter{ThreadID: "C"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(500), stored[1].Timestamp)
}

func TestRollupReplayOfOnlyMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("m1", "C", 1000))
	ingest(t, s, chatMessage("m1", "C", 400))

	conv, err := s.GetConversation(ctx, models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, "m1", conv.LastMessageID)
	assert.Equal(t, int64(400), conv.LastMessageTime)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestRollupReplayIntoAnotherConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("m0", "A", 500))
	ingest(t, s, chatMessage("m1", "A", 1000))
	ingest(t, s, chatMessage("m1", "B", 1000))

	a, err := s.GetConversation(ctx, models.PlatformWhatsApp, "A")
	require.NoError(t, err)
	assert.Equal(t, "m0", a.LastMessageID)
	assert.Equal(t, int64(500), a.LastMessageTime)

	b, err := s.GetConversation(ctx, models.PlatformWhatsApp, "B")
	require.NoError(t, err)
	assert.Equal(t, "m1", b.LastMessageID)
	assert.Equal(t, int64(1000), b.LastMessageTime)

	// moving the last remaining message empties the rollup
	ingest(t, s, chatMessage("m0", "B", 500))
	a, err = s.GetConversation(ctx, models.PlatformWhatsApp, "A")
	require.NoError(t, err)
	assert.Empty(t, a.LastMessageID)
	assert.Zero(t, a.LastMessageTime)
}

func TestConcurrentUpsertsOfOneID(t *testing.T) {
	s := newTestStore(t)
	const writers = 10

	var (
		wg      sync.WaitGroup
		inserts int32
		mu      sync.Mutex
		errs    []error
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := chatMessage("m1", fmt.Sprintf("chat-%d", i), 1000)
			isNew, err := s.UpsertMessage(context.Background(), msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if isNew {
				inserts++
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Equal(t, int32(1), inserts)
}

func TestGetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), models.PlatformGmail, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestQueryMessagesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := chatMessage("m1", "C1", 1000)
	m2 := chatMessage("m2", "C2", 3000)
	m2.FromID = "bob@c.us"
	m2.FromName = "Bob"
	m2.Body = "Quarterly REPORT attached"
	m3 := &models.Message{
		ID:        "g1",
		Platform:  models.PlatformGmail,
		FromName:  "Carol",
		FromID:    "carol@example.com",
		Subject:   "Report draft",
		Body:      "see inside",
		Timestamp: 2000,
		ThreadID:  "T1",
		Type:      models.TypeEmail,
	}
	for _, m := range []*models.Message{m1, m2, m3} {
		ingest(t, s, m)
	}

	all, err := s.QueryMessages(ctx, models.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"m2", "g1", "m1"}, ids(all))

	tests := []struct {
		name   string
		filter models.MessageFilter
		want   []string
	}{
		{"platform", models.MessageFilter{Platform: models.PlatformGmail}, []string{"g1"}},
		{"from", models.MessageFilter{FromID: "bob@c.us"}, []string{"m2"}},
		{"thread", models.MessageFilter{ThreadID: "C1"}, []string{"m1"}},
		{"search body and subject", models.MessageFilter{SearchTerm: "report"}, []string{"m2", "g1"}},
		{"search sender name", models.MessageFilter{SearchTerm: "CAROL"}, []string{"g1"}},
		{"combined", models.MessageFilter{Platform: models.PlatformWhatsApp, SearchTerm: "report"}, []string{"m2"}},
		{"limit", models.MessageFilter{Limit: 1}, []string{"m2"}},
		{"no match", models.MessageFilter{SearchTerm: "nothing like this"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.QueryMessages(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestQueryMessagesTreatsWildcardsLiterally(t *testing.T) {
	s := newTestStore(t)

	plain := chatMessage("m1", "C", 1000)
	plain.Body = "nothing special"
	percent := chatMessage("m2", "C", 2000)
	percent.Body = "100% done"
	under := chatMessage("m3", "C", 3000)
	under.Body = "snake_case"
	for _, m := range []*models.Message{plain, percent, under} {
		ingest(t, s, m)
	}

	got, err := s.QueryMessages(context.Background(), models.MessageFilter{SearchTerm: "%"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(got))

	got, err = s.QueryMessages(context.Background(), models.MessageFilter{SearchTerm: "_"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, ids(got))
}

func TestSearchMessagesIsCapped(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < SearchLimit+10; i++ {
		ingest(t, s, chatMessage(fmt.Sprintf("m%03d", i), "C", int64(1000+i)))
	}

	got, err := s.SearchMessages(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, got, SearchLimit)
	assert.Equal(t, fmt.Sprintf("m%03d", SearchLimit+9), got[0].ID)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultQueryLimit, clampLimit(0))
	assert.Equal(t, DefaultQueryLimit, clampLimit(-3))
	assert.Equal(t, 7, clampLimit(7))
	assert.Equal(t, MaxQueryLimit, clampLimit(MaxQueryLimit+1))
}

func TestListConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ingest(t, s, chatMessage("a1", "A", 1000))
	ingest(t, s, chatMessage("b1", "B", 3000))
	ingest(t, s, chatMessage("c1", "Archived", 5000))
	require.NoError(t, s.db.Model(&models.Conversation{}).
		Where("id = ?", "Archived").
		Update("is_archived", true).Error)

	previews, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, previews, 2)
	assert.Equal(t, "B", previews[0].ID)
	assert.Equal(t, "hello b1", previews[0].LastMessage)
	assert.Equal(t, "A", previews[1].ID)
	assert.Equal(t, 1, previews[1].UnreadCount)
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetCursor(ctx, models.PlatformGmail)
	require.NoError(t, err)
	assert.Zero(t, got)

	require.NoError(t, s.SetCursor(ctx, models.PlatformGmail, 5000))
	require.NoError(t, s.SetCursor(ctx, models.PlatformGmail, 3000))

	got, err = s.GetCursor(ctx, models.PlatformGmail)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got)

	other, err := s.GetCursor(ctx, models.PlatformIMAP)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestConcurrentWritesToOneConversation(t *testing.T) {
	s := newTestStore(t)
	const writers = 25

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ingest(t, s, chatMessage(fmt.Sprintf("m%02d", i), "C", int64(1000+i)))
		}(i)
	}
	wg.Wait()

	conv, err := s.GetConversation(context.Background(), models.PlatformWhatsApp, "C")
	require.NoError(t, err)
	assert.Equal(t, writers, conv.UnreadCount)
	assert.Equal(t, fmt.Sprintf("m%02d", writers-1), conv.LastMessageID)
	assert.Equal(t, int64(1000+writers-1), conv.LastMessageTime)
	assert.Zero(t, s.locks.Len())
}

func TestStoreUnavailable(t *testing.T) {
	s := newTestStore(t)
	sqlDB, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = s.UpsertMessage(context.Background(), chatMessage("m1", "C", 1000))
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = s.QueryMessages(context.Background(), models.MessageFilter{})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func ids(msgs []models.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
