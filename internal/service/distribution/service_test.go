package distribution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/provider"
	"github.com/jwalitptl/videocast-api/internal/repository"
	"github.com/jwalitptl/videocast-api/internal/repository/memory"
	"github.com/jwalitptl/videocast-api/internal/sharelink"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/logger"
	"github.com/jwalitptl/videocast-api/pkg/metrics"
)

type fakeMessaging struct {
	mu       sync.Mutex
	seq      int
	reject   map[string]string
	fail     map[string]error
	statuses map[string]string
	sent     []string
	// onSend runs inside Send, before the provider answers.
	onSend func()
}

func newFakeMessaging() *fakeMessaging {
	return &fakeMessaging{reject: map[string]string{}, fail: map[string]error{}, statuses: map[string]string{}}
}

func (f *fakeMessaging) Send(_ context.Context, address, text string) (provider.SendResult, error) {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if err := f.fail[address]; err != nil {
		return provider.SendResult{}, err
	}
	if reason, ok := f.reject[address]; ok {
		return provider.SendResult{Accepted: false, Reason: reason}, nil
	}
	f.seq++
	return provider.SendResult{MessageID: fmt.Sprintf("msg-%d", f.seq), Accepted: true, Status: "sent"}, nil
}

func (f *fakeMessaging) GetStatus(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id], nil
}

func (f *fakeMessaging) CheckAddressRegistered(context.Context, string) (bool, error) { return true, nil }

type fixture struct {
	svc   *Service
	store *memory.Store
	msg   *fakeMessaging
	links *sharelink.Codec
	batch *model.Batch
	ids   []uuid.UUID
}

// newFixture creates a batch with one DONE item per address.
func newFixture(t *testing.T, template string, addresses ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	batch := &model.Batch{Name: "promo", MessageTemplate: template}
	var items []*model.Item
	for i, addr := range addresses {
		it := model.NewItem(uuid.Nil, fmt.Sprintf("R%d", i), addr, "amy", "hi")
		it.MarkProcessing("job", time.Now())
		require.NoError(t, it.MarkDone("https://cdn/"+addr+".mp4", time.Now()))
		items = append(items, it)
	}
	require.NoError(t, store.Batches().Create(ctx, batch, items))

	links, err := sharelink.NewCodec("secret", time.Hour)
	require.NoError(t, err)
	f := &fixture{store: store, msg: newFakeMessaging(), links: links, batch: batch}
	for _, it := range items {
		f.ids = append(f.ids, it.ID)
	}
	f.svc = NewService(Dependencies{
		Items:     store.Items(),
		Batches:   store.Batches(),
		Messaging: f.msg,
		Links:     links,
		Metrics:   metrics.NewUnregistered(),
		Logger:    logger.Nop(),
	}, Config{PublicBaseURL: "https://v.example.com", StatusPollAfter: time.Minute})
	return f
}

func (f *fixture) item(t *testing.T, i int) *model.Item {
	t.Helper()
	it, err := f.store.Items().Get(context.Background(), f.ids[i])
	require.NoError(t, err)
	return it
}

func TestSendBatch_PartialFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, "Hi {name}: {link}", "+1001", "+1002", "+1003")
	f.msg.reject["+1002"] = "number not on network"
	f.msg.fail["+1003"] = errors.New("gateway timeout")

	report, err := f.svc.SendBatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Sent: 1, Failed: 2}, report)

	ok := f.item(t, 0)
	assert.Equal(t, model.MessageSent, ok.MessageStatus)
	assert.Equal(t, "msg-1", ok.MessageProviderID)
	assert.NotNil(t, ok.SentAt)

	rejected := f.item(t, 1)
	assert.Equal(t, model.MessageError, rejected.MessageStatus)
	assert.Equal(t, "number not on network", rejected.MessageError)
	assert.Equal(t, "gateway timeout", f.item(t, 2).MessageError)

	b, _ := f.store.Batches().Get(context.Background(), f.batch.ID)
	assert.Equal(t, 1, b.MessageSent)
	assert.Equal(t, 2, b.MessageFailed)
}

func TestSendBatch_LinkResolvesToItem(t *testing.T) {
	f := newFixture(t, "Hi {name}, here is your video", "+1001")

	_, err := f.svc.SendBatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	require.Len(t, f.msg.sent, 1)

	text := f.msg.sent[0]
	assert.True(t, strings.HasPrefix(text, "Hi R0, here is your video\n\nhttps://v.example.com/stream/"))
	token := strings.TrimSuffix(text[strings.LastIndex(text, "/")+1:], ".mp4")
	ref, err := f.links.Decode(token)
	require.NoError(t, err)
	assert.Equal(t, f.ids[0], ref.ItemID)
	assert.Equal(t, f.batch.ID, ref.BatchID)
}

func TestSendBatch_SkipsExcludedAndAlreadySent(t *testing.T) {
	f := newFixture(t, "{link}", "+1001", "+1002")
	ctx := context.Background()
	excluded := f.item(t, 1)
	excluded.Excluded = true
	f.store.Save(excluded)

	first, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Sent)

	second, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, SendReport{}, second)
	assert.Len(t, f.msg.sent, 1)
}

func TestSendBatch_UnknownBatch(t *testing.T) {
	f := newFixture(t, "{link}")
	_, err := f.svc.SendBatch(context.Background(), uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestResendOne(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	ctx := context.Background()
	_, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "delivered", ""))

	item, err := f.svc.ResendOne(ctx, f.ids[0])
	require.NoError(t, err)
	assert.Equal(t, model.MessageSent, item.MessageStatus)
	assert.Equal(t, "msg-2", item.MessageProviderID)

	excluded := f.item(t, 0)
	excluded.Excluded = true
	f.store.Save(excluded)
	_, err = f.svc.ResendOne(ctx, f.ids[0])
	assert.True(t, apperrors.IsConflict(err))
}

func TestOnDeliveryEvent(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	ctx := context.Background()
	_, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)

	assert.NoError(t, f.svc.OnDeliveryEvent(ctx, "unknown-id", "delivered", ""))

	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "READ", "2024-03-01T12:30:00Z"))
	first := f.item(t, 0)
	assert.Equal(t, model.MessageDelivered, first.MessageStatus)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), *first.SentAt)

	// Replaying the same event leaves the item as it was.
	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "READ", "2024-03-01T12:30:00Z"))
	again := f.item(t, 0)
	assert.Equal(t, first.MessageStatus, again.MessageStatus)
	assert.Equal(t, *first.SentAt, *again.SentAt)

	// Unrecognized statuses are a no-op, an unparseable time keeps sentAt.
	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "typing", "garbage"))
	assert.Equal(t, model.MessageDelivered, f.item(t, 0).MessageStatus)

	// Last write wins.
	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "failed", "garbage"))
	last := f.item(t, 0)
	assert.Equal(t, model.MessageError, last.MessageStatus)
	assert.Equal(t, "provider reported failed", last.MessageError)
	assert.Equal(t, *first.SentAt, *last.SentAt)
}

func TestOnDeliveryEvent_DuplicateKeepsStatusClock(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	ctx := context.Background()
	_, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	stamped := *f.item(t, 0).MessageUpdatedAt

	f.svc.now = func() time.Time { return stamped.Add(10 * time.Minute) }
	require.NoError(t, f.svc.OnDeliveryEvent(ctx, "msg-1", "sent", ""))

	it := f.item(t, 0)
	assert.Equal(t, model.MessageSent, it.MessageStatus)
	assert.Equal(t, stamped, *it.MessageUpdatedAt)
}

func TestSendBatch_RegenerationDuringSendIsKept(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	ctx := context.Background()
	f.msg.onSend = func() {
		it := f.item(t, 0)
		guard := repository.GenerationGuardOf(it)
		it.ResetGeneration(time.Now())
		ok, err := f.store.Items().ResetGeneration(ctx, it, guard)
		require.NoError(t, err)
		require.True(t, ok)
	}

	report, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Skipped: 1}, report)

	it := f.item(t, 0)
	assert.Equal(t, model.GenerationPending, it.GenerationStatus)
	assert.Empty(t, it.ArtifactURL)
	assert.Equal(t, model.MessagePending, it.MessageStatus)
	assert.Empty(t, it.MessageProviderID)
}

func TestSendBatch_ConcurrentSendersSendOnce(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	ctx := context.Background()
	stale := f.item(t, 0)

	var second SendReport
	f.msg.onSend = func() {
		f.msg.onSend = nil
		r, err := f.svc.SendBatch(ctx, f.batch.ID)
		require.NoError(t, err)
		second = r
		second.add(f.svc.sendOne(ctx, f.batch, stale))
	}

	first, err := f.svc.SendBatch(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, SendReport{Sent: 1}, first)
	assert.Equal(t, SendReport{Skipped: 1}, second)
	assert.Len(t, f.msg.sent, 1)
	assert.Equal(t, model.MessageSent, f.item(t, 0).MessageStatus)
}

func TestSendReadyAndPollStale(t *testing.T) {
	f := newFixture(t, "{link}", "+1001", "+1002")
	ctx := context.Background()

	report, err := f.svc.SendReady(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	f.msg.statuses["msg-1"] = "delivered"
	f.msg.statuses["msg-2"] = "sent"
	f.svc.now = func() time.Time { return time.Now().UTC().Add(5 * time.Minute) }

	updated, err := f.svc.PollStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, model.MessageDelivered, f.item(t, 0).MessageStatus)
	assert.Equal(t, model.MessageSent, f.item(t, 1).MessageStatus)
}

func TestShareLink(t *testing.T) {
	f := newFixture(t, "{link}", "+1001")
	link, err := f.svc.ShareLink(context.Background(), f.ids[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://v.example.com/stream/"))
	assert.True(t, strings.HasSuffix(link, ".mp4"))
}
