package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/videocast-api/internal/model"
	"github.com/jwalitptl/videocast-api/internal/repository/memory"
	apperrors "github.com/jwalitptl/videocast-api/pkg/errors"
	"github.com/jwalitptl/videocast-api/pkg/event"
	"github.com/jwalitptl/videocast-api/pkg/logger"
)

// stubSubmitter fails items whose script is "reject", returns an error for
// "flaky" and a conflict for "busy", mirroring the orchestrator's contract.
type stubSubmitter struct{ calls int }

func (s *stubSubmitter) Submit(_ context.Context, item *model.Item) error {
	s.calls++
	switch item.Script {
	case "reject":
		item.MarkFailed("rejected", time.Now())
	case "flaky":
		return errors.New("timeout")
	case "busy":
		return apperrors.NewConflict("item is being worked on by another worker")
	default:
		item.MarkProcessing("job", time.Now())
	}
	return nil
}

type recordingNotifier struct{ sent []string }

func (r *recordingNotifier) SendBatchReady(_ context.Context, to string, _ *model.Batch) error {
	r.sent = append(r.sent, to)
	return nil
}

type recordingEvents struct{ types []event.EventType }

func (r *recordingEvents) Publish(_ context.Context, evt event.PipelineEvent) {
	r.types = append(r.types, evt.Type)
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	sub      *stubSubmitter
	notifier *recordingNotifier
	events   *recordingEvents
}

func newFixture() *fixture {
	f := &fixture{
		store:    memory.NewStore(),
		sub:      &stubSubmitter{},
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
	}
	f.svc = NewService(Dependencies{
		Batches:   f.store.Batches(),
		Items:     f.store.Items(),
		Submitter: f.sub,
		Notifier:  f.notifier,
		Events:    f.events,
		Logger:    logger.Nop(),
	})
	return f
}

func request(scripts ...string) *CreateBatchRequest {
	req := &CreateBatchRequest{Name: " Promo ", MessageTemplate: "Hi {name}", NotifyEmail: "ops@example.com"}
	for _, s := range scripts {
		req.Items = append(req.Items, CreateItemRequest{
			RecipientName: "Ann", RecipientAddress: "+15550001", PersonaID: "amy", Script: s,
		})
	}
	return req
}

func TestCreate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	b, err := f.svc.Create(ctx, "operator-1", request("one", "two"))
	require.NoError(t, err)
	assert.Equal(t, "Promo", b.Name)

	stored, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Total)
	assert.Equal(t, "operator-1", stored.CreatedBy)

	items, err := f.svc.ListItems(ctx, b.ID, model.Pagination{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "one", items[0].Script)
	assert.Equal(t, model.GenerationPending, items[0].GenerationStatus)
	assert.Equal(t, []event.EventType{event.BatchCreated}, f.events.types)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()

	_, err := f.svc.Create(context.Background(), "op", &CreateBatchRequest{Name: "x"})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidation, appErr.Code)
	assert.Equal(t, "items is required", appErr.Message)

	req := request("a")
	req.NotifyEmail = "not-an-email"
	_, err = f.svc.Create(context.Background(), "op", req)
	assert.ErrorContains(t, err, "notify_email is invalid")
}

func TestGenerate_CountsOutcomes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "op", request("ok", "reject", "flaky", "busy"))
	require.NoError(t, err)

	report, err := f.svc.Generate(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, GenerateReport{Submitted: 1, Rejected: 1, Deferred: 1}, report)
	assert.Equal(t, 4, f.sub.calls)
}

func TestGenerate_UnknownBatch(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Generate(context.Background(), uuid.New())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)
}

func TestSetExclusion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "op", request("a"))
	require.NoError(t, err)
	items, err := f.svc.ListItems(ctx, b.ID, model.Pagination{})
	require.NoError(t, err)

	it, err := f.svc.SetExclusion(ctx, items[0].ID, true)
	require.NoError(t, err)
	assert.True(t, it.Excluded)

	stored, err := f.svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Excluded)
}

func TestSetExclusion_RefusesInFlight(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := model.NewItem(uuid.Nil, "Ann", "+1", "amy", "hi")
	require.NoError(t, item.MarkDone("https://cdn/a.mp4", time.Now()))
	require.NoError(t, item.MarkMessageAccepted(model.MessageSent, "m1", time.Now()))
	require.NoError(t, f.store.Batches().Create(ctx, &model.Batch{Name: "b"}, []*model.Item{item}))

	_, err := f.svc.SetExclusion(ctx, item.ID, true)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrConflict, appErr.Code)
}

func TestRefresh_NotifiesOnce(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "op", request("a", "b"))
	require.NoError(t, err)
	items, err := f.svc.ListItems(ctx, b.ID, model.Pagination{})
	require.NoError(t, err)

	require.NoError(t, items[0].MarkDone("https://cdn/a.mp4", time.Now()))
	f.store.Save(items[0])
	f.svc.Refresh(ctx, b.ID)
	assert.Empty(t, f.notifier.sent, "one item still pending")

	items[1].MarkFailed("boom", time.Now())
	f.store.Save(items[1])
	f.svc.Refresh(ctx, b.ID)
	f.svc.Refresh(ctx, b.ID)

	assert.Equal(t, []string{"ops@example.com"}, f.notifier.sent)
	assert.Contains(t, f.events.types, event.BatchGenerationFinished)

	stored, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.GenerationSucceeded)
	assert.Equal(t, 1, stored.GenerationFailed)
	assert.NotNil(t, stored.NotifiedAt)
}

func TestRecount(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "op", request("a"))
	require.NoError(t, err)
	items, err := f.svc.ListItems(ctx, b.ID, model.Pagination{})
	require.NoError(t, err)
	items[0].MarkFailed("x", time.Now())
	f.store.Save(items[0])

	got, err := f.svc.Recount(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.GenerationFailed)
}

func TestDelete_Cascades(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	b, err := f.svc.Create(ctx, "op", request("a"))
	require.NoError(t, err)
	items, err := f.svc.ListItems(ctx, b.ID, model.Pagination{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, b.ID))
	_, err = f.svc.GetItem(ctx, items[0].ID)
	assert.Error(t, err)
}
