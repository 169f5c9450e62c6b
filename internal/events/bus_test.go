package events

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewBus(log)
}

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	bus := testBus(t)
	var order []string
	bus.SubscribeAll(func(ctx context.Context, e Event) { order = append(order, "all") })
	bus.Subscribe(func(ctx context.Context, e Event) { order = append(order, "one") }, VideoCreatedName)

	bus.Emit(context.Background(), VideoCreated{UserID: uuid.New(), VideoID: "v1"})

	if len(order) != 2 || order[0] != "all" || order[1] != "one" {
		t.Fatalf("unexpected delivery order: %v", order)
	}
}

func TestBusFiltersByName(t *testing.T) {
	bus := testBus(t)
	var got []Name
	bus.Subscribe(func(ctx context.Context, e Event) { got = append(got, e.EventName()) }, RenderFailedName)

	bus.Emit(context.Background(), RenderCompleted{UserID: uuid.New()})
	bus.Emit(context.Background(), RenderFailed{UserID: uuid.New(), Error: "boom"})

	if len(got) != 1 || got[0] != RenderFailedName {
		t.Fatalf("expected only render.failed, got %v", got)
	}
}

func TestBusRecoversSubscriberPanic(t *testing.T) {
	bus := testBus(t)
	delivered := false
	bus.SubscribeAll(func(ctx context.Context, e Event) { panic("bad observer") })
	bus.SubscribeAll(func(ctx context.Context, e Event) { delivered = true })

	bus.Emit(context.Background(), WebhookTest{UserID: uuid.New(), SubscriptionID: uuid.New()})

	if !delivered {
		t.Fatal("panic in one subscriber blocked the next")
	}
}

func TestKnownName(t *testing.T) {
	for _, n := range Names {
		if !KnownName(string(n)) {
			t.Fatalf("%s not recognized", n)
		}
	}
	if KnownName("video.deleted") {
		t.Fatal("unknown name accepted")
	}
}

func TestRemoteCarriesOriginalName(t *testing.T) {
	owner := uuid.New()
	e := Remote{Name: CreditsLowName, OwnerID: owner, Payload: []byte(`{"remaining":1}`)}
	if e.EventName() != CreditsLowName {
		t.Fatalf("remote name = %s", e.EventName())
	}
	if e.EventOwner() != owner {
		t.Fatalf("remote owner = %s", e.EventOwner())
	}
}
