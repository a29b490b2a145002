package servicebus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/domain"
	"github.com/next-trace/scg-event-bus/servicebus"
)

func translate(_ context.Context, d testDom) (testOut, error) {
	return testOut{ID: d.OccurrenceID()}, nil
}

func Test_Bridge_PublishesOncePerOccurrence(t *testing.T) {
	pub := &inmemory.Publisher{}
	b := servicebus.New(pub, quiet())

	if err := servicebus.Bridge(b, translate); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	d := testDom{Occurrence: domain.NewOccurrence(), Name: "jane"}
	if err := b.PublishDomain(t.Context(), d); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if pub.Len() != 1 {
		t.Fatalf("want exactly one integration event, got %d", pub.Len())
	}

	if got := pub.Events[0].(testOut).ID; got != d.ID {
		t.Fatalf("translated id=%s want %s", got, d.ID)
	}
}

func Test_Bridge_OnePerDomainType(t *testing.T) {
	b := servicebus.New(&inmemory.Publisher{}, quiet())

	if err := servicebus.Bridge(b, translate); err != nil {
		t.Fatalf("bridge: %v", err)
	}

	if err := servicebus.Bridge(b, translate); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	// ordinary handlers may still be bound next to the bridge
	if err := servicebus.BindDomainEvent[testDom](b, &recordingHandler{}); err != nil {
		t.Fatalf("bind: %v", err)
	}
}

func Test_Bridge_RequiresPublisher(t *testing.T) {
	b := servicebus.New(nil, quiet())

	if err := servicebus.Bridge(b, translate); !errors.Is(err, berr.ErrAsyncNotConfigured) {
		t.Fatalf("want ErrAsyncNotConfigured, got %v", err)
	}
}

func Test_Bridge_TranslationFailureIsLoud(t *testing.T) {
	pub := &inmemory.Publisher{}
	b := servicebus.New(pub, quiet())

	_ = servicebus.Bridge(b, func(context.Context, testDom) (testOut, error) {
		return testOut{}, errors.New("missing user id")
	})

	err := b.PublishDomain(t.Context(), testDom{Occurrence: domain.NewOccurrence()})
	if !errors.Is(err, berr.ErrBridgeTranslation) {
		t.Fatalf("want ErrBridgeTranslation, got %v", err)
	}

	if pub.Len() != 0 {
		t.Fatalf("nothing must be published, got %d", pub.Len())
	}
}

func Test_Bridge_PublishFailurePropagates(t *testing.T) {
	pub := &inmemory.Publisher{Err: berr.ErrPublishFailed}
	b := servicebus.New(pub, quiet())
	_ = servicebus.Bridge(b, translate)

	err := b.PublishDomain(t.Context(), testDom{Occurrence: domain.NewOccurrence()})
	if !errors.Is(err, berr.ErrPublishFailed) {
		t.Fatalf("want ErrPublishFailed, got %v", err)
	}
}

