package eventbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/variance/pkg/events"
	"github.com/dukex/variance/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type WatermillEventBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.EventType]EventHandler
	tracer        trace.Tracer
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber) EventBus {
	return &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.EventType]EventHandler),
		tracer:        noop.NewTracerProvider().Tracer("eventbus"),
	}
}

// SetTracer replaces the default no-op tracer. Call before Subscribe.
func (eb *WatermillEventBus) SetTracer(tracer trace.Tracer) {
	eb.tracer = tracer
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			var event any

			eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

			traceCtx, span := otelhelper.StartSpan(ctx, eb.tracer, "eventbus consume",
				attribute.String(otelhelper.ExperimentIDKey, msg.Metadata.Get(events.EventMetadataKey)),
				attribute.String(otelhelper.EventTypeKey, string(eventType)),
			)

			handler, exists := eb.subscriptions[eventType]
			if !exists {
				span.End()
				msg.Ack()

				continue
			}

			switch eventType {
			case events.ExperimentCreatedEvent:
				event = &events.ExperimentCreated{}
			case events.ExperimentStartedEvent:
				event = &events.ExperimentStarted{}
			case events.ExperimentPausedEvent:
				event = &events.ExperimentPaused{}
			case events.ExperimentResumedEvent:
				event = &events.ExperimentResumed{}
			case events.ExperimentStoppedEvent:
				event = &events.ExperimentStopped{}
			case events.ExperimentCompletedEvent:
				event = &events.ExperimentCompleted{}
			case events.AssignmentCreatedEvent:
				event = &events.AssignmentCreated{}
			case events.AlertRaisedEvent:
				event = &events.AlertRaised{}
			case events.AlertResolvedEvent:
				event = &events.AlertResolved{}
			default:
				otelhelper.SetError(span, errors.New("unknown event type"))
				span.End()
				msg.Nack()

				continue
			}

			err := json.Unmarshal(msg.Payload, event)
			if err != nil {
				otelhelper.SetError(span, err)
				span.End()
				msg.Nack()

				continue
			}

			err = handler(traceCtx, event)
			if err != nil {
				otelhelper.SetError(span, err)
				span.End()
				msg.Nack()

				continue
			}

			span.End()
			msg.Ack()
		}
	}()

	return nil
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
