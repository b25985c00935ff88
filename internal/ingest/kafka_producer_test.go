package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/example/towing-dispatch/internal/models"
)

type fakeWriter struct{ msgs []kafka.Message }

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublishLocation(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{writer: w}
	m := models.Mechanic{ID: "m7", Loc: models.Coord{Lat: 41.01, Lon: 28.97}, Available: true, Services: []string{models.ServiceTowing}}
	if err := p.PublishLocation(context.Background(), m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "m7" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}
	var got models.Mechanic
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.Loc != m.Loc || !got.Offers(models.ServiceTowing) {
		t.Fatalf("unexpected payload %s", w.msgs[0].Value)
	}
}
