package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/emergency-dispatch/internal/audit"
	"github.com/example/emergency-dispatch/internal/models"
)

type published struct {
	topic, event string
	payload      any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]bool
}

func (f *fakePublisher) Publish(_ context.Context, topic, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, event, payload})
	if f.fail[topic] {
		return errors.New("transport down")
	}
	return nil
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (f *fakeMessenger) Send(_ context.Context, to, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[to] = message
	return f.err
}

func newTestNotifier(p *fakePublisher, m *fakeMessenger) (*Notifier, *audit.MemorySink) {
	sink := &audit.MemorySink{}
	return New(p, m, sink, zerolog.Nop()), sink
}

func TestNotifyCandidates(t *testing.T) {
	p := &fakePublisher{}
	m := &fakeMessenger{}
	n, sink := newTestNotifier(p, m)
	req := models.Request{ID: "r1", Origin: models.Coord{Lat: 12.9, Lng: 77.6}, RadiusMeters: 500, Round: 1}
	offers := []models.Offer{
		{ID: "o1", RequestID: "r1", ResponderID: "a", DistanceMeters: 250, RadiusMeters: 500},
		{ID: "o2", RequestID: "r1", ResponderID: "b", DistanceMeters: 400, RadiusMeters: 500},
	}
	cands := []models.Candidate{
		{Responder: models.Responder{ID: "a", Phone: "+91111"}},
		{Responder: models.Responder{ID: "b"}},
	}
	n.NotifyCandidates(context.Background(), req, offers, cands)
	n.Wait()

	require.Len(t, p.msgs, 3)
	assert.Equal(t, "responder:a", p.msgs[0].topic)
	assert.Equal(t, "responder:a:offer", p.msgs[0].event)
	assert.Equal(t, 250.0, p.msgs[0].payload.(OfferPayload).DistanceMeters)
	assert.Equal(t, "request:r1", p.msgs[2].topic)
	assert.Equal(t, 2, p.msgs[2].payload.(DispatchPayload).Contacted)

	assert.Contains(t, m.sent["+91111"], "250 m")
	assert.Len(t, m.sent, 1)
	// 3 socket publishes plus 1 sms
	assert.Len(t, sink.Communications("r1"), 4)
}

func TestNotifyAssignedBroadcastsTaken(t *testing.T) {
	p := &fakePublisher{}
	m := &fakeMessenger{}
	n, _ := newTestNotifier(p, m)
	req := models.Request{ID: "r1", ContactRef: "+92222"}
	r := models.Responder{ID: "a", Name: "Unit 7", VehicleNo: "KA-01", Phone: "+91111"}
	n.NotifyAssigned(context.Background(), req, r, models.TravelEstimate{EstimatedMinutes: 4})
	n.Wait()

	require.Len(t, p.msgs, 2)
	assert.Equal(t, "request:r1:assigned", p.msgs[0].event)
	assert.Equal(t, "KA-01", p.msgs[0].payload.(AssignedPayload).Responder.VehicleNo)
	assert.Equal(t, BroadcastTopic, p.msgs[1].topic)
	assert.Equal(t, "request:r1:taken", p.msgs[1].event)
	assert.Contains(t, m.sent["+92222"], "ETA 4 min")
}

func TestDeliveryFailuresAreLoggedNotReturned(t *testing.T) {
	p := &fakePublisher{fail: map[string]bool{"request:r1": true}}
	m := &fakeMessenger{err: errors.New("gateway down")}
	n, sink := newTestNotifier(p, m)
	n.NotifyFailed(context.Background(), models.Request{ID: "r1", ContactRef: "ops@example.org"}, "no responder available")
	n.Wait()

	comms := sink.Communications("r1")
	require.Len(t, comms, 2)
	for _, c := range comms {
		assert.Equal(t, audit.StatusFailed, c.Status)
	}
	channels := []string{comms[0].Channel, comms[1].Channel}
	assert.ElementsMatch(t, []string{audit.ChannelSocket, audit.ChannelEmail}, channels)
}

func TestNotifySearchingUsesBroadcastTopic(t *testing.T) {
	p := &fakePublisher{}
	n, _ := newTestNotifier(p, &fakeMessenger{})
	n.NotifySearching(context.Background(), models.Request{ID: "r1", RadiusMeters: 1000})
	require.Len(t, p.msgs, 1)
	assert.Equal(t, BroadcastTopic, p.msgs[0].topic)
	assert.Equal(t, SearchingEvent, p.msgs[0].event)
}

func TestAuditWritesRecord(t *testing.T) {
	n, sink := newTestNotifier(&fakePublisher{}, &fakeMessenger{})
	n.Audit(context.Background(), "r1", audit.Escalated, audit.ActorSystem, "", "radius widened", map[string]any{"radius_m": 1000.0})
	recs := sink.Records("r1")
	require.Len(t, recs, 1)
	assert.Equal(t, audit.Escalated, recs[0].Type)
	assert.Equal(t, 1000.0, recs[0].Metadata["radius_m"])
}
