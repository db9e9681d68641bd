package outbox

// Event types published by the scheduling engine. Topic name equals event
// type, one topic per event.
const (
	EventMeetingScheduled   = "scheduling.meeting.scheduled.v1"
	EventMeetingCancelled   = "scheduling.meeting.cancelled.v1"
	EventMeetingRescheduled = "scheduling.meeting.rescheduled.v1"
	EventSyncRequested      = "scheduling.sync.requested.v1"
)

// Event is the domain event envelope written to the outbox table.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
