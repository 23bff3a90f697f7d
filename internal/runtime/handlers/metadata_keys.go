package handlers

// Header keys set on records emitted by typed handlers.
const (
	// MetadataKeyCorrelationID tracks related records across services.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventSchema names the Go or protobuf type of the payload.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyCausationID is the "<topic>/<partition>/<offset>" position of
	// the event that caused an emitted record.
	MetadataKeyCausationID = "causation_id"
)
