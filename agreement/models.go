package agreement

import "time"

// Agreement is a signed legal agreement governing a couple's shared assets.
type Agreement struct {
	ID          string
	CoupleID    string
	DocumentRef string
	SignedAt    time.Time
	CreatedAt   time.Time
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// RecordSignedParams enumerates the writes executed inside a single transaction.
type RecordSignedParams struct {
	AgreementID   string
	CoupleID      string
	DocumentRef   string
	SignedAt      time.Time
	OutboxTopic   string
	OutboxPayload map[string]any
}

const (
	// OutboxTopicAgreementSigned is published whenever a couple agreement is recorded as signed.
	OutboxTopicAgreementSigned = "agreement.signed"
)
