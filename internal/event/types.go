package event

import (
	"encoding/json"
	"time"
)

// Kind tags the type of an event envelope
type Kind string

const (
	KindFlagCreated          Kind = "flag.created"
	KindFlagConfirmed        Kind = "flag.confirmed"
	KindStatsUpdated         Kind = "stats.updated"
	KindTransactionCreated   Kind = "transaction.created"
	KindTransactionConfirmed Kind = "transaction.confirmed"
	KindAlertCreated         Kind = "alert.created"
	KindAlertResolved        Kind = "alert.resolved"

	// KindAny registers a handler for every known kind
	KindAny Kind = "*"
)

// knownKinds is the closed set of kinds this client can decode
var knownKinds = map[Kind]struct{}{
	KindFlagCreated:          {},
	KindFlagConfirmed:        {},
	KindStatsUpdated:         {},
	KindTransactionCreated:   {},
	KindTransactionConfirmed: {},
	KindAlertCreated:         {},
	KindAlertResolved:        {},
}

// Known reports whether k belongs to the set of decodable kinds
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// Kinds returns the known kinds
func Kinds() []Kind {
	return []Kind{
		KindFlagCreated,
		KindFlagConfirmed,
		KindStatsUpdated,
		KindTransactionCreated,
		KindTransactionConfirmed,
		KindAlertCreated,
		KindAlertResolved,
	}
}

// Event is one server-pushed event. Events are values and are never mutated
// after Parse returns them.
type Event struct {
	Topic        string
	Kind         Kind
	Data         json.RawMessage
	Timestamp    time.Time // server timestamp, or ReceivedAt when the envelope has none
	HasTimestamp bool      // the envelope carried its own timestamp
	ReceivedAt   time.Time // local time the frame was read
}

// Payload is implemented by the typed payload of every known kind
type Payload interface {
	payloadKind() Kind
}

// FlagPayload is carried by flag.created and flag.confirmed events on
// intelligence-network feeds
type FlagPayload struct {
	ID            string  `json:"id"`
	Network       string  `json:"network"`
	Chain         string  `json:"chain"`
	Address       string  `json:"address"`
	Category      string  `json:"category"`
	Reporter      string  `json:"reporter"`
	Confidence    float64 `json:"confidence"`
	Confirmations int     `json:"confirmations"`

	kind Kind
}

func (p FlagPayload) payloadKind() Kind { return p.kind }

// StatsPayload is carried by periodic stats.updated events
type StatsPayload struct {
	Network         string `json:"network"`
	TotalFlags      int64  `json:"totalFlags"`
	ConfirmedFlags  int64  `json:"confirmedFlags"`
	ActiveReporters int    `json:"activeReporters"`
	Window          string `json:"window"`
}

func (StatsPayload) payloadKind() Kind { return KindStatsUpdated }

// TransactionPayload is carried by transaction events on case trackers
type TransactionPayload struct {
	Hash          string `json:"hash"`
	CaseSlug      string `json:"caseSlug"`
	Chain         string `json:"chain"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	BlockNumber   uint64 `json:"blockNumber"`
	Confirmations int    `json:"confirmations"`

	kind Kind
}

func (p TransactionPayload) payloadKind() Kind { return p.kind }

// AlertPayload is carried by alert events on case trackers
type AlertPayload struct {
	ID       string `json:"id"`
	CaseSlug string `json:"caseSlug"`
	Severity string `json:"severity"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	TxHash   string `json:"txHash"`

	kind Kind
}

func (p AlertPayload) payloadKind() Kind { return p.kind }
