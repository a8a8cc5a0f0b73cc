package domain

// ChangeKind is the type of a change-feed event.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Change is a single event from the remote change feed. Insert and Update
// carry New; Delete carries Old. Old may be partial (often only the id).
type Change struct {
	Kind ChangeKind
	Old  *Record
	New  *Record
}

// RecordID returns the id the change refers to.
func (c Change) RecordID() string {
	if c.New != nil && c.New.ID != "" {
		return c.New.ID
	}
	if c.Old != nil {
		return c.Old.ID
	}
	return ""
}

// ConnectionState describes the health of a change-feed subscription.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateClosed       ConnectionState = "closed"
)
