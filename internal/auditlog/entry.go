package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash anchors the chain. All later entry hashes chain from this
// constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Actions recorded in the log.
const (
	ActionGenesis    = "genesis"
	ActionRegister   = "register"
	ActionDeregister = "deregister"
	ActionVote       = "vote"
	ActionPeerVote   = "peer_vote"
)

// Entry is one record in the audit log.
type Entry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"` // agent DID or peer node id the event is about
	Action    string    `json:"action"`
	Actor     string    `json:"actor"` // DID or node id that caused the event
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// hashEntry computes the deterministic SHA-256 hash over an entry's fields.
// Must not be called on the genesis entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Subject, e.Action, e.Actor, e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
