package relay

import (
	"encoding/json"
	"strings"
	"time"

	relayerr "github.com/vinayprograms/relaykit/errors"
	"github.com/vinayprograms/relaykit/logging"
	"github.com/vinayprograms/relaykit/state"
)

const (
	// roleKeyPrefix namespaces persisted role records in the store.
	roleKeyPrefix = "conn."

	// RoleRecordTTL bounds how long a role record outlives its
	// connection. Records are deleted on clean detach; the TTL catches
	// crashes that never got there.
	RoleRecordTTL = 24 * time.Hour
)

// RoleRecord is the durable tag written for each live connection so a
// restarted relay can tell what it was talking to.
type RoleRecord struct {
	Role      Role   `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
}

// RoleKey returns the store key for a connection's role record.
func RoleKey(connID string) string {
	return roleKeyPrefix + connID
}

// SaveRole persists a role record for connID.
func SaveRole(store state.Store, connID string, rec RoleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return relayerr.Wrap(err, "encode role record", relayerr.WithConn(connID))
	}
	return store.Put(RoleKey(connID), data, RoleRecordTTL)
}

// DeleteRole removes the role record for connID. A missing record is
// not an error.
func DeleteRole(store state.Store, connID string) error {
	if err := store.Delete(RoleKey(connID)); err != nil && err != state.ErrNotFound {
		return err
	}
	return nil
}

// ConnLister enumerates connections that survived a restart. Platforms
// that hand sockets across process boundaries implement this; a nil
// lister means nothing survived and the scan only prunes the store.
type ConnLister interface {
	LiveConns() ([]Conn, error)
}

// ScanResult is the roster a recovery scan reconstructed.
type ScanResult struct {
	// Upstream is the re-adopted worker connection, nil when none of
	// the surviving connections carried an upstream tag.
	Upstream Conn

	// Downstreams are the surviving broadcast subscribers.
	Downstreams []Conn

	// Sessions are protocol session ids found in the store. Their
	// transports do not survive restarts; clients reconnect and the
	// registry replaces them, so these are reported, not restored.
	Sessions []string

	// Conflicts counts extra upstream connections beyond the first.
	// The first one scanned wins; the rest are closed.
	Conflicts int
}

// Scanner rebuilds the relay's connection roster after a restart from
// persisted role records plus whatever connections the platform still
// holds open.
type Scanner struct {
	store  state.Store
	lister ConnLister
	logger *logging.Logger
}

// NewScanner creates a recovery scanner. lister may be nil.
func NewScanner(store state.Store, lister ConnLister, logger *logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.New()
	}
	return &Scanner{store: store, lister: lister, logger: logger.WithComponent("recovery")}
}

// Scan matches every persisted role record against the surviving
// connections. Records whose connection is gone are pruned, as are
// records that no longer parse. Duplicate upstream tags are resolved
// first-wins: later ones are closed and counted as conflicts.
func (s *Scanner) Scan() (ScanResult, error) {
	live := make(map[string]Conn)
	if s.lister != nil {
		conns, err := s.lister.LiveConns()
		if err != nil {
			return ScanResult{}, relayerr.Wrap(err, "enumerate live connections")
		}
		for _, c := range conns {
			live[c.ID()] = c
		}
	}

	keys, err := s.store.Keys(roleKeyPrefix + "*")
	if err != nil {
		return ScanResult{}, relayerr.Wrap(err, "list role records")
	}

	var result ScanResult
	for _, key := range keys {
		connID := strings.TrimPrefix(key, roleKeyPrefix)

		data, err := s.store.Get(key)
		if err != nil {
			if err == state.ErrNotFound {
				continue
			}
			return ScanResult{}, relayerr.Wrap(err, "read role record", relayerr.WithConn(connID))
		}

		var rec RoleRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("purging unreadable role record", map[string]interface{}{"conn_id": connID})
			s.store.Delete(key)
			continue
		}

		if rec.Role == RoleSession {
			result.Sessions = append(result.Sessions, connID)
			continue
		}

		c, alive := live[connID]
		if !alive {
			s.store.Delete(key)
			continue
		}

		switch rec.Role {
		case RoleUpstream:
			if result.Upstream != nil {
				result.Conflicts++
				s.logger.Warn("duplicate upstream connection closed", map[string]interface{}{
					"kept":   result.Upstream.ID(),
					"closed": connID,
				})
				c.Close(1008, "duplicate upstream")
				s.store.Delete(key)
				continue
			}
			result.Upstream = c
		case RoleDownstream:
			result.Downstreams = append(result.Downstreams, c)
		default:
			s.logger.Warn("purging role record with unknown role", map[string]interface{}{
				"conn_id": connID,
				"role":    string(rec.Role),
			})
			s.store.Delete(key)
		}
	}

	s.logger.RecoveryScan(result.Upstream != nil, len(result.Downstreams), len(result.Sessions), result.Conflicts)
	return result, nil
}

// Restore hands the recovered roster to the gateway. When both an
// upstream and at least one downstream survived, every downstream gets
// exactly one restored status so already-open clients observe the
// recovered state without reconnecting.
func (s *Scanner) Restore(g *Gateway, result ScanResult) {
	g.do(func() {
		for _, c := range result.Downstreams {
			g.downstreams[c.ID()] = c
		}
		if result.Upstream != nil {
			g.upstream.Attach(result.Upstream)
			if len(result.Downstreams) > 0 {
				g.broadcast(NewRestoredStatus().Encode(), VerbStatus)
			}
		}
	})
}
