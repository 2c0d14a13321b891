package conntable

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/internal/obs"
)

// Exact sizing constants from spec.md section 4.5 / original_source's
// SphynxTransport.hpp. CollisionMultiplier and CollisionIncrementer are
// chosen so that (multiplier-1) is divisible by every prime factor of
// Size and by 4 when Size%4==0 — the standard Hull-Dobell conditions
// for a full-period linear congruential sequence mod Size.
const (
	Size                 = 32768
	MaxPopulation        = 16384
	CollisionMultiplier  = 71*5861*4 + 1 // 1664525
	CollisionIncrementer = 1013904223
)

var tableLog = obs.New("conntable", "Table")

// Connection is the server-side record for one admitted client: the
// cached handshake material plus the post-handshake AEAD session.
type Connection struct {
	Addr        string
	Challenge   [crypto.ChallengeBytes]byte
	Answer      [crypto.AnswerBytes]byte
	SessionPort uint16
	AEAD        *crypto.AEAD
	InsertedAt  time.Time

	// DebugID correlates this connection's log lines and metrics
	// across the table, the handshake, and the tick loop. It is
	// never sent on the wire.
	DebugID uuid.UUID
}

type slot struct {
	used     bool
	collided bool
	conn     *Connection
}

// Table is the fixed-size open-addressed connection table. The zero
// value is not usable; construct with New.
type Table struct {
	mu         sync.Mutex
	slots      []slot
	population int
	salt       uint32
}

// New creates an empty table with a random per-process salt, so two
// server instances don't share predictable hash collisions.
func New() (*Table, error) {
	var saltBytes [4]byte
	if _, err := rand.Read(saltBytes[:]); err != nil {
		return nil, err
	}
	return &Table{
		slots: make([]slot, Size),
		salt:  binary.LittleEndian.Uint32(saltBytes[:]),
	}, nil
}

// Population returns the current number of admitted connections.
func (t *Table) Population() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.population
}

// Lookup satisfies handshake.Table: it reports the cached handshake
// result for addr, if a slot exists for it.
func (t *Table) Lookup(addr string) (challenge [crypto.ChallengeBytes]byte, answer [crypto.AnswerBytes]byte, sessionPort uint16, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn := t.findLocked(addr)
	if conn == nil {
		return challenge, answer, 0, false
	}
	return conn.Challenge, conn.Answer, conn.SessionPort, true
}

// Get returns the full connection record for addr.
func (t *Table) Get(addr string) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.findLocked(addr)
	return conn, conn != nil
}

// Insert satisfies handshake.Table: it claims a new slot for addr
// carrying the given cached handshake result, returning false if the
// table's population cap has been reached.
func (t *Table) Insert(addr string, challenge [crypto.ChallengeBytes]byte, answer [crypto.AnswerBytes]byte, sessionPort uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.population >= MaxPopulation {
		tableLog.Warn("population cap reached, rejecting insert")
		return false
	}

	conn := &Connection{
		Addr:        addr,
		Challenge:   challenge,
		Answer:      answer,
		SessionPort: sessionPort,
		InsertedAt:  time.Now(),
		DebugID:     uuid.New(),
	}

	idx := t.hash(addr)
	for i := 0; i < Size; i++ {
		s := &t.slots[idx]
		if !s.used {
			s.used = true
			s.conn = conn
			t.population++
			return true
		}
		// traversed-but-occupied slots must be marked collided so a
		// future Lookup for a different key that probes through here
		// keeps walking instead of stopping early.
		s.collided = true
		idx = t.probe(idx)
	}
	// Table is full enough that the probe sequence found no empty slot
	// within one full period; this should not happen below MaxPopulation
	// since Size > MaxPopulation leaves headroom, but fail safe.
	return false
}

// Remove clears addr's slot. Per spec.md section 4.5, Remove clears
// used but preserves collided, since other keys' probe sequences may
// depend on this slot still reading as occupied.
func (t *Table) Remove(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.hash(addr)
	for i := 0; i < Size; i++ {
		s := &t.slots[idx]
		if !s.used && !s.collided {
			return false // miss: definitely not present
		}
		if s.used && s.conn.Addr == addr {
			s.used = false
			s.conn = nil
			t.population--
			return true
		}
		idx = t.probe(idx)
	}
	return false
}

func (t *Table) findLocked(addr string) *Connection {
	idx := t.hash(addr)
	for i := 0; i < Size; i++ {
		s := &t.slots[idx]
		if !s.used && !s.collided {
			return nil
		}
		if s.used && s.conn.Addr == addr {
			return s.conn
		}
		idx = t.probe(idx)
	}
	return nil
}

// hash folds addr's bytes with the table's salt via a 32-bit mixer
// (FNV-1a), then reduces mod Size for the initial slot.
func (t *Table) hash(addr string) uint32 {
	const fnvOffset = 2166136261
	const fnvPrime = 16777619

	h := fnvOffset ^ t.salt
	for i := 0; i < len(addr); i++ {
		h ^= uint32(addr[i])
		h *= fnvPrime
	}
	return h % Size
}

// probe returns the next slot in the linear-congruential sequence.
func (t *Table) probe(idx uint32) uint32 {
	return uint32((uint64(CollisionMultiplier)*uint64(idx) + CollisionIncrementer) % Size)
}
