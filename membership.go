package raft

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Role is the part a server plays in quorum and replication decisions.
type Role uint8

const (
	// RoleStandby replicates the log but never votes.
	RoleStandby Role = iota
	// RoleVoter participates in quorums and replicates the log.
	RoleVoter
	// RoleIdle neither votes nor replicates.
	RoleIdle
)

func (r Role) String() string {
	switch r {
	case RoleVoter:
		return "voter"
	case RoleStandby:
		return "standby"
	case RoleIdle:
		return "idle"
	default:
		return "unknown"
	}
}

func (r Role) valid() bool {
	return r == RoleVoter || r == RoleStandby || r == RoleIdle
}

// Server describes one member of the cluster configuration.
type Server struct {
	ID      ServerID
	Address string
	Role    Role
}

// Configuration is the ordered set of servers that make up a cluster's
// membership at a given point in the log.
type Configuration struct {
	Servers []Server
}

// Clone returns a deep copy, so callers can mutate the result without
// affecting the original (in-memory configurations are adopted by reference
// in several places in this package).
func (c Configuration) Clone() Configuration {
	out := Configuration{Servers: make([]Server, len(c.Servers))}
	copy(out.Servers, c.Servers)
	return out
}

// Get returns the server with the given id, if present.
func (c Configuration) Get(id ServerID) (Server, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return Server{}, false
}

// VoterCount returns the number of servers currently in the voter role.
func (c Configuration) VoterCount() int {
	n := 0
	for _, s := range c.Servers {
		if s.Role == RoleVoter {
			n++
		}
	}
	return n
}

// Quorum returns the strict majority size of the current voter set.
func (c Configuration) Quorum() int {
	return c.VoterCount()/2 + 1
}

// Add returns a new Configuration with the given server appended, enforcing
// the uniqueness and validity invariants of spec.md 4.2.
func (c Configuration) Add(id ServerID, address string, role Role) (Configuration, error) {
	if id == 0 {
		return c, newErr(ErrBadID, "server id must be non-zero")
	}
	if !role.valid() {
		return c, newErr(ErrBadRole, "role %d is not a valid role", role)
	}
	if _, ok := c.Get(id); ok {
		return c, newErr(ErrDuplicateID, "server %d already present", id)
	}
	for _, s := range c.Servers {
		if s.Address == address {
			return c, newErr(ErrDuplicateAddress, "address %q already in use", address)
		}
	}
	out := c.Clone()
	out.Servers = append(out.Servers, Server{ID: id, Address: address, Role: role})
	return out, nil
}

// SetRole returns a new Configuration with id's role changed to role.
func (c Configuration) SetRole(id ServerID, role Role) (Configuration, error) {
	if !role.valid() {
		return c, newErr(ErrBadRole, "role %d is not a valid role", role)
	}
	if _, ok := c.Get(id); !ok {
		return c, newErr(ErrBadID, "server %d not present", id)
	}
	out := c.Clone()
	for i := range out.Servers {
		if out.Servers[i].ID == id {
			out.Servers[i].Role = role
		}
	}
	return out, nil
}

// Remove returns a new Configuration with id removed.
func (c Configuration) Remove(id ServerID) (Configuration, error) {
	if _, ok := c.Get(id); !ok {
		return c, newErr(ErrBadID, "server %d not present", id)
	}
	out := Configuration{Servers: make([]Server, 0, len(c.Servers)-1)}
	for _, s := range c.Servers {
		if s.ID != id {
			out.Servers = append(out.Servers, s)
		}
	}
	return out, nil
}

// configVersion is the wire format version; see spec.md §6.
const configVersion uint8 = 1

// Encode serializes the configuration using the versioned, self-describing,
// bit-exact binary format required by spec.md §6: a {version, n_servers}
// header followed by one {id, role, NUL-terminated address padded to an
// 8-byte boundary} record per server, in declaration order.
//
// This is deliberately not a general-purpose serialization library: the
// wire format is pinned byte-for-byte so that encode/decode round-trip
// identically across every implementation of this protocol.
func (c Configuration) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := buf.WriteByte(configVersion); err != nil {
		return nil, wrapErr(ErrIOErr, err, "write version")
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(c.Servers))); err != nil {
		return nil, wrapErr(ErrIOErr, err, "write n_servers")
	}
	for _, s := range c.Servers {
		if err := binary.Write(&buf, binary.LittleEndian, uint64(s.ID)); err != nil {
			return nil, wrapErr(ErrIOErr, err, "write id")
		}
		if err := buf.WriteByte(byte(s.Role)); err != nil {
			return nil, wrapErr(ErrIOErr, err, "write role")
		}
		addr := append([]byte(s.Address), 0)
		if pad := paddedLen(len(addr)) - len(addr); pad > 0 {
			addr = append(addr, make([]byte, pad)...)
		}
		if _, err := buf.Write(addr); err != nil {
			return nil, wrapErr(ErrIOErr, err, "write address")
		}
	}
	return buf.Bytes(), nil
}

// paddedLen rounds n up to the next multiple of 8.
func paddedLen(n int) int {
	if rem := n % 8; rem != 0 {
		return n + (8 - rem)
	}
	return n
}

// DecodeConfiguration parses the wire format produced by Configuration.Encode.
func DecodeConfiguration(data []byte) (Configuration, error) {
	r := bytes.NewReader(data)
	version, err := r.ReadByte()
	if err != nil {
		return Configuration{}, newErr(ErrMalformed, "truncated configuration: missing version")
	}
	if version != configVersion {
		return Configuration{}, newErr(ErrMalformed, "unsupported configuration version %d", version)
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return Configuration{}, newErr(ErrMalformed, "truncated configuration: missing n_servers")
	}
	conf := Configuration{Servers: make([]Server, 0, n)}
	for i := uint64(0); i < n; i++ {
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return Configuration{}, newErr(ErrMalformed, "truncated configuration: server %d id", i)
		}
		roleByte, err := r.ReadByte()
		if err != nil {
			return Configuration{}, newErr(ErrMalformed, "truncated configuration: server %d role", i)
		}
		role := Role(roleByte)
		if !role.valid() {
			return Configuration{}, newErr(ErrMalformed, "server %d has invalid role %d", i, roleByte)
		}
		addr, err := readPaddedString(r)
		if err != nil {
			return Configuration{}, newErr(ErrMalformed, "server %d address: %v", i, err)
		}
		conf.Servers = append(conf.Servers, Server{ID: ServerID(id), Address: addr, Role: role})
	}
	return conf, nil
}

// readPaddedString reads a NUL-terminated string followed by zero padding up
// to the next 8-byte boundary (counted from the start of the string field),
// and returns the string without its terminator or padding.
func readPaddedString(r *bytes.Reader) (string, error) {
	var raw []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", io.ErrUnexpectedEOF
		}
		if b == 0 {
			break
		}
		raw = append(raw, b)
	}
	consumed := len(raw) + 1
	pad := paddedLen(consumed) - consumed
	for i := 0; i < pad; i++ {
		if _, err := r.ReadByte(); err != nil {
			return "", io.ErrUnexpectedEOF
		}
	}
	return string(raw), nil
}
