package rdma

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Link layers reported in PortAttr.
const (
	LinkLayerInfiniBand = "InfiniBand"
	LinkLayerEthernet   = "Ethernet"
)

// GID is a 128-bit global identifier from a port's GID table.
type GID [16]byte

// String renders the GID as eight colon separated groups of four hex
// digits, the format accepted by ParseGID.
func (g GID) String() string {
	var sb strings.Builder

	for i := 0; i < len(g); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}

		sb.WriteString(hex.EncodeToString(g[i : i+2]))
	}

	return sb.String()
}

// IsZero reports whether every byte of the GID is zero.
func (g GID) IsZero() bool {
	return g == GID{}
}

// ParseGID parses "xxxx:xxxx:xxxx:xxxx:xxxx:xxxx:xxxx:xxxx". ok is false
// unless all 16 bytes were read.
func ParseGID(s string) (GID, bool) {
	var gid GID

	groups := strings.Split(s, ":")
	if len(groups) != len(gid)/2 {
		return GID{}, false
	}

	for i, group := range groups {
		if len(group) != 4 {
			return GID{}, false
		}

		if _, err := hex.Decode(gid[i*2:i*2+2], []byte(group)); err != nil {
			return GID{}, false
		}
	}

	return gid, true
}

// GIDSelector picks the GID a port advertises. When LocalGID is empty or
// malformed the port uses GID index 0.
type GIDSelector struct {
	LocalGID    string
	RoCEVersion GIDType
}

// Port is one physical port of an opened device, with the GID selected
// for it. It is immutable after construction.
type Port struct {
	attr     PortAttr
	number   uint8
	gidIndex int
	gid      GID
}

// NewPort queries port portNum (1-based) of ctx and resolves its GID.
//
// A well-formed sel.LocalGID is searched for in the port's GID table among
// entries of type sel.RoCEVersion; failing to find it is fatal.
func NewPort(v Verbs, ctx VerbsContext, portNum uint8, sel GIDSelector) (*Port, error) {
	attr, err := v.QueryPort(ctx, portNum)
	if err != nil {
		return nil, fatal("", fmt.Sprintf("query port %d", portNum), fmt.Errorf("%w: %w", ErrQueryPort, err))
	}

	p := &Port{
		attr:   *attr,
		number: portNum,
	}

	target, ok := ParseGID(sel.LocalGID)
	if !ok {
		if sel.LocalGID != "" {
			log.Warn().
				Str("local_gid", sel.LocalGID).
				Uint8("port", portNum).
				Msg("Malformed local GID, falling back to GID index 0")
		}

		p.gid, err = v.QueryGID(ctx, portNum, 0)
		if err != nil {
			return nil, fatal("", fmt.Sprintf("query gid %d/0", portNum), fmt.Errorf("%w: %w", ErrQueryGID, err))
		}

		return p, nil
	}

	for i := 0; i < attr.GIDTableLen; i++ {
		gid, err := v.QueryGID(ctx, portNum, i)
		if err != nil {
			return nil, fatal("", fmt.Sprintf("query gid %d/%d", portNum, i), fmt.Errorf("%w: %w", ErrQueryGID, err))
		}

		typ, err := v.QueryGIDType(ctx, portNum, i)
		if err != nil {
			return nil, fatal("", fmt.Sprintf("query gid type %d/%d", portNum, i), fmt.Errorf("%w: %w", ErrQueryGID, err))
		}

		if typ == sel.RoCEVersion && gid == target {
			p.gid = gid
			p.gidIndex = i

			log.Debug().
				Uint8("port", portNum).
				Int("gid_index", i).
				Str("gid", gid.String()).
				Str("gid_type", typ.String()).
				Msg("Selected port GID")

			return p, nil
		}
	}

	return nil, fatal("", fmt.Sprintf("select gid on port %d", portNum),
		fmt.Errorf("%w: %s (%s)", ErrGIDNotFound, target, sel.RoCEVersion))
}

// Number returns the 1-based port number.
func (p *Port) Number() uint8 { return p.number }

// Attr returns the port attributes captured at construction.
func (p *Port) Attr() PortAttr { return p.attr }

// GID returns the selected GID.
func (p *Port) GID() GID { return p.gid }

// GIDIndex returns the index of the selected GID in the port's table.
func (p *Port) GIDIndex() int { return p.gidIndex }

// LID returns the port's local identifier.
func (p *Port) LID() uint16 { return p.attr.LID }

// State returns the port state captured at construction.
func (p *Port) State() PortState { return p.attr.State }

// Active reports whether the port was active when queried.
func (p *Port) Active() bool { return p.attr.State == PortStateActive }
