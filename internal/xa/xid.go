package xa

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxGTRIDSize is the XA limit for the global transaction part of an XID.
	MaxGTRIDSize = 64
	// MaxBQUALSize is the XA limit for the branch qualifier.
	MaxBQUALSize = 64
	// DefaultFormatID is the format identifier used for generated XIDs.
	DefaultFormatID int64 = 0x58544d // "XTM"
	// NullFormatID marks the null XID.
	NullFormatID int64 = -1
)

// Flags carries XA request flags.
type Flags int64

// Flags understood by the manager.
const (
	TMNOFLAGS  Flags = 0x00000000
	TMJOIN     Flags = 0x00200000
	TMRESUME   Flags = 0x08000000
	TMSUCCESS  Flags = 0x04000000
	TMFAIL     Flags = 0x20000000
	TMONEPHASE Flags = 0x40000000
)

// Has reports whether all bits of flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// RMID identifies a resource. Configured resource proxies have positive ids,
// external resources negative ones.
type RMID int

// Local reports whether id names a configured resource proxy.
func (id RMID) Local() bool { return id > 0 }

// Remote reports whether id names an external resource.
func (id RMID) Remote() bool { return id < 0 }

// XID is an XA transaction branch identifier: the global transaction id plus
// a branch qualifier.
type XID struct {
	FormatID int64
	GTRID    []byte
	BQUAL    []byte
}

// NewXID generates a fresh XID with random global and branch parts.
func NewXID() XID {
	g := uuid.New()
	b := uuid.New()
	return XID{FormatID: DefaultFormatID, GTRID: g[:], BQUAL: b[:]}
}

// Branch returns a new XID sharing x's global part with a fresh qualifier.
func (x XID) Branch() XID {
	b := uuid.New()
	return XID{FormatID: x.FormatID, GTRID: append([]byte(nil), x.GTRID...), BQUAL: b[:]}
}

// IsNull reports whether x is the null XID.
func (x XID) IsNull() bool {
	return x.FormatID == NullFormatID || len(x.GTRID) == 0
}

// Global returns the key identifying the distributed transaction.
func (x XID) Global() string {
	return strconv.FormatInt(x.FormatID, 10) + ":" + hex.EncodeToString(x.GTRID)
}

// String renders x as formatID:gtrid:bqual with hex encoded parts.
func (x XID) String() string {
	if x.IsNull() {
		return "null"
	}
	return x.Global() + ":" + hex.EncodeToString(x.BQUAL)
}

// Equal reports whether both XIDs name the same branch.
func (x XID) Equal(other XID) bool {
	return x.FormatID == other.FormatID && bytes.Equal(x.GTRID, other.GTRID) && bytes.Equal(x.BQUAL, other.BQUAL)
}

// Validate checks the XA size limits.
func (x XID) Validate() error {
	if x.IsNull() {
		return errors.New("xa: null xid")
	}
	if len(x.GTRID) > MaxGTRIDSize {
		return fmt.Errorf("xa: gtrid exceeds %d bytes", MaxGTRIDSize)
	}
	if len(x.BQUAL) > MaxBQUALSize {
		return fmt.Errorf("xa: bqual exceeds %d bytes", MaxBQUALSize)
	}
	return nil
}

// ParseXID parses the String form.
func ParseXID(raw string) (XID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return XID{FormatID: NullFormatID}, nil
	}
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return XID{}, fmt.Errorf("xa: malformed xid %q", raw)
	}
	format, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return XID{}, fmt.Errorf("xa: malformed format id: %w", err)
	}
	gtrid, err := hex.DecodeString(parts[1])
	if err != nil {
		return XID{}, fmt.Errorf("xa: malformed gtrid: %w", err)
	}
	bqual, err := hex.DecodeString(parts[2])
	if err != nil {
		return XID{}, fmt.Errorf("xa: malformed bqual: %w", err)
	}
	x := XID{FormatID: format, GTRID: gtrid, BQUAL: bqual}
	if err := x.Validate(); err != nil {
		return XID{}, err
	}
	return x, nil
}

// MarshalText implements encoding.TextMarshaler.
func (x XID) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (x *XID) UnmarshalText(text []byte) error {
	parsed, err := ParseXID(string(text))
	if err != nil {
		return err
	}
	*x = parsed
	return nil
}
