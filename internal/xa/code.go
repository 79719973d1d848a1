package xa

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is an XA return code as reported by a resource manager.
type Code int

// Return codes shared with resource managers.
const (
	OK        Code = 0
	RDONLY    Code = 3
	RETRY     Code = 4
	HEURMIX   Code = 5
	HEURRB    Code = 6
	HEURCOM   Code = 7
	HEURHAZ   Code = 8
	NOMIGRATE Code = 9

	RBROLLBACK  Code = 100
	RBCOMMFAIL  Code = 101
	RBDEADLOCK  Code = 102
	RBINTEGRITY Code = 103
	RBOTHER     Code = 104
	RBPROTO     Code = 105
	RBTIMEOUT   Code = 106
	RBTRANSIENT Code = 107

	ERASYNC   Code = -2
	ERRMERR   Code = -3
	ERNOTA    Code = -4
	ERINVAL   Code = -5
	ERPROTO   Code = -6
	ERRMFAIL  Code = -7
	ERDUPID   Code = -8
	EROUTSIDE Code = -9
)

var codeNames = map[Code]string{
	OK:          "XA_OK",
	RDONLY:      "XA_RDONLY",
	RETRY:       "XA_RETRY",
	HEURMIX:     "XA_HEURMIX",
	HEURRB:      "XA_HEURRB",
	HEURCOM:     "XA_HEURCOM",
	HEURHAZ:     "XA_HEURHAZ",
	NOMIGRATE:   "XA_NOMIGRATE",
	RBROLLBACK:  "XA_RBROLLBACK",
	RBCOMMFAIL:  "XA_RBCOMMFAIL",
	RBDEADLOCK:  "XA_RBDEADLOCK",
	RBINTEGRITY: "XA_RBINTEGRITY",
	RBOTHER:     "XA_RBOTHER",
	RBPROTO:     "XA_RBPROTO",
	RBTIMEOUT:   "XA_RBTIMEOUT",
	RBTRANSIENT: "XA_RBTRANSIENT",
	ERASYNC:     "XAER_ASYNC",
	ERRMERR:     "XAER_RMERR",
	ERNOTA:      "XAER_NOTA",
	ERINVAL:     "XAER_INVAL",
	ERPROTO:     "XAER_PROTO",
	ERRMFAIL:    "XAER_RMFAIL",
	ERDUPID:     "XAER_DUPID",
	EROUTSIDE:   "XAER_OUTSIDE",
}

// severity ranks codes from most severe (0) to least severe. The ordering
// decides which code a multi-resource transaction reports.
var severity = map[Code]int{
	HEURHAZ:     0,
	HEURMIX:     1,
	HEURCOM:     2,
	HEURRB:      3,
	ERRMFAIL:    4,
	ERRMERR:     5,
	RBINTEGRITY: 6,
	RBCOMMFAIL:  7,
	RBROLLBACK:  8,
	RBOTHER:     9,
	RBDEADLOCK:  10,
	ERPROTO:     11,
	RBPROTO:     12,
	RBTIMEOUT:   13,
	RBTRANSIENT: 14,
	ERINVAL:     15,
	NOMIGRATE:   16,
	EROUTSIDE:   17,
	ERASYNC:     18,
	RETRY:       19,
	ERDUPID:     20,
	ERNOTA:      21,
	OK:          22,
	RDONLY:      23,
}

// String returns the symbolic XA name of c.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// Severity returns the rank of c; lower is more severe. Unknown codes are
// treated as resource manager errors.
func (c Code) Severity() int {
	if rank, ok := severity[c]; ok {
		return rank
	}
	return severity[ERRMERR]
}

// IsRollback reports whether c is one of the XA_RB* codes.
func (c Code) IsRollback() bool {
	return c >= RBROLLBACK && c <= RBTRANSIENT
}

// IsHeuristic reports whether c is a heuristic outcome.
func (c Code) IsHeuristic() bool {
	return c >= HEURMIX && c <= HEURHAZ
}

// Succeeded reports whether c is XA_OK or XA_RDONLY.
func (c Code) Succeeded() bool {
	return c == OK || c == RDONLY
}

// MostSevere returns the most severe code among codes. An empty input yields
// XA_RDONLY, the "nothing happened" outcome.
func MostSevere(codes ...Code) Code {
	result := RDONLY
	for _, code := range codes {
		if code.Severity() < result.Severity() {
			result = code
		}
	}
	return result
}

// ParseCode accepts either a symbolic name (XA_OK, XAER_NOTA, case
// insensitive) or a decimal value.
func ParseCode(raw string) (Code, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("xa: empty code")
	}
	upper := strings.ToUpper(raw)
	for code, name := range codeNames {
		if name == upper {
			return code, nil
		}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("xa: unknown code %q", raw)
	}
	return Code(v), nil
}
