// Package sync implements the incremental sync engine: per-entity
// executors (spec.md §4.4), per-source schedulers (§4.5), and a global
// coordinator driving periodic rounds (§4.6).
package sync

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/typhfeng/poly-pnl/registry"
)

// PageSize is the fixed GraphQL page size, spec.md §6.1.
const PageSize = 1000

// buildQuery constructs the GraphQL request body for one page, per the
// pagination rules of spec.md §4.4.1/§6.1.
func buildQuery(e registry.Entity, cursor string, skip int64) []byte {
	fields := strings.Join(e.WireFields, " ")

	var args []string
	args = append(args, fmt.Sprintf("first: %d", PageSize))

	switch e.Mode {
	case registry.ModeID:
		args = append(args, "orderBy: id", "orderDirection: asc")
		if cursor != "" {
			args = append(args, fmt.Sprintf(`where: { id_gt: %q }`, cursor))
		}
	case registry.ModeTimestamp, registry.ModeResolutionTS:
		args = append(args, fmt.Sprintf("orderBy: %s", e.OrderField), "orderDirection: asc")
		where := cursor
		if where == "" {
			where = "0"
		}
		args = append(args, fmt.Sprintf("where: { %s_gte: %s }", e.OrderField, where))
		args = append(args, fmt.Sprintf("skip: %d", skip))
	}

	query := fmt.Sprintf("{ %s(%s) { %s } }", e.Plural, strings.Join(args, ", "), fields)
	body, _ := json.Marshal(map[string]string{"query": query})
	return body
}

// graphQLEnvelope is the shape of a subgraph response.
type graphQLEnvelope struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []graphQLError             `json:"errors"`
}

type graphQLError struct {
	Message string `json:"message"`
}

// parseErrKind classifies what went wrong decoding/validating a response
// body, per the taxonomy of spec.md §7.1. parsePage returns parseOK only
// for a successfully-shaped response, in which case rows holds the decoded
// page.
type parseErrKind int

const (
	parseOK parseErrKind = iota
	parseJSON
	parseGraphQL
	parseFormat
)

func parsePage(e registry.Entity, body []byte) (rows []map[string]any, errMsgs []string, kind parseErrKind) {
	var env graphQLEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, parseJSON
	}

	if len(env.Errors) > 0 {
		msgs := make([]string, len(env.Errors))
		for i, e := range env.Errors {
			msgs[i] = e.Message
		}
		return nil, msgs, parseGraphQL
	}

	raw, ok := env.Data[e.Plural]
	if !ok {
		return nil, nil, parseFormat
	}

	var decoded []map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, parseFormat
	}

	return decoded, nil, parseOK
}

// badIndexersRe matches the textual indexer-failure list embedded in a
// GraphQL error message, per spec.md §4.4.4:
//
//	bad indexers: { idx1: BadResponse(reason), idx2: Unavailable }
var badIndexersRe = regexp.MustCompile(`bad indexers:\s*\{([^}]*)\}`)

// entryRe splits one "<id>: <reason>" entry inside the braces.
var entryRe = regexp.MustCompile(`\s*([^:,]+?)\s*:\s*([^,]+)`)

// parseBadIndexers returns the IDs of the indexers whose reason begins
// with "BadResponse" in a GraphQL error message. Other reasons (notably
// "Unavailable") are deliberately excluded, per spec.md §4.4.4.
func parseBadIndexers(msg string) []string {
	m := badIndexersRe.FindStringSubmatch(msg)
	if m == nil {
		return nil
	}
	var ids []string
	for _, entry := range entryRe.FindAllStringSubmatch(m[1], -1) {
		id := strings.TrimSpace(entry[1])
		reason := strings.TrimSpace(entry[2])
		if strings.HasPrefix(reason, "BadResponse") {
			ids = append(ids, id)
		}
	}
	return ids
}

// orderFieldValue extracts the raw string value of the entity's order field
// from a decoded row, used for cursor advancement under TIMESTAMP/RESOLUTION_TS
// modes. Numeric and string wire encodings are both accepted.
func orderFieldValue(e registry.Entity, row map[string]any) (string, bool) {
	v, ok := row[e.OrderField]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func rowID(row map[string]any) string {
	if v, ok := row["id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
