package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Submission is one inbound form delivery from the mobile data-collection
// platform. It is immutable once parsed and never persisted as-is; intake
// turns it into at most one Visit.
type Submission struct {
	// Core identifiers
	Domain       string `json:"domain"`
	SubmissionID string `json:"id"`
	AppID        string `json:"app_id"`
	BuildID      string `json:"build_id"`

	// Server-side receive time
	ReceivedOn time.Time `json:"received_on"`

	// Raw nested form tree as submitted
	Form map[string]any `json:"form"`

	// Client-reported metadata block
	Metadata SubmissionMetadata `json:"metadata"`

	// Attachment names delivered alongside the form. The form's own XML
	// payload is always present here and is not counted as an attachment.
	Attachments []string `json:"attachments,omitempty"`
}

// SubmissionMetadata carries the client-reported submission metadata.
type SubmissionMetadata struct {
	TimeStart       time.Time `json:"timeStart"`
	TimeEnd         time.Time `json:"timeEnd"`
	AppBuildVersion string    `json:"app_build_version"`
	Username        string    `json:"username"`
	Location        string    `json:"location"` // raw GPS string: "lat lon alt accuracy"
}

// VisitDate returns the client-reported visit date (the date component of
// the client start time, UTC). Daily limit counting keys on this, not on
// server arrival time.
func (s *Submission) VisitDate() time.Time {
	t := s.Metadata.TimeStart.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Duration returns the client-reported form-entry duration.
func (s *Submission) Duration() time.Duration {
	return s.Metadata.TimeEnd.Sub(s.Metadata.TimeStart)
}

// DeliverBlock is one claimed deliverable inside a submitted form: the
// deliver-unit slug plus the beneficiary entity it was performed for.
type DeliverBlock struct {
	DeliverUnit string
	EntityID    string
	EntityName  string
}

// DeliverBlocks walks the form tree and collects every deliver block.
// A deliver block is any nested object carrying both a "deliver_unit" and
// an "entity_id" key. Results are sorted for deterministic processing.
func (s *Submission) DeliverBlocks() []DeliverBlock {
	var blocks []DeliverBlock
	collectDeliverBlocks(s.Form, &blocks)
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].DeliverUnit != blocks[j].DeliverUnit {
			return blocks[i].DeliverUnit < blocks[j].DeliverUnit
		}
		return blocks[i].EntityID < blocks[j].EntityID
	})
	return blocks
}

func collectDeliverBlocks(node any, out *[]DeliverBlock) {
	switch v := node.(type) {
	case map[string]any:
		unit, hasUnit := v["deliver_unit"]
		entity, hasEntity := v["entity_id"]
		if hasUnit && hasEntity {
			block := DeliverBlock{
				DeliverUnit: asString(unit),
				EntityID:    asString(entity),
			}
			if name, ok := v["entity_name"]; ok {
				block.EntityName = asString(name)
			}
			*out = append(*out, block)
			return
		}
		for _, child := range v {
			collectDeliverBlocks(child, out)
		}
	case []any:
		for _, child := range v {
			collectDeliverBlocks(child, out)
		}
	}
}

// FormValues resolves a slash-separated path against the form tree and
// returns every value found at that path. List nodes fan out: each element
// is descended into. Scalars are stringified so rule comparison is uniform.
func (s *Submission) FormValues(path string) []string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	nodes := []any{any(s.Form)}
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		var next []any
		for _, n := range nodes {
			switch v := n.(type) {
			case map[string]any:
				if child, ok := v[seg]; ok {
					next = append(next, child)
				}
			case []any:
				for _, el := range v {
					if m, ok := el.(map[string]any); ok {
						if child, ok := m[seg]; ok {
							next = append(next, child)
						}
					}
				}
			}
		}
		nodes = next
		if len(nodes) == 0 {
			return nil
		}
	}

	values := make([]string, 0, len(nodes))
	for _, n := range nodes {
		switch n.(type) {
		case map[string]any, []any:
			// Only leaf values participate in form-value assertions.
		default:
			values = append(values, asString(n))
		}
	}
	return values
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}
