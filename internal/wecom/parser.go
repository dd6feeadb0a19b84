package wecom

import (
	"encoding/json"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/oldoneme/quote-approval-service/internal/errors"
)

// ApprovalEvent is the canonical record extracted from a callback payload.
type ApprovalEvent struct {
	EventType      string
	EventID        string // may be empty; the pipeline synthesizes one
	ApprovalNumber string // the platform's approval number (SpNo)
	CorrelationID  string // our reference carried by the platform (ThirdNo)
	RawStatus      int    // platform status code, unmapped
}

// Match is the result of one field extraction: either Found with a value or
// Missing. Extraction rules return the first non-empty match.
type Match struct {
	Value string
	Found bool
}

// Extraction rules, evaluated in order. The platform varies field casing and
// nesting between deployments; key comparison is case-insensitive, so each
// path only needs to appear once per structural/underscore variant.
var (
	eventTypePaths = [][]string{
		{"Event"}, {"EventType"}, {"event_type"}, {"MsgType"},
	}
	eventIDPaths = [][]string{
		{"EventID"}, {"event_id"}, {"ApprovalInfo", "EventID"},
	}
	approvalNumberPaths = [][]string{
		{"ApprovalInfo", "SpNo"}, {"ApprovalInfo", "sp_no"},
		{"SpNo"}, {"sp_no"}, {"approval_number"},
	}
	correlationIDPaths = [][]string{
		{"ApprovalInfo", "ThirdNo"}, {"ApprovalInfo", "third_no"},
		{"ThirdNo"}, {"third_no"}, {"correlation_id"},
	}
	rawStatusPaths = [][]string{
		{"ApprovalInfo", "SpStatus"}, {"ApprovalInfo", "sp_status"},
		{"SpStatus"}, {"sp_status"}, {"status"},
	}
)

// ParseApprovalEvent extracts a canonical event from a JSON or XML payload.
// JSON is tried first. Missing optional fields never fail; only a payload
// that yields no usable document, no approval reference, or no status code
// is a parse failure.
func ParseApprovalEvent(body []byte) (*ApprovalEvent, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return nil, err
	}

	evt := &ApprovalEvent{}
	if m := extract(doc, eventTypePaths); m.Found {
		evt.EventType = m.Value
	}
	if m := extract(doc, eventIDPaths); m.Found {
		evt.EventID = m.Value
	}
	if m := extract(doc, approvalNumberPaths); m.Found {
		evt.ApprovalNumber = m.Value
	}
	if m := extract(doc, correlationIDPaths); m.Found {
		evt.CorrelationID = m.Value
	}

	if evt.ApprovalNumber == "" && evt.CorrelationID == "" {
		return nil, errors.New(errors.ErrCodeParse,
			"payload carries neither an approval number nor a correlation id")
	}

	status := extract(doc, rawStatusPaths)
	if !status.Found {
		return nil, errors.New(errors.ErrCodeParse, "payload carries no status code")
	}
	code, err := strconv.Atoi(status.Value)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeParse, "status code %q is not numeric", status.Value)
	}
	evt.RawStatus = code

	return evt, nil
}

// encryptPaths locates the ciphertext field in a callback body.
var encryptPaths = [][]string{
	{"Encrypt"}, {"encrypt"}, {"xml", "Encrypt"},
}

// ExtractEncrypted pulls the base64 ciphertext out of a callback body,
// which arrives as either XML or JSON depending on the deployment.
func ExtractEncrypted(body []byte) (string, error) {
	doc, err := parseDocument(body)
	if err != nil {
		return "", err
	}
	m := extract(doc, encryptPaths)
	if !m.Found {
		return "", errors.New(errors.ErrCodeParse, "callback body carries no Encrypt field")
	}
	return m.Value, nil
}

// parseDocument tries JSON first, then XML.
func parseDocument(body []byte) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New(errors.ErrCodeParse, "empty payload")
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
		return doc, nil
	}

	doc, err := xmlToMap([]byte(trimmed))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeParse, "payload is neither JSON nor XML")
	}
	return doc, nil
}

// extract evaluates paths in order against doc and returns the first
// non-empty match.
func extract(doc map[string]any, paths [][]string) Match {
	for _, path := range paths {
		if m := lookup(doc, path); m.Found && m.Value != "" {
			return m
		}
	}
	return Match{}
}

// lookup walks one path through nested maps with case-insensitive keys.
func lookup(node any, path []string) Match {
	current := node
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return Match{}
		}
		current = nil
		for k, v := range m {
			if strings.EqualFold(k, key) {
				current = v
				break
			}
		}
		if current == nil {
			return Match{}
		}
	}
	return stringify(current)
}

func stringify(v any) Match {
	switch t := v.(type) {
	case string:
		return Match{Value: strings.TrimSpace(t), Found: true}
	case float64:
		return Match{Value: strconv.FormatFloat(t, 'f', -1, 64), Found: true}
	case bool:
		return Match{Value: strconv.FormatBool(t), Found: true}
	case json.Number:
		return Match{Value: t.String(), Found: true}
	default:
		return Match{}
	}
}

// xmlToMap converts an XML document into nested maps. Leaf elements become
// trimmed strings (CDATA included); repeated siblings keep the last value,
// which matches how the platform sends single-valued fields.
func xmlToMap(data []byte) (map[string]any, error) {
	dec := xml.NewDecoder(strings.NewReader(string(data)))

	// Find the root element.
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return xmlElement(dec, start)
		}
	}
}

func xmlElement(dec *xml.Decoder, start xml.StartElement) (map[string]any, error) {
	children := make(map[string]any)
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := xmlElement(dec, t)
			if err != nil {
				return nil, err
			}
			if len(child) == 1 {
				// xmlElement wraps leaves as {"#text": value}; unwrap them.
				if v, ok := child["#text"]; ok {
					children[t.Name.Local] = v
					continue
				}
			}
			delete(child, "#text")
			children[t.Name.Local] = child
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				return map[string]any{"#text": strings.TrimSpace(text.String())}, nil
			}
			return children, nil
		}
	}
}
