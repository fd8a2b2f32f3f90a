package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type Logger interface {
	Printf(format string, args ...any)
}

const recordSchemaURL = "https://taskmirror.local/taskrecord.json"

const recordSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "title"],
	"properties": {
		"id": {"type": ["string", "integer"], "pattern": "\\S"},
		"title": {"type": "string", "pattern": "\\S"},
		"status": {"type": ["string", "null"]}
	}
}`

// envelopeKeys are tried in order when the payload is an object.
var envelopeKeys = []string{"results", "tasks", "data"}

const maxEnvelopeDepth = 4

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func recordValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(recordSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(recordSchemaURL)
	})
	return compiledSchema, schemaErr
}

// DecodeAvailable normalizes an available-tasks response body. The body may
// be a bare array or an object nesting the array under results, tasks or
// data. Items that fail validation are logged and dropped; only a body
// matching none of the shapes is an error.
func DecodeAvailable(data []byte, logger Logger) ([]Record, error) {
	items, err := extractItems(data, 0)
	if err != nil {
		return nil, err
	}
	validator, err := recordValidator()
	if err != nil {
		return nil, fmt.Errorf("compile record schema: %w", err)
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		record, err := decodeItem(validator, item, logger)
		if err != nil {
			logf(logger, "tasks: dropping item %d: %v", i, err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func extractItems(data []byte, depth int) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || depth > maxEnvelopeDepth {
		return nil, ErrUnrecognizedPayload
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
		}
		return items, nil
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedPayload, err)
		}
		for _, key := range envelopeKeys {
			nested, ok := envelope[key]
			if !ok {
				continue
			}
			if items, err := extractItems(nested, depth+1); err == nil {
				return items, nil
			}
		}
	}
	return nil, ErrUnrecognizedPayload
}

func decodeItem(validator *jsonschema.Schema, item json.RawMessage, logger Logger) (Record, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(item))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := validator.Validate(instance); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var wire wireRecord
	if err := json.Unmarshal(item, &wire); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return wire.normalize(logger), nil
}

type wireRecord struct {
	ID              flexString `json:"id"`
	Title           string     `json:"title"`
	Location        string     `json:"location"`
	Address         string     `json:"address"`
	Deadline        string     `json:"deadline"`
	DueDate         string     `json:"due_date"`
	PriceRange      *wirePrice `json:"price_range"`
	PriceRangeCamel *wirePrice `json:"priceRange"`
	BudgetMin       flexFloat  `json:"budget_min"`
	BudgetMax       flexFloat  `json:"budget_max"`
	Price           flexFloat  `json:"price"`
	Status          string     `json:"status"`
	Owner           *wireOwner `json:"owner"`
	Poster          *wireOwner `json:"poster"`
	User            *wireOwner `json:"user"`
}

type wirePrice struct {
	Min flexFloat `json:"min"`
	Max flexFloat `json:"max"`
}

type wireOwner struct {
	DisplayName      string `json:"display_name"`
	DisplayNameCamel string `json:"displayName"`
	Username         string `json:"username"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Avatar           string `json:"avatar"`
	AvatarURL        string `json:"avatar_url"`
	AvatarRef        string `json:"avatarRef"`
}

// UnmarshalJSON also accepts a bare username string.
func (o *wireOwner) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var name string
		if err := json.Unmarshal(trimmed, &name); err != nil {
			return err
		}
		*o = wireOwner{Username: name}
		return nil
	}
	type plain wireOwner
	var out plain
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return err
	}
	*o = wireOwner(out)
	return nil
}

func (w wireRecord) normalize(logger Logger) Record {
	record := Record{
		ID:       strings.TrimSpace(string(w.ID)),
		Title:    strings.TrimSpace(w.Title),
		Location: firstNonEmpty(w.Location, w.Address),
		Deadline: firstNonEmpty(w.Deadline, w.DueDate),
		Origin:   OriginRemote,
	}

	switch {
	case w.PriceRange != nil:
		record.PriceRange = PriceRange{Min: float64(w.PriceRange.Min), Max: float64(w.PriceRange.Max)}
	case w.PriceRangeCamel != nil:
		record.PriceRange = PriceRange{Min: float64(w.PriceRangeCamel.Min), Max: float64(w.PriceRangeCamel.Max)}
	case w.BudgetMin != 0 || w.BudgetMax != 0:
		record.PriceRange = PriceRange{Min: float64(w.BudgetMin), Max: float64(w.BudgetMax)}
	case w.Price != 0:
		record.PriceRange = PriceRange{Min: float64(w.Price), Max: float64(w.Price)}
	}

	status, known := ParseStatus(w.Status)
	if !known {
		logf(logger, "tasks: record %s has unknown status %q, treating as posted", record.ID, w.Status)
	}
	record.Status = status

	for _, owner := range []*wireOwner{w.Owner, w.Poster, w.User} {
		if owner == nil {
			continue
		}
		record.Owner = Owner{
			DisplayName: firstNonEmpty(
				owner.DisplayName,
				owner.DisplayNameCamel,
				strings.TrimSpace(owner.FirstName+" "+owner.LastName),
				owner.Username,
			),
			AvatarRef: firstNonEmpty(owner.AvatarRef, owner.Avatar, owner.AvatarURL),
		}
		break
	}
	return record
}

// flexString decodes a JSON string or number into its string form.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*s = flexString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return err
	}
	*s = flexString(number.String())
	return nil
}

// flexFloat decodes a JSON number or numeric string. Anything else is zero.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = 0
		return nil
	}
	if trimmed[0] == '"' {
		var raw string
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			*f = 0
			return nil
		}
		*f = flexFloat(value)
		return nil
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return err
	}
	*f = flexFloat(value)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
