package types

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five field expressions and descriptors such as "@daily".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// FilterValidationError describes one problem with one filter.
type FilterValidationError struct {
	Index  int
	Field  string
	Reason string
}

func (e *FilterValidationError) Error() string {
	return fmt.Sprintf("filters[%d].%s: %s", e.Index, e.Field, e.Reason)
}

// ValidationErrors is the list of every problem found by ValidateFilters.
type ValidationErrors []*FilterValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateFilters checks every condition and returns ValidationErrors listing all
// problems, or nil.
func ValidateFilters(filters []FilterCondition) error {
	var errs ValidationErrors
	add := func(i int, field, format string, args ...any) {
		errs = append(errs, &FilterValidationError{Index: i, Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	for i, f := range filters {
		set := 0
		for _, present := range []bool{f.Block != nil, f.Transaction != nil, f.Message != nil, f.Event != nil} {
			if present {
				set++
			}
		}
		if set != 1 {
			add(i, "kind", "exactly one of block, transaction, message or event must be set, got %d", set)
			continue
		}

		switch f.Kind {
		case FilterKindBlock:
			if f.Block == nil {
				add(i, "block", "required for kind %s", f.Kind)
				continue
			}
			if f.Block.Timestamp != "" {
				if _, err := cronParser.Parse(f.Block.Timestamp); err != nil {
					add(i, "block.timestamp", "invalid cron expression: %v", err)
				}
			}
		case FilterKindTransaction:
			if f.Transaction == nil {
				add(i, "transaction", "required for kind %s", f.Kind)
			}
		case FilterKindMessage:
			if f.Message == nil {
				add(i, "message", "required for kind %s", f.Kind)
				continue
			}
			validateMessageFilter(i, "message", f.Message, add)
		case FilterKindEvent:
			if f.Event == nil {
				add(i, "event", "required for kind %s", f.Kind)
				continue
			}
			if f.Event.Type == "" {
				add(i, "event.type", "is required")
			}
			for key := range f.Event.Attributes {
				if key == "" {
					add(i, "event.attributes", "empty attribute key")
				}
			}
			if f.Event.MessageFilter != nil {
				validateMessageFilter(i, "event.message_filter", f.Event.MessageFilter, add)
			}
		default:
			add(i, "kind", "unknown kind %s", f.Kind)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func validateMessageFilter(i int, field string, f *MessageFilter, add func(int, string, string, ...any)) {
	if f.Type == "" {
		add(i, field+".type", "is required")
	}
	if f.ContractCall != "" && f.Type != MsgExecuteContractType {
		add(i, field+".contract_call", "only allowed with type %s", MsgExecuteContractType)
	}
	for key := range f.Values {
		if key == "" || strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
			add(i, field+".values", "invalid value path %q", key)
		}
	}
}
