package relay

import (
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/constants"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
)

const (
	maxTagFilters  = 10
	maxTagValues   = 20
	maxFilterLimit = 5000
)

var filterValidate = validator.New()

// subscriptionIDRule keeps ids printable and free of characters that need
// JSON escaping, since envelopes write them verbatim.
var subscriptionIDRule = fmt.Sprintf(`max=%d,printascii,excludesall="\`, constants.MaxSubscriptionIDLength)

// ValidateSubscriptionID checks id before it is recorded or sent.
func ValidateSubscriptionID(id string) error {
	if err := filterValidate.Var(id, subscriptionIDRule); err != nil {
		return errors.InvalidFilterError(id, fmt.Sprintf(
			"subscription id must be printable ASCII without quotes or backslashes, at most %d characters",
			constants.MaxSubscriptionIDLength))
	}
	return nil
}

// ToNostrFilter converts a subscription filter to its wire form. Every
// failure is returned as an InvalidFilterError for subID.
func ToNostrFilter(subID string, f domain.Filter) (nostr.Filter, error) {
	if err := filterValidate.Struct(f); err != nil {
		return nostr.Filter{}, errors.InvalidFilterError(subID, describeValidation(err))
	}

	out := nostr.Filter{
		IDs:     lowerAll(f.IDs),
		Authors: lowerAll(f.Authors),
		Kinds:   append([]int(nil), f.Kinds...),
	}
	if len(f.Tags) > 0 {
		out.Tags = make(nostr.TagMap, len(f.Tags))
		for name, values := range f.Tags {
			out.Tags[name] = append([]string(nil), values...)
		}
	}
	if f.Since != nil {
		ts := nostr.Timestamp(*f.Since)
		out.Since = &ts
	}
	if f.Until != nil {
		ts := nostr.Timestamp(*f.Until)
		out.Until = &ts
	}
	if f.Limit != nil {
		out.Limit = *f.Limit
	}

	if err := ValidateFilter(out); err != nil {
		return nostr.Filter{}, errors.InvalidFilterError(subID, err.Error())
	}
	return out, nil
}

// ValidateFilter ensures a wire filter is within the limits relays accept.
func ValidateFilter(f nostr.Filter) error {
	if len(f.IDs) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil {
		return fmt.Errorf("filter must have at least one condition")
	}

	for _, author := range f.Authors {
		if !nostr.IsValid32ByteHex(author) {
			return fmt.Errorf("invalid author pubkey: %s", author)
		}
	}

	if len(f.Tags) > maxTagFilters {
		return fmt.Errorf("too many tag filters (max %d)", maxTagFilters)
	}
	for tagName, values := range f.Tags {
		if len(values) == 0 {
			return fmt.Errorf("tag filter '%s' has no values", tagName)
		}
		if len(values) > maxTagValues {
			return fmt.Errorf("too many values for tag '%s' (max %d)", tagName, maxTagValues)
		}
	}

	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return fmt.Errorf("invalid time range: 'since' is after 'until'")
	}
	if f.Limit > maxFilterLimit {
		return fmt.Errorf("limit %d exceeds %d", f.Limit, maxFilterLimit)
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "len", "hexadecimal":
			msgs = append(msgs, fmt.Sprintf("%s must be a 64-character hex string (got: %v)", fe.Field(), fe.Value()))
		case "alpha":
			msgs = append(msgs, fmt.Sprintf("tag name %v must be a single letter", fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got: %v)", fe.Field(), fe.Tag(), fe.Param(), fe.Value()))
		}
	}
	return strings.Join(msgs, "; ")
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
