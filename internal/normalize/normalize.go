// Package normalize derives interaction drafts and candidate
// identifiers from stored raw event payloads. Everything here is a pure
// function of the payload bytes: normalizing the same event twice always
// yields the same result, which is what lets the resolver recompute
// drafts at approval time instead of persisting them.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/harborwell/intake-cli/internal/identify"
	"github.com/harborwell/intake-cli/internal/model"
)

// ErrMalformedPayload marks payloads that cannot be parsed at all. It is
// permanent: retrying a normalize job on it will never succeed.
var ErrMalformedPayload = eris.New("normalize: malformed payload")

// Normalize parses the event payload into an interaction draft plus the
// canonicalized identifiers found in it.
func Normalize(ev *model.RawEvent) (*model.InteractionDraft, []model.Identifier, error) {
	if len(ev.Payload) == 0 {
		return nil, nil, eris.Wrapf(ErrMalformedPayload, "event %s: empty", ev.ID)
	}

	var fields map[string]any
	if err := json.Unmarshal(ev.Payload, &fields); err != nil {
		return nil, nil, eris.Wrapf(ErrMalformedPayload, "event %s: %v", ev.ID, err)
	}

	var draft *model.InteractionDraft
	var structured []model.Identifier
	switch ev.Provider {
	case model.ProviderGmail:
		draft, structured = normalizeEmail(ev, fields)
	case model.ProviderCalendar:
		draft, structured = normalizeCalendarEvent(ev, fields)
	case model.ProviderDrive:
		draft, structured = normalizeDriveFile(ev, fields)
	default:
		draft, structured = normalizeGeneric(ev, fields)
	}

	ids := dedupe(append(structured, identify.Extract(draft.Subject+"\n"+draft.Body)...))
	return draft, ids, nil
}

func normalizeEmail(ev *model.RawEvent, fields map[string]any) (*model.InteractionDraft, []model.Identifier) {
	draft := baseDraft(ev)
	draft.Subject = str(fields, "subject")
	draft.Body = firstNonEmpty(str(fields, "body"), str(fields, "snippet"))

	var ids []model.Identifier
	for _, key := range []string{"from", "to", "cc", "reply_to"} {
		for _, addr := range strs(fields, key) {
			if v := identify.CanonicalEmail(extractAddr(addr)); v != "" && strings.Contains(v, "@") {
				ids = append(ids, model.Identifier{Kind: model.KindEmail, Value: v})
			}
		}
	}
	draft.Metadata = metaSubset(fields, "from", "to", "thread_id", "labels")
	return draft, ids
}

func normalizeCalendarEvent(ev *model.RawEvent, fields map[string]any) (*model.InteractionDraft, []model.Identifier) {
	draft := baseDraft(ev)
	draft.Subject = firstNonEmpty(str(fields, "summary"), str(fields, "title"))
	draft.Body = str(fields, "description")

	var ids []model.Identifier
	for _, att := range strs(fields, "attendees") {
		if v := identify.CanonicalEmail(extractAddr(att)); v != "" && strings.Contains(v, "@") {
			ids = append(ids, model.Identifier{Kind: model.KindEmail, Value: v})
		}
	}
	if org := str(fields, "organizer"); org != "" {
		if v := identify.CanonicalEmail(extractAddr(org)); v != "" && strings.Contains(v, "@") {
			ids = append(ids, model.Identifier{Kind: model.KindEmail, Value: v})
		}
	}
	draft.Metadata = metaSubset(fields, "location", "start", "end", "organizer")
	return draft, ids
}

func normalizeDriveFile(ev *model.RawEvent, fields map[string]any) (*model.InteractionDraft, []model.Identifier) {
	draft := baseDraft(ev)
	draft.Subject = firstNonEmpty(str(fields, "name"), str(fields, "title"))
	draft.Body = str(fields, "description")

	var ids []model.Identifier
	for _, key := range []string{"owners", "shared_with"} {
		for _, who := range strs(fields, key) {
			if v := identify.CanonicalEmail(extractAddr(who)); v != "" && strings.Contains(v, "@") {
				ids = append(ids, model.Identifier{Kind: model.KindEmail, Value: v})
			}
		}
	}
	draft.Metadata = metaSubset(fields, "mime_type", "folder", "owners")
	return draft, ids
}

func normalizeGeneric(ev *model.RawEvent, fields map[string]any) (*model.InteractionDraft, []model.Identifier) {
	draft := baseDraft(ev)
	draft.Subject = firstNonEmpty(str(fields, "subject"), str(fields, "title"), str(fields, "summary"), str(fields, "name"))
	draft.Body = firstNonEmpty(str(fields, "body"), str(fields, "description"), str(fields, "text"), str(fields, "snippet"))
	return draft, nil
}

func baseDraft(ev *model.RawEvent) *model.InteractionDraft {
	return &model.InteractionDraft{
		EventID:    ev.ID,
		UserID:     ev.UserID,
		OccurredAt: ev.OccurredAt,
		Source:     ev.Provider,
		SourceID:   sourceID(ev),
		BatchID:    ev.BatchID,
	}
}

// sourceID falls back to the event id so interactions from events
// without a stable provider id still satisfy the uniqueness constraint.
func sourceID(ev *model.RawEvent) string {
	if ev.SourceID != "" {
		return ev.SourceID
	}
	return ev.ID
}

// Excerpt returns a short context snippet around the first occurrence of
// value, for display on approval prompts.
func Excerpt(text, value string, radius int) string {
	if radius <= 0 {
		radius = 60
	}
	idx := strings.Index(strings.ToLower(text), strings.ToLower(value))
	if idx < 0 {
		if len(text) > 2*radius {
			return strings.TrimSpace(text[:2*radius]) + "…"
		}
		return strings.TrimSpace(text)
	}
	start := idx - radius
	if start < 0 {
		start = 0
	}
	end := idx + len(value) + radius
	if end > len(text) {
		end = len(text)
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}

// extractAddr pulls the address out of an RFC 5322 style "Name <addr>"
// string; plain addresses pass through.
func extractAddr(s string) string {
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return s[i+1 : i+j]
		}
	}
	return strings.TrimSpace(s)
}

func str(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// strs reads a field that may be a string, a list of strings, or a list
// of objects with an "email" field, as the providers variously encode
// participant lists.
func strs(fields map[string]any, key string) []string {
	switch v := fields[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	case []any:
		var out []string
		for _, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				if email, ok := it["email"].(string); ok {
					out = append(out, email)
				}
			}
		}
		return out
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func metaSubset(fields map[string]any, keys ...string) map[string]any {
	var out map[string]any
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			if out == nil {
				out = make(map[string]any)
			}
			out[k] = v
		}
	}
	return out
}

func dedupe(ids []model.Identifier) []model.Identifier {
	seen := make(map[model.Identifier]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
