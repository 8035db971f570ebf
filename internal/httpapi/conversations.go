package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"veil/internal/auth"
	"veil/internal/hexid"
	"veil/internal/model"
	"veil/internal/store"
)

// conversationIDBytes yields the conversation hex identifiers.
const conversationIDBytes = 10

var errInvalidParticipant = errors.New("Each participant needs a hex")

var listFilters = map[string]store.ListFilter{
	"all":       store.FilterAll,
	"requested": store.FilterRequests,
	"trusted":   store.FilterTrusted,
	"unread":    store.FilterUnread,
	"pins":      store.FilterPins,
}

// handleConversationAdd creates the one conversation between the caller and
// the other participant. A duplicate pair is a 400, matching the client
// contract rather than the generic conflict mapping.
func (a *API) handleConversationAdd(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	clean, err := conversationAddSchema.Apply(raw)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}

	hexes, err := participantHexes(clean["participants"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hexes[0] != principal.Hex && hexes[1] != principal.Hex {
		writeError(w, http.StatusUnauthorized, "Caller must be a participant")
		return
	}
	if hexes[0] == hexes[1] {
		writeError(w, http.StatusBadRequest, "Participants must differ")
		return
	}

	trust := model.TrustRequest
	if k, _ := clean["kind"].(string); k != "" {
		trust = model.Trust(k)
	}

	now := time.Now().UTC()
	conv := model.Conversation{
		Hex:   hexid.Generate(conversationIDBytes),
		Trust: trust,
		Scope: model.ScopeUser,
		From:  principal.Hex,
		Participants: []model.Participant{
			{Hex: hexes[0], Role: model.RoleMember, Status: model.ParticipantActive, JoinedAt: now},
			{Hex: hexes[1], Role: model.RoleMember, Status: model.ParticipantActive, JoinedAt: now},
		},
		PairKey:   model.PairKey(hexes[0], hexes[1]),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = a.st.Conversations.CreateConversation(r.Context(), conv)
	if err != nil && store.IsConflict(err) {
		if _, betweenErr := a.st.Conversations.ConversationBetween(r.Context(), hexes[0], hexes[1]); betweenErr == nil {
			writeError(w, http.StatusBadRequest, "Conversation between participants already exists")
			return
		}
		// Identifier collision: regenerate once.
		conv.Hex = hexid.Generate(conversationIDBytes)
		err = a.st.Conversations.CreateConversation(r.Context(), conv)
	}
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}

	a.log.Info("http.conversation.add", "conversation", conv.Hex, "from", principal.Hex)
	writeSuccess(w, http.StatusCreated, payload{"conversation": conv})
}

// handleConversationOne fetches the single conversation between the caller
// and {other}.
func (a *API) handleConversationOne(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	clean, err := conversationOneSchema.Apply(raw)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}

	conv, err := a.st.Conversations.ConversationBetween(r.Context(), principal.Hex, stringField(clean, "other"))
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload{"conversation": conv})
}

// handleConversationList serves the filtered, paginated listings.
func (a *API) handleConversationList(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	filter, ok := listFilters[r.PathValue("filter")]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown listing")
		return
	}

	convs, err := a.st.Conversations.ListConversations(r.Context(), principal.Hex, filter, queryPage(r))
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload{"conversations": convs})
}

// handleConversationAction applies one of pin, unpin, accept.
func (a *API) handleConversationAction(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	hex := strings.TrimSpace(r.PathValue("hex"))

	conv, err := a.st.Conversations.FindConversationByHex(r.Context(), hex)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	if !conv.IsParticipant(principal.Hex) {
		writeError(w, http.StatusUnauthorized, "Caller is not a participant")
		return
	}

	switch r.PathValue("action") {
	case "pin":
		err = a.st.Conversations.PinConversation(r.Context(), hex, principal.Hex)
	case "unpin":
		err = a.st.Conversations.UnpinConversation(r.Context(), hex, principal.Hex)
	case "accept":
		err = a.st.Conversations.AcceptConversation(r.Context(), hex, principal.Hex)
	default:
		writeError(w, http.StatusNotFound, "Unknown action")
		return
	}

	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

// handleConversationStats returns the caller's conversation counters.
func (a *API) handleConversationStats(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	counts, err := a.st.Conversations.ConversationCounts(r.Context(), principal.Hex)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload{
		"total":     counts.Total,
		"unread":    counts.Unread,
		"requested": counts.Requested,
	})
}

// participantHexes extracts exactly two participant hexes from the validated
// participants array. Items are {hex, ...} objects.
func participantHexes(v any) ([2]string, error) {
	items, _ := v.([]any)

	var out [2]string
	for i, item := range items {
		if i >= 2 {
			break
		}
		obj, _ := item.(map[string]any)
		hex, _ := obj["hex"].(string)
		hex = strings.TrimSpace(hex)
		if hex == "" {
			return out, errInvalidParticipant
		}
		out[i] = hex
	}
	if out[0] == "" || out[1] == "" {
		return out, errInvalidParticipant
	}
	return out, nil
}

// queryPage parses ?page=N; pages are 1-based.
func queryPage(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}
