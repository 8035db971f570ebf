package httpapi

import (
	"net/http"
	"strings"

	"veil/internal/auth"
)

// handleMessagesPage returns one newest-first page of a conversation's
// history. Only participants may read it.
func (a *API) handleMessagesPage(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
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

	msgs, err := a.st.Messages.PageMessages(r.Context(), hex, queryPage(r))
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload{"messages": msgs})
}
