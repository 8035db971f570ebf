package httpapi

import (
	"context"
	"net/http"
	"time"

	"veil/internal/auth"
	"veil/internal/hexid"
	"veil/internal/model"
	"veil/internal/store"
	"veil/internal/validate"
)

// userIDBytes yields the short public hex identifiers.
const userIDBytes = 10

// handleUserAdd registers a user with their key envelope. This is the only
// unauthenticated endpoint: the identity does not exist before it runs.
func (a *API) handleUserAdd(w http.ResponseWriter, r *http.Request) {
	raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	clean, err := userAddSchema.Apply(raw)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}

	hex, _ := clean["hex"].(string)
	generated := hex == ""
	if generated {
		hex = hexid.Generate(userIDBytes)
	}

	now := time.Now().UTC()
	u := model.User{
		Hex:                 hex,
		Name:                stringField(clean, "name"),
		Avatar:              stringField(clean, "avatar"),
		Status:              model.UserActive,
		PublicKey:           stringField(clean, "publicKey"),
		EncryptedPrivateKey: stringField(clean, "encryptedPrivateKey"),
		PrivateKeyNonce:     stringField(clean, "privateKeyNonce"),
		PasscodeSalt:        stringField(clean, "passcodeSalt"),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = a.st.Users.CreateUser(r.Context(), u)
	if err != nil && store.IsConflict(err) && generated {
		// Generator collision: regenerate once, then give up.
		u.Hex = hexid.Generate(userIDBytes)
		err = a.st.Users.CreateUser(r.Context(), u)
	}
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}

	a.log.Info("http.user.add", "user", u.Hex)
	writeSuccess(w, http.StatusCreated, payload{"user": u})
}

// handleUserRetrieve returns the caller's record including the key envelope.
func (a *API) handleUserRetrieve(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	u, err := a.st.Users.FindUserByHex(r.Context(), principal.Hex)
	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, payload{"user": u})
}

// handleUserEdit applies one single-field update selected by the path.
func (a *API) handleUserEdit(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	raw, ok := decodeBody(w, r)
	if !ok {
		return
	}

	var err error
	switch r.PathValue("field") {
	case "keys":
		var clean map[string]any
		clean, err = userKeysSchema.Apply(raw)
		if err == nil {
			err = a.st.Users.UpdateUserKeys(r.Context(), principal.Hex,
				stringField(clean, "publicKey"),
				stringField(clean, "encryptedPrivateKey"),
				stringField(clean, "privateKeyNonce"),
				stringField(clean, "passcodeSalt"))
		}

	case "name":
		err = a.editField(r.Context(), principal.Hex, userNameSchema, "name", raw)
	case "avatar":
		err = a.editField(r.Context(), principal.Hex, userAvatarSchema, "avatar", raw)
	case "status":
		err = a.editField(r.Context(), principal.Hex, userStatusSchema, "status", raw)

	case "verification":
		var clean map[string]any
		clean, err = userVerificationSchema.Apply(raw)
		if err == nil {
			err = a.st.Users.UpdateUserField(r.Context(), principal.Hex, "verified", clean["verified"])
		}

	default:
		writeError(w, http.StatusNotFound, "Unknown field")
		return
	}

	if err != nil {
		writeOpError(a.log, w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

// editField validates raw against schema and writes its single field.
func (a *API) editField(ctx context.Context, userHex string, schema validate.Schema, field string, raw map[string]any) error {
	clean, err := schema.Apply(raw)
	if err != nil {
		return err
	}
	return a.st.Users.UpdateUserField(ctx, userHex, field, clean[field])
}

// handleUserRemove deletes the caller.
func (a *API) handleUserRemove(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	if err := a.st.Users.DeleteUser(r.Context(), principal.Hex); err != nil {
		writeOpError(a.log, w, err)
		return
	}
	a.log.Info("http.user.remove", "user", principal.Hex)
	writeSuccess(w, http.StatusOK, nil)
}

// stringField pulls a sanitised string out of a validated map.
func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
