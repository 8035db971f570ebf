package httpapi

import "veil/internal/validate"

// Key material arrives base64-encoded; the caps are generous.
const (
	maxKeyLen    = 8192
	maxNameLen   = 120
	maxAvatarLen = 2048
	maxHexLen    = 64
)

var userKeysSchema = validate.Schema{
	Name: "user.keys",
	Fields: []validate.Field{
		{Name: "publicKey", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxKeyLen},
		{Name: "encryptedPrivateKey", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxKeyLen},
		{Name: "privateKeyNonce", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxKeyLen},
		{Name: "passcodeSalt", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxKeyLen},
	},
}

var userAddSchema = validate.Schema{
	Name: "user.add",
	Fields: append([]validate.Field{
		{Name: "hex", Kind: validate.String, MaxLen: maxHexLen},
		{Name: "name", Kind: validate.String, MaxLen: maxNameLen},
		{Name: "avatar", Kind: validate.String, MaxLen: maxAvatarLen},
	}, userKeysSchema.Fields...),
}

var userNameSchema = validate.Schema{
	Name: "user.name",
	Fields: []validate.Field{
		{Name: "name", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxNameLen},
	},
}

var userAvatarSchema = validate.Schema{
	Name: "user.avatar",
	Fields: []validate.Field{
		{Name: "avatar", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxAvatarLen},
	},
}

var userStatusSchema = validate.Schema{
	Name: "user.status",
	Fields: []validate.Field{
		{Name: "status", Kind: validate.Enum, Required: true, Enum: []string{"active", "inactive", "suspended"}},
	},
}

var userVerificationSchema = validate.Schema{
	Name: "user.verification",
	Fields: []validate.Field{
		{Name: "verified", Kind: validate.Bool, Required: true},
	},
}

var conversationAddSchema = validate.Schema{
	Name: "conversation.add",
	Fields: []validate.Field{
		{Name: "participants", Kind: validate.Array, Required: true, MinLen: 2, MaxLen: 2},
		{Name: "kind", Kind: validate.Enum, Enum: []string{"request", "trusted"}},
	},
}

var conversationOneSchema = validate.Schema{
	Name: "conversation.one",
	Fields: []validate.Field{
		{Name: "other", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxHexLen},
	},
}
