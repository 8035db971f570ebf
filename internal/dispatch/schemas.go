package dispatch

import "veil/internal/validate"

// Maximum lengths for inbound string fields. Envelope payloads are already
// ciphertext-plus-base64 on arrival, so the caps are generous.
const (
	maxIDLen   = 64
	maxListLen = 12
)

func enumStrings(vals ...string) []string { return vals }

var newMessageSchema = validate.Schema{
	Name: "new",
	Fields: []validate.Field{
		{Name: "conversation", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxIDLen},
		{Name: "kind", Kind: validate.Enum, Required: true, Enum: enumStrings("message", "reply", "forward")},
		{Name: "type", Kind: validate.Enum, Required: true, Enum: enumStrings("all", "audio")},
		{Name: "user", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxIDLen},
		{Name: "recipientContent", Kind: validate.Content, Required: true},
		{Name: "senderContent", Kind: validate.Content, Required: true},
		{Name: "status", Kind: validate.Enum, Required: true, Enum: enumStrings("sent", "delivered", "read")},
		{Name: "reactions", Kind: validate.Object},
		{Name: "attachments", Kind: validate.Array, MaxLen: maxListLen},
		{Name: "images", Kind: validate.Array, MaxLen: maxListLen},
		{Name: "videos", Kind: validate.Array, MaxLen: maxListLen},
		{Name: "audio", Kind: validate.String, MaxLen: 2048},
	},
}

var replySchema = validate.Schema{
	Name: "reply",
	Fields: append([]validate.Field{
		{Name: "parent", Kind: validate.String, Required: true, MinLen: 1, MaxLen: maxIDLen},
	}, newMessageSchema.Fields...),
}

var contentEditSchema = validate.Schema{
	Name: "update",
	Fields: []validate.Field{
		{Name: "senderContent", Kind: validate.Content, Required: true},
		{Name: "recipientContent", Kind: validate.Content, Required: true},
	},
}
