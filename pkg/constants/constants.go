package constants

import "time"

// Opcodes. A successful response echoes the request opcode on its first line.
const (
	OpList     = "LIST"
	OpFetch    = "FETCH"
	OpCheckout = "CHECKOUT"
	OpUpload   = "UPLOAD"
	OpUpdate   = "UPDATE"
	OpDelete   = "DELETE"
	OpRelease  = "RELEASE"
	OpLog      = "LOG"
)

// DuplicateExternalIdentifier replaces the echoed opcode of an UPLOAD or UPDATE
// response when the document's external identifier is already in use.
const DuplicateExternalIdentifier = "DUPLICATE_EXTERNAL_IDENTIFIER"

// Final update log lines written by the server once background processing of
// an update or a deletion has finished.
const (
	UpdateComplete   = "Document update complete"
	DeletionComplete = "Document deletion complete"
)

// IDMode tells the server whether to check external identifiers for
// uniqueness on UPLOAD and UPDATE.
type IDMode string

const (
	IDModeCheck  IDMode = "CHECK"
	IDModeIgnore IDMode = "IGNORE"
)

// Document attribute names.
const (
	DocumentIDAttribute         = "docId"
	DocumentNameAttribute       = "docName"
	DocumentTitleAttribute      = "docTitle"
	DocumentVersionAttribute    = "docVersion"
	CheckinUserAttribute        = "checkinUser"
	CheckinTimeAttribute        = "checkinTime"
	UpdateUserAttribute         = "updateUser"
	UpdateTimeAttribute         = "updateTime"
	CheckoutUserAttribute       = "checkoutUser"
	ExternalIdentifierAttribute = "externalIdentifier"
)

// CacheStatusAttribute is the column added to remote document lists to flag
// documents held in the local cache.
const CacheStatusAttribute = "Cache"

const (
	CacheStatusLocalized = "Localized"
	CacheStatusCached    = "Cached"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultReadTimeout  = 10 * time.Second
	DefaultDialTimeout  = 5 * time.Second
	DefaultLogInterval  = time.Second

	// WebSocketPath is the request path of the WebSocket transport.
	WebSocketPath = "/dio"

	CloseMessageCode = 1000
)
