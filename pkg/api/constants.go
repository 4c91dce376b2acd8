package api

const (
	// Key prefixes used by the storage backends
	DATA   = "DAT"
	HEAD   = "HEAD"
	CURSOR = "CUR"

	// Offset used in InitialSubscribeRequest to resume from the committed cursor
	OffsetCommitted int64 = -1
)
