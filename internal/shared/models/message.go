package models

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

var messageNames = [...]string{
	MessageIDChoke:         "choke",
	MessageIDUnchoke:       "unchoke",
	MessageIDInterested:    "interested",
	MessageIDNotInterested: "not_interested",
	MessageIDHave:          "have",
	MessageIDBitfield:      "bitfield",
	MessageIDRequest:       "request",
	MessageIDPiece:         "piece",
	MessageIDCancel:        "cancel",
}

func (m MessageID) String() string {
	if int(m) < len(messageNames) {
		return messageNames[m]
	}
	return "unknown"
}
