package models

// Block is a slice of a piece as carried by REQUEST, CANCEL and PIECE
// messages. Data is empty for requests.
type Block struct {
	Index  int
	Begin  int
	Length int
	Data   []byte
}
