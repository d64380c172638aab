package models

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCompactPeers(t *testing.T) {
	var tests = []struct {
		name   string
		given  []byte
		assert func(t *testing.T, actual []Addr, err error)
	}{
		{
			name:  "two peers",
			given: []byte{192, 168, 100, 100, 0x1a, 0xe9, 10, 0, 0, 1, 0x1a, 0xe1},
			assert: func(t *testing.T, actual []Addr, err error) {
				assert.Nil(t, err)
				if assert.Len(t, actual, 2) {
					assert.True(t, net.IPv4(192, 168, 100, 100).Equal(actual[0].IP))
					assert.Equal(t, uint16(6889), actual[0].Port)
					assert.Equal(t, "10.0.0.1:6881", actual[1].String())
				}
			},
		},
		{
			name:  "truncated entry",
			given: []byte{192, 168, 100, 100, 0x1a},
			assert: func(t *testing.T, actual []Addr, err error) {
				assert.ErrorIs(t, err, ErrInvalidAddr)
			},
		},
		{
			name:  "empty list",
			given: nil,
			assert: func(t *testing.T, actual []Addr, err error) {
				assert.Nil(t, err)
				assert.Empty(t, actual)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			actual, err := ParseCompactPeers(tt.given)
			tt.assert(t, actual, err)
		})
	}
}
