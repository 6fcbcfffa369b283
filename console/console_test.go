package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEscapeChar(t *testing.T) {
	cases := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{in: "^]", want: 0x1d},
		{in: "^A", want: 0x01},
		{in: "^@", want: 0x00},
		{in: "^_", want: 0x1f},
		{in: "a", want: 'a'},
		{in: "~", want: '~'},
		{in: "^a", wantErr: true},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseEscapeChar(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestFormatEscapeChar(t *testing.T) {
	assert.Equal(t, "^]", FormatEscapeChar(0x1d))
	assert.Equal(t, "~", FormatEscapeChar('~'))
}

func TestRelayStdinEscapeSequences(t *testing.T) {
	const esc = 0x1d // ^]

	run := func(input []byte) *bytes.Buffer {
		t.Helper()
		var pty bytes.Buffer
		err := relayStdin(context.Background(), bytes.NewReader(input), &pty, esc)
		require.NoError(t, err)
		return &pty
	}

	// Plain bytes pass through.
	assert.Equal(t, []byte("hello"), run([]byte("hello")).Bytes())

	// <esc>. disconnects; nothing after it is forwarded.
	assert.Equal(t, []byte("ab"), run([]byte{'a', 'b', esc, '.', 'c'}).Bytes())

	// <esc><esc> sends the escape char itself.
	assert.Equal(t, []byte{'a', esc, 'b'}, run([]byte{'a', esc, esc, 'b', esc, '.'}).Bytes())

	// Unrecognized command forwards both bytes.
	assert.Equal(t, []byte{esc, 'x'}, run([]byte{esc, 'x', esc, '.'}).Bytes())
}
