package cmd

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/phonecore/cmux"
)

func TestParseHex(t *testing.T) {
	raw, err := parseHex("F9 03:3f\n01 1C F9")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF9, 0x03, 0x3F, 0x01, 0x1C, 0xF9}, raw)

	_, err = parseHex("F9 0")
	assert.Error(t, err)
}

func TestDecodeFrames(t *testing.T) {
	uih, err := cmux.NewFrame(cmux.NotificationsChannel, cmux.UIH, []byte("\r\n+QIND: \"csq\",20,99\r\n\r\nOK\r\n")).MarshalBinary()
	require.NoError(t, err)

	// SABM on DLCI 0, line noise, then the UIH frame.
	raw, err := parseHex("F9033F011CF9" + "0102")
	require.NoError(t, err)
	raw = append(raw, uih...)

	var out bytes.Buffer
	n, err := decodeFrames(&out, raw)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	text := out.String()
	assert.Contains(t, text, "frame 1: dlci=0 (control) SABM pf=true len=0")
	assert.Contains(t, text, "frame 2: dlci=2 (notifications) UIH pf=false")
	assert.Contains(t, text, `urc    "+QIND: \"csq\",20,99"`)
	assert.Contains(t, text, `final  "OK"`)
}

func TestDecodeFramesRejectsCorruptInput(t *testing.T) {
	frame, err := hex.DecodeString("F9033F011CF9")
	require.NoError(t, err)
	frame[4] ^= 0xFF

	var out bytes.Buffer
	n, err := decodeFrames(&out, frame)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Empty(t, out.String())
}
