package cmd

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/cmux"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>...",
	Short: "Decode CMUX frames captured from a modem line",
	Long: "Decodes hex encoded CMUX frames, e.g. from a serial capture, and classifies the AT lines carried by UIH frames. " +
		"Arguments are concatenated; whitespace and colons are ignored.",
	Example: "  phonecore decode F9 03 3F 01 1C F9 F9 07 EF 0D 0D 0A 4F 4B 0D 0A 3E F9",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := parseHex(strings.Join(args, ""))
		if err != nil {
			return err
		}
		_, err = decodeFrames(cmd.OutOrStdout(), raw)
		return err
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', ':':
			return -1
		}
		return r
	}, s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return raw, nil
}

// decodeFrames writes a description of every complete frame in raw and
// returns how many it found. Noise between frames is skipped.
func decodeFrames(w io.Writer, raw []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 4096), cmux.MaxDataLen+16)
	scanner.Split(cmux.SplitFrames)

	n := 0
	for scanner.Scan() {
		fr, err := cmux.ParseFrame(scanner.Bytes())
		if err != nil {
			continue
		}
		n++
		fmt.Fprintf(w, "frame %d: dlci=%d (%s) %s pf=%t len=%d\n",
			n, fr.DLCI(), fr.DLCI(), controlName(fr.Type()), fr.Control&cmux.PF != 0, len(fr.Data))
		if fr.Type() == cmux.UIH && fr.DLCI() != cmux.ControlChannel {
			describeLines(w, fr.Data)
		}
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	if n == 0 {
		return 0, errors.New("no complete frame found")
	}
	return n, nil
}

// describeLines classifies the AT lines of a UIH payload.
func describeLines(w io.Writer, data []byte) {
	lines := bufio.NewScanner(bytes.NewReader(data))
	lines.Split(at.Splitter)
	for lines.Scan() {
		line := lines.Text()
		if line == "" {
			continue
		}
		typ := at.Classify(line)
		fmt.Fprintf(w, "  %-6s %q", typ, line)
		if typ == at.TypeURC {
			if urc, ok := at.ParseURC(line); ok {
				fmt.Fprintf(w, " %+v", urc)
			}
		}
		fmt.Fprintln(w)
	}
}

func controlName(typ byte) string {
	switch typ {
	case cmux.SABM:
		return "SABM"
	case cmux.UA:
		return "UA"
	case cmux.DM:
		return "DM"
	case cmux.DISC:
		return "DISC"
	case cmux.UIH:
		return "UIH"
	case cmux.UI:
		return "UI"
	default:
		return fmt.Sprintf("ctrl(%#02x)", typ)
	}
}
