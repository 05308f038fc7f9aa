package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/cellular"
	"i4.energy/across/phonecore/modem"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Bring up the modem and print its state",
	Long:  "Initializes the modem on the configured serial port without starting any service and prints identity, SIM, registration and signal.",
	Args:  cobra.NoArgs,
	RunE:  info,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func info(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	modemConfig, err := cfg.ModemSettings(logger.With("component", "modem"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := modem.New(ctx, modemConfig)
	if err != nil {
		return fmt.Errorf("bring up modem: %w", err)
	}
	defer m.Close()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := m.Loop(loopCtx); err != nil && loopCtx.Err() == nil {
			logger.Error("Modem loop stopped", "error", err)
		}
	}()

	return printInfo(ctx, cmd.OutOrStdout(), m)
}

// printInfo queries e and writes one line per property. A failed query
// is printed in place of its value.
func printInfo(ctx context.Context, w io.Writer, e modem.Executor) error {
	policy := modem.DefaultRetryPolicy()
	exec := func(cmd at.Cmd) at.Result { return policy.Exec(ctx, e, cmd) }

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	row := func(name string, value string, res at.Result) {
		if err := res.AsError(); err != nil {
			value = "error: " + err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, value)
	}

	ident := exec(at.NewCmd("ATI"))
	row("identity", strings.Join(ident.Response, " "), ident)

	cpin := at.ParseCPIN(exec(at.CmdSimStatus))
	row("sim", cpin.State, cpin.Result)

	cfun := at.ParseCFUN(exec(at.CmdFunctionality))
	row("functionality", cfun.Functionality.String(), cfun.Result)

	creg := at.ParseCREG(exec(at.CmdRegistration))
	row("registration", creg.Status.String(), creg.Result)

	cops := at.ParseCOPS(exec(at.CmdOperator.WithTimeout(5 * time.Second)))
	row("operator", cops.Operator, cops.Result)

	csq := at.ParseCSQ(exec(at.CmdSignalQuality))
	signal := cellular.NewSignalStrength(csq.RSSI)
	value := "not detectable"
	if signal.Detected {
		value = fmt.Sprintf("%d dBm (%d/%d bars)", signal.DBm, signal.Bars, cellular.MaxBars)
	}
	row("signal", value, csq.Result)

	return tw.Flush()
}
