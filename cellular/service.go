package cellular

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"i4.energy/across/phonecore/at"
	"i4.energy/across/phonecore/modem"
	"i4.energy/across/phonecore/sys"
)

// ServiceName is the bus name of the cellular service.
const ServiceName = "ServiceCellular"

const (
	DefaultPollInterval = time.Minute
	DefaultUssdTimeout  = 30 * time.Second
	defaultPriority     = 10

	// operatorQueryTimeout replaces the network scan timeout of AT+COPS;
	// reading the current operator does not scan.
	operatorQueryTimeout = 5 * time.Second
)

// Config holds the cellular service settings.
type Config struct {
	Modem modem.Config
	// PollInterval is the period of the signal and registration refresh.
	PollInterval time.Duration
	// UssdTimeout ends a USSD session the network stopped answering.
	UssdTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.UssdTimeout <= 0 {
		c.UssdTimeout = DefaultUssdTimeout
	}
}

// startTimeout covers modem bring-up plus the first refresh.
func (c Config) startTimeout() time.Duration {
	bringUp := c.Modem.InitTimeout
	if bringUp <= 0 {
		bringUp = 30 * time.Second
	}
	return bringUp + 30*time.Second
}

// ServiceCellular owns the modem. Other services talk to it with the
// request types of this package and learn about network events from
// notifications on sys.ChannelServiceCellularNotifications.
type ServiceCellular struct {
	sys.HandlerDefaults

	cfg        Config
	svc        *sys.Service
	state      *State
	dispatcher *Dispatcher
	log        *slog.Logger

	modem *modem.Modem
	poll  *sys.Timer
	ussd  *sys.Timer
	// csqIndications is set when the modem accepted +QIND csq reporting.
	csqIndications bool
}

// New builds the service. state may be shared with readers outside the
// bus; a nil state gets a private one.
func New(cfg Config, state *State, opts ...sys.ServiceOption) *ServiceCellular {
	cfg.setDefaults()
	if state == nil {
		state = NewState()
	}
	c := &ServiceCellular{cfg: cfg, state: state}
	c.svc = sys.NewService(ServiceName, c, opts...)
	c.log = c.svc.Log()
	c.dispatcher = NewDispatcher(state, c.svc, c.log)
	if c.cfg.Modem.Logger == nil {
		c.cfg.Modem.Logger = c.log
	}

	sys.Connect(c.svc, c.onURC)
	sys.Connect(c.svc, c.onModemStopped)
	sys.Connect(c.svc, c.getSignalStrength)
	sys.Connect(c.svc, c.getFunctionality)
	sys.Connect(c.svc, c.setFunctionality)
	sys.Connect(c.svc, c.startUssd)
	sys.Connect(c.svc, c.cancelUssd)
	sys.Connect(c.svc, c.sendSMS)
	sys.Connect(c.svc, c.getState)
	return c
}

// Definition describes the cellular service for the system manager.
func Definition(cfg Config, state *State, opts ...sys.ServiceOption) sys.ServiceDefinition {
	return sys.ServiceDefinition{
		Manifest: sys.Manifest{
			Name:     ServiceName,
			Priority: defaultPriority,
			Timeout:  cfg.startTimeout(),
		},
		Factory: func() *sys.Service {
			return New(cfg, state, opts...).Service()
		},
	}
}

func (c *ServiceCellular) Service() *sys.Service { return c.svc }
func (c *ServiceCellular) State() *State         { return c.state }

func (c *ServiceCellular) InitHandler(ctx context.Context) sys.ReturnCode {
	m, err := modem.New(ctx, c.cfg.Modem)
	if err != nil {
		c.log.Error("modem bring-up failed", "error", err)
		return sys.ReturnFailure
	}
	c.modem = m

	go func() {
		err := m.Loop(ctx)
		c.svc.SendUnicast(modemStopped{Err: err}, ServiceName)
	}()
	go c.forwardURCs(ctx, m.URC())

	c.configure(ctx)
	c.refresh(ctx)
	c.state.setModemReady(true)
	c.svc.SendMulticast(ModemStatusNotification{Ready: true}, sys.ChannelServiceCellularNotifications)

	c.poll = c.svc.NewTimer("poll", c.cfg.PollInterval, sys.Periodic, func(*sys.Timer) {
		c.refresh(c.svc.Context())
	})
	c.poll.Start()
	c.ussd = c.svc.NewTimer("ussd-session", c.cfg.UssdTimeout, sys.SingleShot, c.ussdExpired)
	return sys.ReturnSuccess
}

// forwardURCs moves unsolicited lines from the modem onto the service
// goroutine.
func (c *ServiceCellular) forwardURCs(ctx context.Context, urcs <-chan string) {
	for {
		select {
		case line := <-urcs:
			if !c.svc.SendUnicast(urcReceived{Line: line}, ServiceName) {
				c.log.Warn("URC dropped", "line", line)
			}
		case <-ctx.Done():
			return
		}
	}
}

// configure enables the unsolicited reports the dispatcher understands.
// Modems without them still work, so failures are only logged.
func (c *ServiceCellular) configure(ctx context.Context) {
	if res := c.modem.Exec(ctx, at.EnableCSQIndication(true)); res.OK() {
		c.csqIndications = true
	} else {
		c.log.Warn("signal indications unavailable", "error", res.AsError())
	}
	for _, cmd := range []at.Cmd{at.CmdCallerID, at.CmdNewMsgIndication} {
		if res := c.modem.Exec(ctx, cmd); !res.OK() {
			c.log.Warn("command failed", "cmd", cmd.String(), "error", res.AsError())
		}
	}
}

// refresh reads functionality, registration, operator and signal. A
// field whose query fails keeps its previous value.
func (c *ServiceCellular) refresh(ctx context.Context) {
	if cfun := at.ParseCFUN(c.modem.Exec(ctx, at.CmdFunctionality)); cfun.Code == at.CodeOK {
		c.state.setFunctionality(cfun.Functionality)
	}
	if creg := at.ParseCREG(c.modem.Exec(ctx, at.CmdRegistration)); creg.Code == at.CodeOK {
		if c.state.setRegistration(creg.Status) {
			c.svc.SendMulticast(NetworkStatusNotification{Status: creg.Status}, sys.ChannelServiceCellularNotifications)
		}
	}
	if cops := at.ParseCOPS(c.modem.Exec(ctx, at.CmdOperator.WithTimeout(operatorQueryTimeout))); cops.Code == at.CodeOK {
		c.state.setOperator(cops.Operator)
	}
	if csq := at.ParseCSQ(c.modem.Exec(ctx, at.CmdSignalQuality)); csq.Code == at.CodeOK {
		signal := NewSignalStrength(csq.RSSI)
		if csq.BER != at.InvalidBER {
			signal = signal.WithBER(csq.BER)
		}
		if c.state.setSignal(signal) {
			c.svc.SendMulticast(SignalStrengthUpdateNotification{Signal: signal}, sys.ChannelServiceCellularNotifications)
		}
	} else {
		c.log.Debug("signal query failed", "error", csq.AsError())
	}
}

func (c *ServiceCellular) onURC(u urcReceived, _ *sys.Message) *sys.ResponseMessage {
	urc, ok := c.dispatcher.Handle(u.Line)
	if !ok {
		return nil
	}
	if cusd, isCusd := urc.(at.Cusd); isCusd && c.ussd != nil {
		if cusd.ActionNeeded() {
			c.ussd.Restart(c.cfg.UssdTimeout)
		} else {
			c.ussd.Stop()
		}
	}
	return nil
}

func (c *ServiceCellular) onModemStopped(p modemStopped, _ *sys.Message) *sys.ResponseMessage {
	if p.Err != nil && !errors.Is(p.Err, context.Canceled) {
		c.log.Error("modem link lost", "error", p.Err)
	}
	if c.poll != nil {
		c.poll.Stop()
	}
	if c.state.setModemReady(false) {
		c.svc.SendMulticast(ModemStatusNotification{Ready: false, Err: p.Err}, sys.ChannelServiceCellularNotifications)
	}
	return nil
}

// ready reports whether requests can reach the modem.
func (c *ServiceCellular) ready() bool {
	return c.modem != nil && c.state.Get().ModemReady
}

func (c *ServiceCellular) getSignalStrength(GetSignalStrengthRequest, *sys.Message) *sys.ResponseMessage {
	return sys.Reply(c.state.Get().Signal)
}

func (c *ServiceCellular) getState(GetStateRequest, *sys.Message) *sys.ResponseMessage {
	return sys.Reply(c.state.Get())
}

func (c *ServiceCellular) getFunctionality(GetFunctionalityRequest, *sys.Message) *sys.ResponseMessage {
	if !c.ready() {
		return sys.Fail(ErrModemUnavailable)
	}
	cfun := at.ParseCFUN(c.modem.ExecRetry(c.svc.Context(), at.CmdFunctionality))
	if cfun.Code != at.CodeOK {
		return sys.Fail(fmt.Errorf("query functionality: %w", cfun.AsError()))
	}
	c.state.setFunctionality(cfun.Functionality)
	return sys.Reply(cfun.Functionality)
}

func (c *ServiceCellular) setFunctionality(req SetFunctionalityRequest, _ *sys.Message) *sys.ResponseMessage {
	if !req.Functionality.Valid() {
		return sys.Fail(fmt.Errorf("%w: %d", ErrInvalidFunctionality, int(req.Functionality)))
	}
	if !c.ready() {
		return sys.Fail(ErrModemUnavailable)
	}
	if res := c.modem.Exec(c.svc.Context(), at.SetFunctionality(req.Functionality)); !res.OK() {
		return sys.Fail(fmt.Errorf("set functionality %s: %w", req.Functionality, res.AsError()))
	}
	if c.state.setFunctionality(req.Functionality) {
		c.svc.SendMulticast(FunctionalityChangedNotification{Functionality: req.Functionality}, sys.ChannelServiceCellularNotifications)
	}
	return sys.Reply(req.Functionality)
}

func (c *ServiceCellular) startUssd(req UssdRequest, _ *sys.Message) *sys.ResponseMessage {
	if req.Code == "" {
		return sys.Fail(ErrEmptyUssdCode)
	}
	if !c.ready() {
		return sys.Fail(ErrModemUnavailable)
	}
	if res := c.modem.Exec(c.svc.Context(), at.Ussd(req.Code)); !res.OK() {
		return sys.Fail(fmt.Errorf("USSD %s: %w", req.Code, res.AsError()))
	}
	c.state.setUssd(true)
	c.ussd.Restart(c.cfg.UssdTimeout)
	return sys.MsgHandled()
}

func (c *ServiceCellular) cancelUssd(CancelUssdRequest, *sys.Message) *sys.ResponseMessage {
	if !c.state.Get().UssdActive {
		return sys.MsgHandled()
	}
	c.endUssd()
	return sys.MsgHandled()
}

func (c *ServiceCellular) ussdExpired(*sys.Timer) {
	c.log.Warn("USSD session timed out")
	c.endUssd()
	c.svc.SendMulticast(UssdNotification{Status: at.UssdNetworkTimeout}, sys.ChannelServiceCellularNotifications)
}

// endUssd closes the session locally whatever the modem answers.
func (c *ServiceCellular) endUssd() {
	c.ussd.Stop()
	c.state.setUssd(false)
	if c.ready() {
		if res := c.modem.Exec(c.svc.Context(), at.CmdCancelUssd); !res.OK() {
			c.log.Warn("cancel USSD", "error", res.AsError())
		}
	}
}

func (c *ServiceCellular) sendSMS(req SendSMSRequest, _ *sys.Message) *sys.ResponseMessage {
	if !c.ready() {
		return sys.Fail(ErrModemUnavailable)
	}
	ref, err := c.modem.SendSMS(c.svc.Context(), req.Recipient, req.Text)
	if err != nil {
		return sys.Fail(err)
	}
	return sys.Reply(SMSSent{Reference: ref})
}

// SwitchPowerModeHandler stops polling and signal reports while
// suspended and catches up on resume.
func (c *ServiceCellular) SwitchPowerModeHandler(mode sys.PowerMode) sys.ReturnCode {
	if !c.ready() {
		return sys.ReturnSuccess
	}
	ctx := c.svc.Context()
	active := mode == sys.PowerActive
	if c.csqIndications {
		if res := c.modem.Exec(ctx, at.EnableCSQIndication(active)); !res.OK() {
			c.log.Error("switch signal indications", "mode", mode, "error", res.AsError())
			return sys.ReturnFailure
		}
	}
	if active {
		c.refresh(ctx)
		c.poll.Start()
	} else {
		c.poll.Stop()
	}
	return sys.ReturnSuccess
}

// Closeable holds a close request while a USSD session is open.
func (c *ServiceCellular) Closeable() bool {
	return !c.state.Get().UssdActive
}

func (c *ServiceCellular) DeinitHandler() sys.ReturnCode {
	if c.modem == nil {
		return sys.ReturnSuccess
	}
	c.state.setModemReady(false)
	if err := c.modem.Close(); err != nil && !errors.Is(err, modem.ErrAlreadyClosed) {
		c.log.Error("close modem", "error", err)
		return sys.ReturnFailure
	}
	return sys.ReturnSuccess
}
