package epscope

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// commandFunc is one verb handler: named arguments in, reply payload out.
type commandFunc func(args map[string]string) (string, error)

// parseCommandLine splits a command line into its verb phrase and named
// arguments. Tokens containing '=' are arguments, split on the first '=';
// everything else joins the verb. A trailing ';' is tolerated.
func parseCommandLine(line string) (verb string, args map[string]string, err error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	if line == "" {
		return "", nil, fmt.Errorf("empty command line")
	}
	args = make(map[string]string)
	var verbTokens []string
	for _, tok := range strings.Fields(line) {
		if i := strings.IndexByte(tok, '='); i >= 0 {
			key := tok[:i]
			if key == "" {
				return "", nil, fmt.Errorf("argument %q has no name", tok)
			}
			args[key] = tok[i+1:]
		} else {
			verbTokens = append(verbTokens, tok)
		}
	}
	if len(verbTokens) == 0 {
		return "", nil, fmt.Errorf("command line %q has no verb", line)
	}
	return strings.Join(verbTokens, " "), args, nil
}

// Dispatch parses one command line and runs its handler, producing the
// exact reply text (without line terminator). Every failure is an
// "ERROR <n>" reply; parse and dispatch failures are ERROR 1.
func (d *Device) Dispatch(line string) string {
	verb, args, err := parseCommandLine(line)
	if err != nil {
		return fmt.Sprintf("ERROR %d", CodeParse)
	}
	handler, ok := d.handlers[verb]
	if !ok {
		ProblemLogger.Printf("unknown command verb %q", verb)
		return fmt.Sprintf("ERROR %d", CodeParse)
	}
	payload, err := handler(args)
	if err != nil {
		ProblemLogger.Printf("command %q failed: %v", verb, err)
		return fmt.Sprintf("ERROR %d", replyCode(err))
	}
	if payload == "" {
		return "OK"
	}
	return "OK " + payload
}

// Verbs returns the sorted list of supported verb phrases.
func (d *Device) Verbs() []string {
	out := make([]string, 0, len(d.handlers))
	for v := range d.handlers {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func argString(args map[string]string, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	return v, nil
}

func argInt(args map[string]string, key string) (int, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("argument %s=%q is not an integer", key, s)
	}
	return v, nil
}

func argUint32(args map[string]string, key string) (uint32, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("argument %s=%q is not a 32-bit unsigned integer", key, s)
	}
	return uint32(v), nil
}

func argUint16(args map[string]string, key string) (uint16, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("argument %s=%q is not a 16-bit unsigned integer", key, s)
	}
	return uint16(v), nil
}

func argFloat(args map[string]string, key string) (float64, error) {
	s, err := argString(args, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("argument %s=%q is not a number", key, s)
	}
	return v, nil
}

func onOff(level bool) string {
	if level {
		return "enabled"
	}
	return "disabled"
}

// registerHandlers builds the verb table.
func (d *Device) registerHandlers() {
	d.handlers = map[string]commandFunc{
		"device hello":       d.cmdHello,
		"device setname":     d.cmdSetname,
		"device version get": d.cmdVersion,

		"device slink create":  d.cmdSlinkCreate,
		"device slink send":    d.cmdSlinkSend,
		"device eplink create": d.cmdEplinkCreate,

		"device stream create":  d.cmdStreamCreate,
		"device stream start":   d.cmdStreamStart,
		"device stream stop":    d.cmdStreamStop,
		"device stream destroy": d.cmdStreamDestroy,

		"device adc chresolution set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argInt(args, "value")
			if err != nil {
				return err
			}
			return c.SetResolution(v, DefaultApplyTimeout)
		}),
		"device adc chresolution get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.Itoa(c.Config().Resolution)
		}),
		"device adc chclkdiv set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argInt(args, "value")
			if err != nil {
				return err
			}
			return c.SetClockDiv(v, DefaultApplyTimeout)
		}),
		"device adc chclkdiv get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.Itoa(c.Config().ClockDiv)
		}),
		"device adc chstime set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argFloat(args, "value")
			if err != nil {
				return err
			}
			return c.SetSampleCycles(v, DefaultApplyTimeout)
		}),
		"device adc chstime get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.FormatFloat(c.Config().SampleCycles[0], 'f', -1, 64)
		}),
		"device adc chavrratio set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argInt(args, "value")
			if err != nil {
				return err
			}
			return c.SetOversampling(v, DefaultApplyTimeout)
		}),
		"device adc chavrratio get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.Itoa(c.Config().Oversampling)
		}),
		"device adc speriod set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			prescaler, err := argUint32(args, "prescaler")
			if err != nil {
				return err
			}
			period, err := argUint32(args, "period")
			if err != nil {
				return err
			}
			return c.SetTimer(prescaler, period, DefaultApplyTimeout)
		}),
		"device adc speriod get": d.adcGetter(func(c *StreamConnection) string {
			cfg := c.Config()
			return fmt.Sprintf("%d %d", cfg.TimerPrescaler, cfg.TimerPeriod)
		}),
		"device adc voffset set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argUint16(args, "value")
			if err != nil {
				return err
			}
			return c.SetChannelOffset(0, v, DefaultApplyTimeout)
		}),
		"device adc voffset get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.Itoa(int(c.Config().ChannelOffset[0]))
		}),
		"device adc coffset set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argUint16(args, "value")
			if err != nil {
				return err
			}
			return c.SetChannelOffset(1, v, DefaultApplyTimeout)
		}),
		"device adc coffset get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.Itoa(int(c.Config().ChannelOffset[1]))
		}),
		"device adc clk get": d.adcGetter(func(c *StreamConnection) string {
			return strconv.FormatFloat(FTimerInput/float64(c.Config().ClockDiv), 'f', 0, 64)
		}),
		"device adc samplesno set": d.adcSetter(func(c *StreamConnection, args map[string]string) error {
			v, err := argInt(args, "value")
			if err != nil {
				return err
			}
			return c.SetSamplesPerChan(v, DefaultApplyTimeout)
		}),
		"device adc value get": d.cmdAdcValue,

		"device dac enable set": d.cmdDacEnableSet,
		"device dac enable get": d.cmdDacEnableGet,
		"device dac value set":  d.cmdDacValueSet,
		"device dac value get":  d.cmdDacValueGet,

		"device load enable":   d.lineSetter(func() interface{ Set(bool) error } { return d.board.Load }, true),
		"device load disable":  d.lineSetter(func() interface{ Set(bool) error } { return d.board.Load }, false),
		"device load get":      d.lineGetter(func() interface{ Get() (bool, error) } { return d.board.Load }),
		"device bat enable":    d.lineSetter(func() interface{ Set(bool) error } { return d.board.Battery }, true),
		"device bat disable":   d.lineSetter(func() interface{ Set(bool) error } { return d.board.Battery }, false),
		"device bat get":       d.lineGetter(func() interface{ Get() (bool, error) } { return d.board.Battery }),
		"device ppath enable":  d.lineSetter(func() interface{ Set(bool) error } { return d.board.PowerPath }, true),
		"device ppath disable": d.lineSetter(func() interface{ Set(bool) error } { return d.board.PowerPath }, false),
		"device ppath get":     d.lineGetter(func() interface{ Get() (bool, error) } { return d.board.PowerPath }),

		"device uvoltage get": d.faultGetter(FaultUV),
		"device ovoltage get": d.faultGetter(FaultOV),
		"device ocurrent get": d.faultGetter(FaultOC),

		"device latch trigger": d.cmdLatchTrigger,
		"device rgb setcolor":  d.cmdRGBSetColor,

		"device wave add":   d.cmdWaveAdd,
		"device wave clear": d.cmdWaveClear,
		"device wave start": d.cmdWaveStart,
		"device wave stop":  d.cmdWaveStop,

		"device record start": d.cmdRecordStart,
		"device record stop":  d.cmdRecordStop,

		"charger charging enable":          d.cmdChargerCharging(true),
		"charger charging disable":         d.cmdChargerCharging(false),
		"charger charging get":             d.cmdChargerChargingGet,
		"charger charging current set":     d.cmdChargerCurrentSet,
		"charger charging current get":     d.cmdChargerCurrentGet,
		"charger charging termcurrent set": d.cmdChargerTermCurrentSet,
		"charger charging termcurrent get": d.cmdChargerTermCurrentGet,
		"charger charging termvoltage set": d.cmdChargerTermVoltageSet,
		"charger charging termvoltage get": d.cmdChargerTermVoltageGet,
		"charger reg read":                 d.cmdChargerRegRead,
	}
}

// adcSetter wraps a per-connection parameter setter with sid resolution and
// the surfacing of any engine failure absorbed since the last get.
func (d *Device) adcSetter(set func(*StreamConnection, map[string]string) error) commandFunc {
	return func(args map[string]string) (string, error) {
		sid, err := argInt(args, "sid")
		if err != nil {
			return "", err
		}
		c, err := d.connByID(sid)
		if err != nil {
			return "", err
		}
		return "", set(c, args)
	}
}

// adcGetter wraps a per-connection parameter read. A pending absorbed
// engine failure surfaces here, per the control contract.
func (d *Device) adcGetter(get func(*StreamConnection) string) commandFunc {
	return func(args map[string]string) (string, error) {
		sid, err := argInt(args, "sid")
		if err != nil {
			return "", err
		}
		c, err := d.connByID(sid)
		if err != nil {
			return "", err
		}
		if err := c.LastError(); err != nil {
			return "", err
		}
		return get(c), nil
	}
}

func (d *Device) lineSetter(line func() interface{ Set(bool) error }, level bool) commandFunc {
	return func(args map[string]string) (string, error) {
		if err := line().Set(level); err != nil {
			return "", fmt.Errorf("line refused level: %w (%v)", ErrDeviceError, err)
		}
		return "", nil
	}
}

func (d *Device) lineGetter(line func() interface{ Get() (bool, error) }) commandFunc {
	return func(args map[string]string) (string, error) {
		level, err := line().Get()
		if err != nil {
			return "", fmt.Errorf("line read failed: %w (%v)", ErrDeviceError, err)
		}
		return onOff(level), nil
	}
}

func (d *Device) faultGetter(kind FaultKind) commandFunc {
	return func(args map[string]string) (string, error) {
		return onOff(d.faults.Active(kind)), nil
	}
}

func (d *Device) cmdHello(args map[string]string) (string, error) {
	return d.Name(), nil
}

func (d *Device) cmdSetname(args map[string]string) (string, error) {
	name, err := argString(args, "value")
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.name = name
	d.mu.Unlock()
	d.publishUpdate("STATUS", struct{ Name string }{name})
	return "", nil
}

func (d *Device) cmdVersion(args map[string]string) (string, error) {
	return fmt.Sprintf("%s %s", Build.Version, Build.Date), nil
}

func (d *Device) cmdSlinkCreate(args map[string]string) (string, error) {
	ip, err := argString(args, "ip")
	if err != nil {
		return "", err
	}
	port, err := argInt(args, "port")
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	id := len(d.slinks)
	d.mu.Unlock()
	sl, err := NewStatusLink(id, ip, port)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.slinks = append(d.slinks, sl)
	d.mu.Unlock()
	return strconv.Itoa(id), nil
}

func (d *Device) cmdSlinkSend(args map[string]string) (string, error) {
	value, err := argString(args, "value")
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	slinks := d.slinks
	d.mu.Unlock()
	if len(slinks) == 0 {
		return "", fmt.Errorf("no status link created: %w", ErrWrongState)
	}
	for _, sl := range slinks {
		sl.Info(value)
	}
	return "", nil
}

func (d *Device) cmdEplinkCreate(args map[string]string) (string, error) {
	ip, err := argString(args, "ip")
	if err != nil {
		return "", err
	}
	port, err := argInt(args, "port")
	if err != nil {
		return "", err
	}
	id, err := d.ep.AddClient(ip, port)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

func (d *Device) cmdStreamCreate(args map[string]string) (string, error) {
	ip, err := argString(args, "ip")
	if err != nil {
		return "", err
	}
	port, err := argInt(args, "port")
	if err != nil {
		return "", err
	}
	sid, err := d.createStream(ip, port)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sid), nil
}

func (d *Device) cmdStreamStart(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	adc, err := argInt(args, "adc")
	if err != nil {
		return "", err
	}
	if adc != int(ADCInternal) && adc != int(ADCExternal) {
		return "", fmt.Errorf("adc=%d, want 0 (internal) or 1 (external): %w", adc, ErrInvalidArgument)
	}
	c, err := d.connByID(sid)
	if err != nil {
		return "", err
	}
	if err := c.Start(ADCSelect(adc), DefaultApplyTimeout); err != nil {
		return "", err
	}
	d.publishUpdate("STREAM", struct {
		SID   int
		State string
	}{sid, c.State().String()})
	d.activity.LogEvent("stream", fmt.Sprintf("connection %d started", sid))
	return "", nil
}

func (d *Device) cmdStreamStop(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	c, err := d.connByID(sid)
	if err != nil {
		return "", err
	}
	if err := c.Stop(DefaultApplyTimeout); err != nil {
		return "", err
	}
	d.publishUpdate("STREAM", struct {
		SID   int
		State string
	}{sid, c.State().String()})
	d.activity.LogEvent("stream", fmt.Sprintf("connection %d stopped", sid))
	return "", nil
}

func (d *Device) cmdStreamDestroy(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	return "", d.destroyStream(sid)
}

func (d *Device) cmdAdcValue(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	ch, err := argInt(args, "ch")
	if err != nil {
		return "", err
	}
	c, err := d.connByID(sid)
	if err != nil {
		return "", err
	}
	v, err := c.ReadValue(ADCInternal, ch-1, DefaultApplyTimeout)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(v), 10), nil
}

func (d *Device) cmdDacEnableSet(args map[string]string) (string, error) {
	v, err := argInt(args, "value")
	if err != nil {
		return "", err
	}
	if err := d.board.DAC.SetEnabled(v != 0); err != nil {
		return "", fmt.Errorf("dac refused enable: %w (%v)", ErrDeviceError, err)
	}
	return "", nil
}

func (d *Device) cmdDacEnableGet(args map[string]string) (string, error) {
	if d.board.DAC.Enabled() {
		return "1", nil
	}
	return "0", nil
}

func (d *Device) cmdDacValueSet(args map[string]string) (string, error) {
	v, err := argUint16(args, "value")
	if err != nil {
		return "", err
	}
	if err := d.board.DAC.SetValue(v); err != nil {
		return "", fmt.Errorf("dac refused setpoint: %w (%v)", ErrDeviceError, err)
	}
	return "", nil
}

func (d *Device) cmdDacValueGet(args map[string]string) (string, error) {
	return strconv.Itoa(int(d.board.DAC.Value())), nil
}

func (d *Device) cmdLatchTrigger(args map[string]string) (string, error) {
	if err := d.board.Latch.Trigger(); err != nil {
		return "", fmt.Errorf("latch trigger failed: %w (%v)", ErrDeviceError, err)
	}
	return "", nil
}

func (d *Device) cmdRGBSetColor(args map[string]string) (string, error) {
	r, err := argUint16(args, "r")
	if err != nil {
		return "", err
	}
	g, err := argUint16(args, "g")
	if err != nil {
		return "", err
	}
	b, err := argUint16(args, "b")
	if err != nil {
		return "", err
	}
	if r > 255 || g > 255 || b > 255 {
		return "", fmt.Errorf("rgb %d,%d,%d out of range: %w", r, g, b, ErrInvalidArgument)
	}
	if err := d.board.RGB.SetColor(uint8(r), uint8(g), uint8(b)); err != nil {
		return "", fmt.Errorf("led refused color: %w (%v)", ErrDeviceError, err)
	}
	return "", nil
}

func (d *Device) cmdWaveAdd(args map[string]string) (string, error) {
	value, err := argString(args, "value")
	if err != nil {
		return "", err
	}
	return "", d.wave.AddChunk(value)
}

func (d *Device) cmdWaveClear(args map[string]string) (string, error) {
	return "", d.wave.Clear()
}

func (d *Device) cmdWaveStart(args map[string]string) (string, error) {
	if err := d.wave.Start(); err != nil {
		return "", err
	}
	d.publishUpdate("WAVE", struct{ State string }{"active"})
	d.activity.LogEvent("wave", "started")
	return "", nil
}

func (d *Device) cmdWaveStop(args map[string]string) (string, error) {
	if err := d.wave.Stop(); err != nil {
		return "", err
	}
	d.publishUpdate("WAVE", struct{ State string }{"inactive"})
	d.activity.LogEvent("wave", "stopped")
	return "", nil
}

func (d *Device) cmdRecordStart(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	path, err := argString(args, "path")
	if err != nil {
		return "", err
	}
	c, err := d.connByID(sid)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	_, busy := d.recorders[sid]
	d.mu.Unlock()
	if busy {
		return "", fmt.Errorf("connection %d already recording: %w", sid, ErrWrongState)
	}
	rec, err := NewRecorder(path)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.recorders[sid] = rec
	d.mu.Unlock()
	c.SetRecorder(rec)
	return rec.SessionID(), nil
}

func (d *Device) cmdRecordStop(args map[string]string) (string, error) {
	sid, err := argInt(args, "sid")
	if err != nil {
		return "", err
	}
	c, err := d.connByID(sid)
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	rec, ok := d.recorders[sid]
	delete(d.recorders, sid)
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("connection %d is not recording: %w", sid, ErrWrongState)
	}
	c.SetRecorder(nil)
	rec.Close()
	return "", nil
}

func (d *Device) cmdChargerCharging(on bool) commandFunc {
	return func(args map[string]string) (string, error) {
		if err := d.board.Charger.SetCharging(on); err != nil {
			return "", fmt.Errorf("charger refused: %w (%v)", ErrDeviceError, err)
		}
		return "", nil
	}
}

func (d *Device) cmdChargerChargingGet(args map[string]string) (string, error) {
	on, err := d.board.Charger.Charging()
	if err != nil {
		return "", fmt.Errorf("charger read failed: %w (%v)", ErrDeviceError, err)
	}
	return onOff(on), nil
}

func (d *Device) cmdChargerCurrentSet(args map[string]string) (string, error) {
	v, err := argUint16(args, "value")
	if err != nil {
		return "", err
	}
	return "", d.chargerErr(d.board.Charger.SetChargeCurrent(v))
}

func (d *Device) cmdChargerCurrentGet(args map[string]string) (string, error) {
	v, err := d.board.Charger.ChargeCurrent()
	if err != nil {
		return "", d.chargerErr(err)
	}
	return strconv.Itoa(int(v)), nil
}

func (d *Device) cmdChargerTermCurrentSet(args map[string]string) (string, error) {
	v, err := argUint16(args, "value")
	if err != nil {
		return "", err
	}
	return "", d.chargerErr(d.board.Charger.SetTermCurrent(v))
}

func (d *Device) cmdChargerTermCurrentGet(args map[string]string) (string, error) {
	v, err := d.board.Charger.TermCurrent()
	if err != nil {
		return "", d.chargerErr(err)
	}
	return strconv.Itoa(int(v)), nil
}

func (d *Device) cmdChargerTermVoltageSet(args map[string]string) (string, error) {
	v, err := argUint16(args, "value")
	if err != nil {
		return "", err
	}
	return "", d.chargerErr(d.board.Charger.SetTermVoltage(v))
}

func (d *Device) cmdChargerTermVoltageGet(args map[string]string) (string, error) {
	v, err := d.board.Charger.TermVoltage()
	if err != nil {
		return "", d.chargerErr(err)
	}
	return strconv.Itoa(int(v)), nil
}

func (d *Device) cmdChargerRegRead(args map[string]string) (string, error) {
	s, err := argString(args, "reg")
	if err != nil {
		return "", err
	}
	reg, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return "", fmt.Errorf("argument reg=%q is not a register address", s)
	}
	v, err := d.board.Charger.ReadRegister(uint8(reg))
	if err != nil {
		return "", d.chargerErr(err)
	}
	return fmt.Sprintf("0x%02x", v), nil
}

func (d *Device) chargerErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("charger: %w (%v)", ErrDeviceError, err)
}
