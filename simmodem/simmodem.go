// Package simmodem provides a virtual caller-ID voice modem. It plays the
// device side of the serial line: it accepts AT commands on a TTY-like
// io.ReadWriteCloser, answers OK/ERROR, and can simulate incoming calls
// (RING bursts with an MDMF caller-ID block), line loss (NO DIALTONE) and
// remote hang-ups (NO CARRIER).
//
// The Modem follows a small state machine: Idle, Ringing, OffHook and
// Closed. It is used by the callwall integration tests over net.Pipe and by
// cmd/modemsim over a pseudo-terminal.
//
// Example usage:
//
//	m, err := simmodem.NewModem(&simmodem.ModemConfig{
//		Id:  "sim0",
//		TTY: ttyDevice,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.CloseSync()
//	m.IncomingCallSync("5551234567")
package simmodem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrModemBusy is returned when a call arrives while the modem is not idle
	ErrModemBusy = errors.New("modem busy")
	// ErrInvalidStateTransition is returned when an invalid state transition is attempted
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// ModemStatus represents the line state of the virtual modem.
type ModemStatus int

const (
	// StatusIdle means on-hook with no call
	StatusIdle ModemStatus = iota
	// StatusRinging means an incoming call is ringing
	StatusRinging
	// StatusOffHook means the modem answered (ATA) and holds the line
	StatusOffHook
	// StatusClosed is the terminal state
	StatusClosed
)

// String returns a human-readable string representation of the modem status.
func (ms ModemStatus) String() string {
	switch ms {
	case StatusIdle:
		return "Idle"
	case StatusRinging:
		return "Ringing"
	case StatusOffHook:
		return "OffHook"
	case StatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// RetCode is the result of processing an AT command.
type RetCode int

const (
	// RetCodeOk indicates successful command execution
	RetCodeOk RetCode = iota
	// RetCodeError indicates command execution failed
	RetCodeError
	// RetCodeSilent indicates no response should be sent (simulates a hung device)
	RetCodeSilent
	// RetCodeNoCarrier indicates the call was lost
	RetCodeNoCarrier
	// RetCodeNoDialtone indicates the line is dead
	RetCodeNoDialtone
	// RetCodeBusy indicates a busy line
	RetCodeBusy
	// RetCodeRing indicates an incoming ring
	RetCodeRing
	// RetCodeSkip tells a hook to fall through to the default handler
	RetCodeSkip
	// RetCodeUnknown indicates an unrecognized return code
	RetCodeUnknown
)

// CmdReturnFromString converts a modem response string to its RetCode.
// Matching is case-insensitive.
func CmdReturnFromString(s string) RetCode {
	switch strings.ToUpper(s) {
	case "OK":
		return RetCodeOk
	case "ERROR":
		return RetCodeError
	case "NO CARRIER":
		return RetCodeNoCarrier
	case "NO DIALTONE":
		return RetCodeNoDialtone
	case "BUSY":
		return RetCodeBusy
	case "RING":
		return RetCodeRing
	case "SILENT":
		return RetCodeSilent
	case "SKIP":
		return RetCodeSkip
	default:
		return RetCodeUnknown
	}
}

// Settings is the configuration the host has programmed into the modem.
type Settings struct {
	CallerID    bool // +VCID / #CID / +CLIP
	FClass      int  // +FCLASS
	AutoAnswer  int  // S0
	FlowControl int  // &K
	Speaker     int  // M
	Echo        bool // E
	Saved       bool // &W since last reset
}

// StatusTransitionType is called whenever the modem changes state.
type StatusTransitionType func(m *Modem, prevStatus ModemStatus, newStatus ModemStatus)

// CommandHookType handles a single parsed command. cmdChar is the command
// name (e.g. "+VCID", "&K", "Z"). Returning RetCodeSkip falls through to the
// default handler.
type CommandHookType func(m *Modem, cmdChar string, cmdNum string, cmdAssign bool, cmdQuery bool, cmdAssignVal string) RetCode

// LineHookType handles a complete command line (without the AT prefix).
// Returning RetCodeSkip falls through to the parser.
type LineHookType func(m *Modem, line string) RetCode

// ModemConfig contains the configuration parameters for a virtual modem.
// TTY is required; other fields have reasonable defaults.
type ModemConfig struct {
	// Id is a unique identifier for the modem instance
	Id string
	// TTY is the host side of the line (required)
	TTY io.ReadWriteCloser
	// CommandHook is an optional callback for individual commands
	CommandHook CommandHookType
	// LineHook is an optional callback for complete command lines
	LineHook LineHookType
	// StatusTransition is an optional callback for status change notifications
	StatusTransition StatusTransitionType
	// RingMax is the number of rings before the caller gives up (default: 5)
	RingMax int
	// RingInterval is the time between rings (default: 6s, the North American cadence)
	RingInterval time.Duration
	// CallerIDAfterRing is the ring after which the caller-ID block is sent (default: 1)
	CallerIDAfterRing int
	// CallerIDFirst sends the caller-ID block before the first RING
	CallerIDFirst bool
	// CallerName is sent as NAME in the caller-ID block when set
	CallerName string
	// Now is the clock for DATE/TIME lines (default: time.Now)
	Now func() time.Time
}

// Metrics contains runtime statistics of the virtual modem.
type Metrics struct {
	Status        ModemStatus
	TtyTxBytes    int
	TtyRxBytes    int
	Commands      int
	Calls         int
	Answered      int
	Rejected      int
	LastTtyTxTime time.Time
	LastTtyRxTime time.Time
	LastAtCmdTime time.Time
	History       []string
}

// Modem is a virtual caller-ID modem. It is thread-safe; the Sync variants
// acquire the lock, the plain variants require the caller to hold it.
type Modem struct {
	sync.Mutex
	st                ModemStatus
	stCtx             context.Context
	stCtxCancel       context.CancelFunc
	id                string
	tty               io.ReadWriteCloser
	statusTransition  StatusTransitionType
	commandHook       CommandHookType
	lineHook          LineHookType
	settings          Settings
	saved             Settings
	sregs             map[byte]byte
	shortForm         bool
	quietMode         bool
	ringCount         int
	ringMax           int
	ringInterval      time.Duration
	callerIDAfterRing int
	callerIDFirst     bool
	callerName        string
	number            string
	now               func() time.Time
	metrics           *Metrics
}

func checkValidCmdChar(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func checkValidNumChar(b byte) bool {
	return (b >= '0' && b <= '9')
}

func (m *Modem) checkLock() {
	if m.TryLock() {
		panic("Modem lock not held")
	}
}

func (m *Modem) ttyWrite(b []byte) {
	m.metrics.LastTtyTxTime = time.Now()
	n, err := m.tty.Write(b)
	if err != nil || n == 0 {
		m.setStatus(StatusClosed)
		return
	}
	m.metrics.TtyTxBytes += n
}

func (m *Modem) ttyWriteStr(s string) {
	m.ttyWrite([]byte(s))
}

// TtyWriteStr writes raw text to the host.
// The modem lock must be held before calling this method.
func (m *Modem) TtyWriteStr(s string) {
	m.checkLock()
	m.ttyWriteStr(s)
}

// TtyWriteStrSync writes raw text to the host with automatic lock management.
func (m *Modem) TtyWriteStrSync(s string) {
	m.Lock()
	defer m.Unlock()
	m.ttyWriteStr(s)
}

// Id returns the identifier of the modem instance.
func (m *Modem) Id() string {
	return m.id
}

func (m *Modem) cr() string {
	if m.shortForm {
		return "\r"
	}
	return "\r\n"
}

func (m *Modem) printLine(s string) {
	if m.st == StatusClosed {
		return
	}
	m.ttyWriteStr(m.cr() + s + m.cr())
}

func (m *Modem) printRetCode(ret RetCode) {
	retStr := ""
	if m.shortForm {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "0"
		case RetCodeError:
			retStr = "4"
		case RetCodeNoCarrier:
			retStr = "3"
		case RetCodeNoDialtone:
			retStr = "6"
		case RetCodeBusy:
			retStr = "7"
		case RetCodeRing:
			retStr = "2"
		}
	} else {
		switch ret {
		case RetCodeSilent, RetCodeSkip:
			return
		case RetCodeOk:
			retStr = "OK"
		case RetCodeError:
			retStr = "ERROR"
		case RetCodeNoCarrier:
			retStr = "NO CARRIER"
		case RetCodeNoDialtone:
			retStr = "NO DIALTONE"
		case RetCodeBusy:
			retStr = "BUSY"
		case RetCodeRing:
			retStr = "RING"
		}
	}
	if !m.quietMode && m.st != StatusClosed {
		// Write directly to avoid recursion during state transitions
		_, _ = m.tty.Write([]byte(m.cr() + retStr + m.cr()))
	}
}

func (m *Modem) record(s string) {
	m.metrics.History = append(m.metrics.History, s)
}

// SetStatus changes the modem state.
// The modem lock must be held before calling this method.
func (m *Modem) SetStatus(status ModemStatus) {
	m.checkLock()
	m.setStatus(status)
}

// SetStatusSync changes the modem state with automatic lock management.
func (m *Modem) SetStatusSync(status ModemStatus) {
	m.Lock()
	defer m.Unlock()
	m.setStatus(status)
}

func (m *Modem) setStatus(status ModemStatus) {
	prevStatus := m.st
	if prevStatus == status {
		return
	}
	if prevStatus == StatusClosed {
		panic(ErrInvalidStateTransition)
	}
	m.stCtxCancel()
	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())
	m.st = status
	switch m.st {
	case StatusIdle:
		m.number = ""
		m.ringCount = 0
	case StatusRinging:
		if prevStatus != StatusIdle {
			panic(ErrInvalidStateTransition)
		}
		m.metrics.Calls++
		go m.ringer(m.stCtx)
	case StatusOffHook:
		if prevStatus == StatusRinging {
			m.metrics.Answered++
		}
	case StatusClosed:
		m.tty.Close()
	}
	if m.statusTransition != nil {
		m.statusTransition(m, prevStatus, status)
	}
}

func (m *Modem) status() ModemStatus {
	return m.st
}

// Status returns the current modem state.
// The modem lock must be held before calling this method.
func (m *Modem) Status() ModemStatus {
	m.checkLock()
	return m.status()
}

// StatusSync returns the current modem state with automatic lock management.
func (m *Modem) StatusSync() ModemStatus {
	m.Lock()
	defer m.Unlock()
	return m.status()
}

// SettingsSync returns the settings programmed by the host.
func (m *Modem) SettingsSync() Settings {
	m.Lock()
	defer m.Unlock()
	return m.settings
}

// Close terminates the modem and closes the TTY.
// The modem lock must be held before calling this method.
func (m *Modem) Close() {
	m.checkLock()
	m.setStatus(StatusClosed)
}

// CloseSync terminates the modem with automatic lock management.
func (m *Modem) CloseSync() {
	m.Lock()
	defer m.Unlock()
	if m.st != StatusClosed {
		m.setStatus(StatusClosed)
	}
}

func (m *Modem) sendCallerID() {
	if !m.settings.CallerID || m.number == "" {
		return
	}
	now := m.now()
	m.printLine("DATE = " + now.Format("0102"))
	m.printLine("TIME = " + now.Format("1504"))
	m.printLine("NMBR = " + m.number)
	if m.callerName != "" {
		m.printLine("NAME = " + m.callerName)
	}
}

func (m *Modem) ringer(ctx context.Context) {
	m.Lock()
	if m.callerIDFirst {
		m.sendCallerID()
	}
	for m.status() == StatusRinging {
		if ctx.Err() != nil {
			break
		}
		m.ringCount++
		if m.ringCount > m.ringMax {
			m.setStatus(StatusIdle)
			break
		}
		m.printRetCode(RetCodeRing)
		if !m.callerIDFirst && m.ringCount == m.callerIDAfterRing {
			m.sendCallerID()
		}
		if m.sregs[0] > 0 && m.ringCount >= int(m.sregs[0]) {
			m.setStatus(StatusOffHook)
			break
		}
		m.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(m.ringInterval):
		}
		m.Lock()
	}
	m.Unlock()
}

func (m *Modem) incomingCall(number string) error {
	if m.status() != StatusIdle {
		return ErrModemBusy
	}
	m.number = number
	m.setStatus(StatusRinging)
	return nil
}

// IncomingCall starts ringing with number as caller ID ("P" or "O" for a
// withheld number, "" for no caller-ID block at all).
// The modem lock must be held before calling this method.
func (m *Modem) IncomingCall(number string) error {
	m.checkLock()
	return m.incomingCall(number)
}

// IncomingCallSync starts ringing with automatic lock management.
func (m *Modem) IncomingCallSync(number string) error {
	m.Lock()
	defer m.Unlock()
	return m.incomingCall(number)
}

// RemoteHangupSync simulates the caller hanging up.
func (m *Modem) RemoteHangupSync() {
	m.Lock()
	defer m.Unlock()
	if m.st == StatusRinging || m.st == StatusOffHook {
		if m.st == StatusOffHook {
			m.printRetCode(RetCodeNoCarrier)
		}
		m.setStatus(StatusIdle)
	}
}

// NoDialtoneSync simulates losing the line.
func (m *Modem) NoDialtoneSync() {
	m.Lock()
	defer m.Unlock()
	if m.st == StatusClosed {
		return
	}
	m.printRetCode(RetCodeNoDialtone)
	if m.st != StatusIdle {
		m.setStatus(StatusIdle)
	}
}

// SendLineSync writes an arbitrary line, e.g. vendor noise.
func (m *Modem) SendLineSync(line string) {
	m.Lock()
	defer m.Unlock()
	m.printLine(line)
}

func (m *Modem) factoryReset() {
	m.sregs = map[byte]byte{}
	m.settings = Settings{Echo: true}
	m.shortForm = false
	m.quietMode = false
}

func (m *Modem) onOff(cmdNum string, set func(v int)) RetCode {
	n, _ := strconv.Atoi(cmdNum)
	switch n {
	case 0, 1:
		set(n)
		return RetCodeOk
	}
	return RetCodeError
}

func (m *Modem) processCommand(cmdChar string, cmdNum string, cmdAssign bool, cmdQuery bool, cmdAssignVal string) RetCode {
	if m.commandHook != nil {
		r := m.commandHook(m, cmdChar, cmdNum, cmdAssign, cmdQuery, cmdAssignVal)
		if r != RetCodeSkip {
			return r
		}
	}
	switch cmdChar {
	case "S":
		r, _ := strconv.Atoi(cmdNum)
		if r < 0 || r > 255 {
			return RetCodeError
		}
		if cmdAssign {
			v, err := strconv.Atoi(cmdAssignVal)
			if err != nil || v < 0 || v > 255 {
				return RetCodeError
			}
			m.sregs[byte(r)] = byte(v)
			if r == 0 {
				m.settings.AutoAnswer = v
			}
			return RetCodeOk
		}
		if cmdQuery {
			m.ttyWriteStr(fmt.Sprintf(m.cr()+"%03d\r\n", m.sregs[byte(r)]))
			return RetCodeOk
		}
	case "E":
		return m.onOff(cmdNum, func(v int) { m.settings.Echo = v == 1 })
	case "V":
		return m.onOff(cmdNum, func(v int) { m.shortForm = v == 0 })
	case "Q":
		return m.onOff(cmdNum, func(v int) { m.quietMode = v == 1 })
	case "M":
		n, _ := strconv.Atoi(cmdNum)
		if n < 0 || n > 3 {
			return RetCodeError
		}
		m.settings.Speaker = n
	case "&K":
		n, _ := strconv.Atoi(cmdNum)
		if n < 0 || n > 6 {
			return RetCodeError
		}
		m.settings.FlowControl = n
	case "+VCID", "#CID", "+CLIP":
		if cmdQuery {
			v := 0
			if m.settings.CallerID {
				v = 1
			}
			m.printLine(fmt.Sprintf("%s: %d", cmdChar, v))
			return RetCodeOk
		}
		if !cmdAssign {
			return RetCodeError
		}
		switch strings.TrimSpace(cmdAssignVal) {
		case "0":
			m.settings.CallerID = false
		case "1", "2":
			m.settings.CallerID = true
		default:
			return RetCodeError
		}
	case "+FCLASS":
		if !cmdAssign {
			return RetCodeError
		}
		n, err := strconv.Atoi(strings.TrimSpace(cmdAssignVal))
		if err != nil || (n != 0 && n != 1 && n != 2 && n != 8) {
			return RetCodeError
		}
		m.settings.FClass = n
	case "I":
		m.printLine("CALLWALL VIRTUAL VOICE MODEM " + m.id)
	case "A":
		if m.status() != StatusRinging {
			return RetCodeError
		}
		m.setStatus(StatusOffHook)
	case "H":
		if m.status() == StatusOffHook {
			m.metrics.Rejected++
			m.setStatus(StatusIdle)
		}
	case "&W":
		m.saved = m.settings
		m.settings.Saved = true
	case "&F":
		m.factoryReset()
		if m.status() == StatusOffHook {
			m.setStatus(StatusIdle)
		}
	case "Z":
		m.factoryReset()
		m.settings = m.saved
		m.settings.Echo = true
		if m.status() == StatusOffHook {
			m.setStatus(StatusIdle)
		}
	}
	return RetCodeOk
}

func (m *Modem) processAtCommand(cmd string) RetCode {
	if m.status() == StatusClosed {
		return RetCodeSilent
	}
	m.metrics.LastAtCmdTime = time.Now()
	m.metrics.Commands++
	m.record("AT" + cmd)
	if m.lineHook != nil {
		r := m.lineHook(m, cmd)
		if r != RetCodeSkip {
			return r
		}
	}
	cmdBuf := bytes.NewBufferString(cmd)
	cmdRet := RetCodeOk
	e := false
	for cmdBuf.Len() > 0 && !e {
		cmdChar := ""
		cmdNum := ""
		cmdLong := false
		cmdAssign := false
		cmdQuery := false
		cmdAssignVal := ""

		for cmdBuf.Len() > 0 && !e {
			b, err := cmdBuf.ReadByte()
			if err != nil {
				e = true
				break
			}

			if b == '?' {
				if cmdChar != "" {
					cmdQuery = true
					break
				}
				e = true
				break
			}

			if cmdAssign {
				if !cmdLong && !checkValidNumChar(b) { // short command only accepts numbers
					cmdBuf.UnreadByte()
					break
				}
				cmdAssignVal += string(b)
				continue
			}

			if b == '+' || b == '#' {
				if cmdChar == "" {
					cmdLong = true
					cmdChar += string(b)
					continue
				}
				e = true
				break
			}

			if b == '=' {
				if cmdChar != "" {
					cmdAssign = true
					continue
				}
				e = true
				break
			}

			if cmdLong {
				if checkValidCmdChar(b) {
					cmdChar += string(b)
					continue
				}
				e = true
				break
			}

			if cmdChar == "" || cmdChar == "&" {
				if b == '&' && cmdChar == "" && cmdBuf.Len() > 0 {
					cmdChar += string(b)
					continue
				}
				if checkValidCmdChar(b) {
					cmdChar += string(b)
				} else {
					e = true
					break
				}
			} else {
				if checkValidNumChar(b) {
					cmdNum += string(b)
				} else {
					cmdBuf.UnreadByte()
					break
				}
			}
		}
		if !e {
			cmdRet = m.processCommand(strings.ToUpper(cmdChar), cmdNum, cmdAssign, cmdQuery, cmdAssignVal)
			if cmdRet != RetCodeOk {
				break
			}
		}
		if cmdLong {
			break // long commands don't support chaining
		}
	}

	if e {
		cmdRet = RetCodeError
	}
	return cmdRet
}

// ProcessAtCommand processes a command line (without the AT prefix).
// The modem lock must be held before calling this method.
func (m *Modem) ProcessAtCommand(cmd string) RetCode {
	m.checkLock()
	return m.processAtCommand(cmd)
}

// ProcessAtCommandSync processes a command line with automatic lock management.
func (m *Modem) ProcessAtCommandSync(cmd string) RetCode {
	m.Lock()
	defer m.Unlock()
	return m.processAtCommand(cmd)
}

// Metrics returns a copy of the modem metrics.
// The modem lock must be held before calling this method.
func (m *Modem) Metrics() *Metrics {
	m.checkLock()
	copy := *m.metrics
	copy.Status = m.status()
	copy.History = append([]string(nil), m.metrics.History...)
	return &copy
}

// MetricsSync returns a copy of the modem metrics with automatic lock management.
func (m *Modem) MetricsSync() *Metrics {
	m.Lock()
	defer m.Unlock()
	return m.Metrics()
}

func (m *Modem) ttyReadTask() {
	aFlag := false
	atFlag := false
	buffer := *bytes.NewBuffer(nil)
	byteBuff := make([]byte, 1)

	m.Lock()
	for m.status() != StatusClosed {
		m.Unlock()
		n, err := m.tty.Read(byteBuff)
		m.Lock()
		if m.status() == StatusClosed {
			break
		}
		if err != nil || n == 0 {
			m.setStatus(StatusClosed)
			break
		}
		m.metrics.LastTtyRxTime = time.Now()
		m.metrics.TtyRxBytes += n

		if !atFlag {
			if m.settings.Echo {
				m.ttyWrite(byteBuff)
			}
			if bytes.ToUpper(byteBuff)[0] == 'A' {
				aFlag = true
				continue
			}
			if aFlag && bytes.ToUpper(byteBuff)[0] == 'T' {
				atFlag = true
				aFlag = false
				continue
			}
			aFlag = false
			continue
		}
		if byteBuff[0] == '\r' || byteBuff[0] == '\n' {
			atFlag = false
			if m.settings.Echo {
				m.ttyWriteStr("\r")
			}
			r := m.processAtCommand(buffer.String())
			m.printRetCode(r)
			buffer.Reset()
			continue
		}
		if buffer.Len() < 100 && strconv.IsPrint(rune(byteBuff[0])) {
			buffer.Write(byteBuff)
			if m.settings.Echo {
				m.ttyWrite(byteBuff)
			}
		}
	}
	m.Unlock()
}

// NewModem creates a virtual modem in StatusIdle and starts reading the TTY.
//
// Returns ErrConfigRequired if config is nil or TTY is missing.
func NewModem(config *ModemConfig) (*Modem, error) {
	if config == nil || config.TTY == nil {
		return nil, ErrConfigRequired
	}

	m := &Modem{
		st:                StatusIdle,
		id:                config.Id,
		tty:               config.TTY,
		commandHook:       config.CommandHook,
		lineHook:          config.LineHook,
		statusTransition:  config.StatusTransition,
		ringMax:           config.RingMax,
		ringInterval:      config.RingInterval,
		callerIDAfterRing: config.CallerIDAfterRing,
		callerIDFirst:     config.CallerIDFirst,
		callerName:        config.CallerName,
		now:               config.Now,
		metrics:           &Metrics{},
	}
	m.factoryReset()
	m.saved = m.settings

	m.stCtx, m.stCtxCancel = context.WithCancel(context.Background())

	if m.ringMax == 0 {
		m.ringMax = 5
	}
	if m.ringInterval == 0 {
		m.ringInterval = 6 * time.Second
	}
	if m.callerIDAfterRing == 0 {
		m.callerIDAfterRing = 1
	}
	if m.now == nil {
		m.now = time.Now
	}

	go m.ttyReadTask()
	return m, nil
}
