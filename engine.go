package icesmtp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine is the core SMTP protocol engine.
// It handles a single SMTP session over an io.Reader/io.Writer pair.
type Engine struct {
	config SessionConfig
	reader *bufio.Reader
	writer io.Writer
	parser *Parser
	sm     *StateMachine
	state  *SessionState
	stats  SessionStats
	logger Logger

	// Session identification
	sessionID  SessionID
	clientIP   IPAddress
	clientAddr RemoteAddress

	// Current envelope being built
	envelope EnvelopeBuilder

	// conn is the underlying connection, set when the engine was created
	// with NewEngineWithConn or NewEngineFromNetConn, or with NewEngine
	// over a reader that is a net.Conn. It is nil for engines built over
	// any other io.Reader/io.Writer pair, in which case STARTTLS and
	// deadline enforcement are unavailable.
	conn Conn

	// Synchronization
	mu     sync.Mutex
	closed bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClientIP sets the client IP address.
func WithClientIP(ip IPAddress) EngineOption {
	return func(e *Engine) {
		e.clientIP = ip
	}
}

// WithClientAddr sets the client address.
func WithClientAddr(addr RemoteAddress) EngineOption {
	return func(e *Engine) {
		e.clientAddr = addr
	}
}

// WithSessionID sets a specific session ID.
func WithSessionID(id SessionID) EngineOption {
	return func(e *Engine) {
		e.sessionID = id
	}
}

// NewEngine creates a new SMTP engine.
func NewEngine(r io.Reader, w io.Writer, config SessionConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		config:    config,
		reader:    bufio.NewReader(r),
		writer:    w,
		parser:    NewParser(),
		sm:        NewStateMachine(),
		state:     &SessionState{State: StateDisconnected},
		stats:     SessionStats{StartTime: time.Now()},
		sessionID: generateSessionID(),
	}

	if config.Logger != nil {
		e.logger = config.Logger.WithSession(e.sessionID)
	} else {
		e.logger = NullLogger{}
	}

	e.parser.MaxCommandLength = config.Limits.MaxCommandLength
	if e.parser.MaxCommandLength == 0 {
		e.parser.MaxCommandLength = 512
	}

	if nc, ok := r.(net.Conn); ok {
		e.conn = WrapNetConn(nc)
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// NewEngineWithConn creates a new SMTP engine over a Conn, enabling
// deadline enforcement and STARTTLS upgrade support. This is the
// constructor used in production (over a NetConn) and in tests (over
// a PipeConn via harness.Harness).
func NewEngineWithConn(conn Conn, config SessionConfig, opts ...EngineOption) *Engine {
	e := NewEngine(conn, conn, config, opts...)
	e.conn = conn
	return e
}

// NewEngineFromNetConn creates a new SMTP engine over a net.Conn,
// wrapping it with WrapNetConn.
func NewEngineFromNetConn(conn net.Conn, config SessionConfig, opts ...EngineOption) *Engine {
	return NewEngineWithConn(WrapNetConn(conn), config, opts...)
}

// generateSessionID creates a unique session identifier.
func generateSessionID() SessionID {
	return uuid.NewString()
}

// Run executes the SMTP session.
func (e *Engine) Run(ctx context.Context) error {
	// Connect and send greeting
	if err := e.sm.Connect(); err != nil {
		return err
	}

	// Call connect hook
	if e.config.Hooks != nil {
		e.config.Hooks.OnConnect(ctx, e)
	}

	// Send greeting
	greeting := e.buildGreeting()
	if err := e.writeResponse(ctx, greeting); err != nil {
		return e.handleDisconnect(ctx, DisconnectError, err)
	}

	if err := e.sm.Greet(); err != nil {
		return err
	}
	e.state.State = StateGreeted

	e.logger.Info(ctx, "session started",
		Attr(AttrClientIP, e.clientIP))

	// Main command loop
	for {
		select {
		case <-ctx.Done():
			return e.handleDisconnect(ctx, DisconnectTimeout, ctx.Err())
		default:
		}

		// Check if we're in a terminal state
		if e.sm.State().IsTerminal() {
			break
		}

		// Set command timeout
		cmdCtx := ctx
		if e.config.Limits.CommandTimeout > 0 {
			var cancel context.CancelFunc
			cmdCtx, cancel = context.WithTimeout(ctx, e.config.Limits.CommandTimeout)
			defer cancel()
		}

		// Read and process command
		if err := e.processOneCommand(cmdCtx); err != nil {
			if e.sm.State().IsTerminal() {
				break
			}
			// Check if this is a protocol error vs. I/O error
			if isIOError(err) {
				return e.handleDisconnect(ctx, DisconnectError, err)
			}
			// Protocol errors are handled, continue
		}

		if e.sm.State() == StateStartTLS {
			if err := e.performTLSUpgrade(ctx); err != nil {
				e.logger.Info(ctx, "TLS upgrade failed", Attr(AttrError, err.Error()))
				return e.handleDisconnect(ctx, DisconnectTLSFailure, err)
			}
		}
	}

	return e.handleDisconnect(ctx, DisconnectNormal, nil)
}

// processOneCommand reads and processes a single SMTP command.
func (e *Engine) processOneCommand(ctx context.Context) error {
	// Read command line
	line, err := e.readLine(ctx)
	if err != nil {
		return err
	}

	e.stats.CommandCount++

	// AUTH LOGIN/PLAIN continuation lines are raw base64, not commands.
	switch e.sm.State() {
	case StateAwaitingAuthUser:
		return e.handleAuthUserLine(ctx, line)
	case StateAwaitingAuthPass:
		return e.handleAuthPassLine(ctx, line)
	}

	// Parse command
	cmd, err := e.parser.ParseCommand(line)
	if err != nil {
		e.state.ConsecutiveErrors++
		if checkErr := e.checkErrorLimit(); checkErr != nil {
			e.writeResponse(ctx, NewResponse(Reply421ServiceNotAvailable, "Too many errors, closing connection"))
			e.sm.Abort()
			return checkErr
		}
		e.writeResponse(ctx, ResponseSyntaxError)
		return err
	}

	e.logger.Debug(ctx, "received command",
		Attr(AttrCommand, cmd.Verb.String()),
		Attr(AttrState, e.sm.State().String()))

	// Call command hook
	if e.config.Hooks != nil {
		if err := e.config.Hooks.OnCommand(ctx, *cmd, e); err != nil {
			e.writeResponse(ctx, ResponseTransactionFailed)
			return err
		}
	}

	// Check if command is allowed in current state
	if !e.sm.IsCommandAllowed(cmd.Verb) {
		e.state.ConsecutiveErrors++
		if checkErr := e.checkErrorLimit(); checkErr != nil {
			e.writeResponse(ctx, NewResponse(Reply421ServiceNotAvailable, "Too many errors, closing connection"))
			e.sm.Abort()
			return checkErr
		}
		e.writeResponse(ctx, ResponseBadSequence)
		return nil
	}

	// Handle the command
	response := e.handleCommand(ctx, cmd)

	// Write response
	if err := e.writeResponse(ctx, response); err != nil {
		return err
	}

	// Reset error count on successful command
	if response.Code.IsPositive() {
		e.state.ConsecutiveErrors = 0
	}

	return nil
}

// handleCommand processes a command and returns the response.
func (e *Engine) handleCommand(ctx context.Context, cmd *Command) Response {
	switch cmd.Verb {
	case CmdHELO:
		return e.handleHELO(ctx, cmd)
	case CmdEHLO:
		return e.handleEHLO(ctx, cmd)
	case CmdMAIL:
		return e.handleMAIL(ctx, cmd)
	case CmdRCPT:
		return e.handleRCPT(ctx, cmd)
	case CmdDATA:
		return e.handleDATA(ctx, cmd)
	case CmdRSET:
		return e.handleRSET(ctx, cmd)
	case CmdNOOP:
		return e.handleNOOP(ctx, cmd)
	case CmdQUIT:
		return e.handleQUIT(ctx, cmd)
	case CmdVRFY:
		return e.handleVRFY(ctx, cmd)
	case CmdHELP:
		return e.handleHELP(ctx, cmd)
	case CmdSTARTTLS:
		return e.handleSTARTTLS(ctx, cmd)
	case CmdAUTH:
		return e.handleAUTH(ctx, cmd)
	default:
		return ResponseCommandNotImplemented
	}
}

func (e *Engine) handleHELO(ctx context.Context, cmd *Command) Response {
	hostname, err := ParseHeloHostname(cmd.Argument)
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	e.state.ClientHostname = hostname
	e.sm.TransitionForCommand(CmdHELO, true)
	e.state.State = StateIdentified

	// Reset any existing transaction
	e.resetTransaction()

	return NewResponse(Reply250OK, fmt.Sprintf("%s Hello %s", e.config.ServerHostname, hostname))
}

func (e *Engine) handleEHLO(ctx context.Context, cmd *Command) Response {
	hostname, err := ParseHeloHostname(cmd.Argument)
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	e.state.ClientHostname = hostname
	e.sm.TransitionForCommand(CmdEHLO, true)
	e.state.State = StateIdentified

	// Reset any existing transaction
	e.resetTransaction()

	// Build EHLO response with extensions
	lines := []string{fmt.Sprintf("%s Hello %s", e.config.ServerHostname, hostname)}

	ext := e.config.Extensions
	if ext.SIZE && e.config.Limits.MaxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("SIZE %d", e.config.Limits.MaxMessageSize))
	}
	if ext.STARTTLS && e.config.TLSPolicy != TLSDisabled && !e.state.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	if ext.EightBitMIME {
		lines = append(lines, "8BITMIME")
	}
	if ext.PIPELINING {
		lines = append(lines, "PIPELINING")
	}
	if ext.ENHANCEDSTATUSCODES {
		lines = append(lines, "ENHANCEDSTATUSCODES")
	}
	if ext.SMTPUTF8 {
		lines = append(lines, "SMTPUTF8")
	}
	if ext.HELP {
		lines = append(lines, "HELP")
	}

	return NewMultilineResponse(Reply250OK, lines...)
}

func (e *Engine) handleMAIL(ctx context.Context, cmd *Command) Response {
	// Check TLS requirement
	if e.config.TLSPolicy == TLSRequired && !e.state.TLSActive {
		return NewResponse(Reply530AuthRequired, "Must issue STARTTLS first")
	}

	// Check authentication requirement
	if e.config.RequireAuth && !e.state.Authenticated {
		return NewResponse(Reply530AuthRequired, "Authentication required")
	}

	// Check transaction limit
	if e.config.Limits.MaxTransactions > 0 && e.stats.TransactionCount >= e.config.Limits.MaxTransactions {
		return NewResponse(Reply421ServiceNotAvailable, "Too many transactions")
	}

	// Parse the mail path
	path, err := ParseMailPath(cmd.Argument, "FROM")
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	// Check SIZE parameter
	if e.config.Extensions.SIZE && e.config.Limits.MaxMessageSize > 0 {
		if sizeStr, ok := cmd.Params["SIZE"]; ok {
			var size int64
			fmt.Sscanf(sizeStr, "%d", &size)
			if size > e.config.Limits.MaxMessageSize {
				return NewResponse(Reply552ExceededStorage, "Message size exceeds fixed maximum message size")
			}
		}
	}

	// Validate sender if policy is configured
	if e.config.SenderPolicy != nil {
		result := e.config.SenderPolicy.ValidateSender(ctx, *path, e)
		if !result.Accepted {
			return result.Response
		}
	}

	// Create new envelope
	metadata := EnvelopeMetadata{
		SessionID:         e.sessionID,
		ClientHostname:    e.state.ClientHostname,
		ClientIP:          e.clientIP,
		ServerHostname:    e.config.ServerHostname,
		TLSActive:         e.state.TLSActive,
		AuthenticatedUser: e.state.AuthenticatedUser,
	}

	if e.config.EnvelopeFactory != nil {
		e.envelope = e.config.EnvelopeFactory.NewBuilder(metadata)
	} else {
		e.envelope = NewStandardEnvelopeBuilder(metadata)
	}

	if err := e.envelope.SetMailFrom(*path, cmd.Params); err != nil {
		return ResponseTransactionFailed
	}

	e.sm.TransitionForCommand(CmdMAIL, true)
	e.state.State = StateMailFrom

	if e.config.Hooks != nil {
		e.config.Hooks.OnMailFrom(ctx, *path, e)
	}

	e.logger.Info(ctx, "mail from accepted",
		Attr(AttrMailFrom, path.Address))

	return ResponseOK
}

func (e *Engine) handleRCPT(ctx context.Context, cmd *Command) Response {
	// Parse the recipient path
	path, err := ParseMailPath(cmd.Argument, "TO")
	if err != nil {
		return ResponseSyntaxErrorParams
	}

	// Check recipient limit
	if e.config.Limits.MaxRecipients > 0 {
		if e.envelope.Build().RecipientCount() >= e.config.Limits.MaxRecipients {
			return NewResponse(Reply452InsufficientStorage, "Too many recipients")
		}
	}

	// Validate recipient
	result := e.config.Mailbox.ValidateRecipient(ctx, *path, e)
	if result.Status != RecipientAccepted {
		return result.Response
	}

	// Add recipient to envelope
	if err := e.envelope.AddRecipient(*path); err != nil {
		return ResponseTransactionFailed
	}

	e.sm.TransitionForCommand(CmdRCPT, true)
	e.state.State = StateRcptTo

	if e.config.Hooks != nil {
		e.config.Hooks.OnRcptTo(ctx, *path, e)
	}

	e.logger.Info(ctx, "recipient accepted",
		Attr(AttrRcptTo, path.Address))

	return ResponseOK
}

func (e *Engine) handleDATA(ctx context.Context, cmd *Command) Response {
	// Transition to DATA state
	e.sm.TransitionForCommand(CmdDATA, true)
	e.state.State = StateData

	if e.config.Hooks != nil {
		e.config.Hooks.OnDataStart(ctx, e)
	}

	// Send intermediate response
	if err := e.writeResponse(ctx, ResponseStartMailInput); err != nil {
		e.sm.Abort()
		return Response{} // Already sent, error handled
	}

	// Read message data
	data, err := e.readData(ctx)
	if err != nil {
		if errors.Is(err, ErrMessageTooLarge) {
			e.sm.Reset()
			e.state.State = StateIdentified
			return NewResponse(Reply552ExceededStorage, "Message size exceeds limit")
		}
		e.sm.Abort()
		return NewResponse(Reply451LocalError, "Error receiving message data")
	}

	// Write data to envelope
	writer, err := e.envelope.DataWriter()
	if err != nil {
		e.sm.Reset()
		e.state.State = StateIdentified
		return NewResponse(Reply451LocalError, "Unable to accept message")
	}
	writer.Write(data)
	writer.Close()

	// Finalize envelope
	envelope, err := e.envelope.Finalize()
	if err != nil {
		e.sm.Reset()
		e.state.State = StateIdentified
		return NewResponse(Reply451LocalError, "Unable to finalize message")
	}

	// Store message. This is the commit transition's single suspension
	// point that crosses executor boundaries: the actual transaction runs
	// on the Worker Executor so the I/O goroutine is never blocked on it.
	if e.config.Storage != nil {
		_, err := runOnExecutor(ctx, e.config.WorkerExecutor, func() (any, error) {
			return e.config.Storage.Store(ctx, envelope)
		})
		if err != nil {
			e.sm.Reset()
			e.state.State = StateIdentified
			e.logger.Error(ctx, "storage error", Attr(AttrError, err))
			return NewResponse(Reply554TransactionFailed, "Transaction failed")
		}
	}

	// Update stats
	e.stats.MessageCount++
	e.stats.TransactionCount++
	e.stats.RecipientCount += envelope.RecipientCount()

	e.sm.DataComplete()
	e.sm.Reset()
	e.state.State = StateIdentified
	e.envelope = nil

	if e.config.Hooks != nil {
		e.config.Hooks.OnDataEnd(ctx, envelope, e)
	}

	e.logger.Info(ctx, "message received",
		Attr(AttrEnvelopeID, envelope.ID()),
		Attr(AttrMessageSize, envelope.DataSize()),
		Attr(AttrRecipients, envelope.RecipientCount()))

	return NewResponse(Reply250OK, fmt.Sprintf("OK, message %s accepted", envelope.ID()))
}

func (e *Engine) handleRSET(ctx context.Context, cmd *Command) Response {
	e.resetTransaction()
	e.sm.Reset()
	if e.sm.State() == StateGreeted || e.sm.State() == StateIdentified {
		e.state.State = e.sm.State()
	} else {
		e.state.State = StateIdentified
	}

	return ResponseOK
}

func (e *Engine) handleNOOP(ctx context.Context, cmd *Command) Response {
	return ResponseOK
}

func (e *Engine) handleQUIT(ctx context.Context, cmd *Command) Response {
	e.sm.TransitionForCommand(CmdQUIT, true)
	e.sm.Terminate()
	return ResponseBye
}

func (e *Engine) handleVRFY(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.VRFY {
		return ResponseCommandNotImplemented
	}

	// VRFY is often disabled for security reasons
	return NewResponse(Reply252CannotVRFY, "Cannot VRFY user; try RCPT to attempt delivery")
}

func (e *Engine) handleHELP(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.HELP {
		return ResponseCommandNotImplemented
	}

	lines := []string{
		"Supported commands:",
		"HELO EHLO MAIL RCPT DATA",
		"RSET NOOP QUIT HELP",
	}
	if e.config.Extensions.STARTTLS && e.config.TLSPolicy != TLSDisabled && e.config.TLSProvider != nil && !e.state.TLSActive {
		lines = append(lines, "STARTTLS")
	}
	lines = append(lines, "For more information, consult RFC 5321")

	return NewMultilineResponse(Reply214HelpMessage, lines...)
}

func (e *Engine) handleSTARTTLS(ctx context.Context, cmd *Command) Response {
	if e.config.TLSPolicy == TLSDisabled {
		return ResponseCommandNotImplemented
	}

	if e.state.TLSActive {
		return NewResponse(Reply503BadSequence, "TLS already active")
	}

	if e.config.TLSProvider == nil {
		return NewResponse(Reply454TLSNotAvailable, "TLS not available")
	}

	e.sm.TransitionForCommand(CmdSTARTTLS, true)
	e.state.State = StateStartTLS

	// TLS upgrade happens after we return this response
	// The actual upgrade is handled by the caller
	return NewResponse(Reply220ServiceReady, "Ready to start TLS")
}

// performTLSUpgrade runs the actual TLS handshake after a STARTTLS
// response has been sent. The state machine is already in
// StateStartTLS; on success it returns to StateGreeted per RFC 3207,
// requiring the client to re-issue EHLO.
func (e *Engine) performTLSUpgrade(ctx context.Context) error {
	if e.conn == nil {
		return &TLSError{Phase: TLSErrorPhaseHandshake, Message: "connection does not support TLS upgrade"}
	}

	tlsConfig, err := e.config.TLSProvider.GetConfig(ctx, nil)
	if err != nil {
		return err
	}

	tlsState, err := e.conn.UpgradeTLS(tlsConfig)
	if err != nil {
		return err
	}

	e.reader = bufio.NewReader(e.conn)
	e.writer = e.conn
	e.state.TLSActive = true
	e.state.TLSState = &tlsState

	if err := e.sm.TLSComplete(); err != nil {
		return err
	}
	e.state.State = e.sm.State()
	e.state.ClientHostname = ""

	if e.config.Hooks != nil {
		e.config.Hooks.OnTLSUpgrade(ctx, tlsState, e)
	}

	e.logger.Info(ctx, "TLS handshake complete",
		Attr("tls_version", tlsState.VersionString()))

	return nil
}

// handleAUTH processes AUTH LOGIN / AUTH PLAIN, with or without an
// initial response, per RFC 4954.
func (e *Engine) handleAUTH(ctx context.Context, cmd *Command) Response {
	if !e.config.Extensions.AUTH || e.config.Authenticator == nil {
		return ResponseCommandNotImplemented
	}

	if e.state.Authenticated {
		return NewResponse(Reply503BadSequence, "Already authenticated")
	}

	fields := strings.Fields(cmd.Argument)
	if len(fields) == 0 {
		return ResponseSyntaxErrorParams
	}
	mechanism := strings.ToUpper(fields[0])

	switch mechanism {
	case "PLAIN":
		if len(fields) == 2 {
			return e.finishAuthPlain(ctx, fields[1])
		}
		e.state.pendingAuthMechanism = "PLAIN"
		e.sm.Transition(StateAwaitingAuth)
		e.sm.Transition(StateAwaitingAuthUser)
		e.state.State = StateAwaitingAuthUser
		return NewResponse(Reply334AuthContinue, "")
	case "LOGIN":
		if len(fields) == 2 {
			return e.continueAuthLogin(ctx, fields[1])
		}
		e.state.pendingAuthMechanism = "LOGIN"
		e.sm.Transition(StateAwaitingAuth)
		e.sm.Transition(StateAwaitingAuthUser)
		e.state.State = StateAwaitingAuthUser
		return NewResponse(Reply334AuthContinue, base64.StdEncoding.EncodeToString([]byte("Username:")))
	default:
		return NewResponse(Reply504ParamNotImplemented, "Unrecognized authentication mechanism")
	}
}

// handleAuthUserLine processes the first continuation line of an AUTH
// challenge: the username for AUTH LOGIN, or the full initial-response
// for AUTH PLAIN sent as a bare continuation.
func (e *Engine) handleAuthUserLine(ctx context.Context, line []byte) error {
	text := strings.TrimRight(string(line), "\r\n")

	if text == "*" {
		return e.abortAuth(ctx)
	}

	if e.state.pendingAuthMechanism == "PLAIN" {
		resp := e.finishAuthPlain(ctx, text)
		return e.writeResponse(ctx, resp)
	}

	return e.continueAuthLogin(ctx, text)
}

// continueAuthLogin decodes the username and issues the password challenge.
func (e *Engine) continueAuthLogin(ctx context.Context, encodedUsername string) error {
	decoded, err := base64.StdEncoding.DecodeString(encodedUsername)
	if err != nil {
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified
		return e.writeResponse(ctx, NewResponse(Reply501SyntaxErrorParams, "Invalid base64 data"))
	}

	e.state.pendingAuthUsername = string(decoded)
	e.sm.Transition(StateAwaitingAuthPass)
	e.state.State = StateAwaitingAuthPass
	return e.writeResponse(ctx, NewResponse(Reply334AuthContinue, base64.StdEncoding.EncodeToString([]byte("Password:"))))
}

// handleAuthPassLine processes the password continuation line of AUTH LOGIN.
func (e *Engine) handleAuthPassLine(ctx context.Context, line []byte) error {
	text := strings.TrimRight(string(line), "\r\n")

	if text == "*" {
		return e.abortAuth(ctx)
	}

	decoded, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified
		return e.writeResponse(ctx, NewResponse(Reply501SyntaxErrorParams, "Invalid base64 data"))
	}

	resp := e.verifyAuth(ctx, e.state.pendingAuthUsername, string(decoded))
	return e.writeResponse(ctx, resp)
}

// finishAuthPlain decodes a PLAIN initial-response of the form
// authzid\0authcid\0password and verifies it.
func (e *Engine) finishAuthPlain(ctx context.Context, encoded string) Response {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified
		return NewResponse(Reply501SyntaxErrorParams, "Invalid base64 data")
	}

	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified
		return NewResponse(Reply501SyntaxErrorParams, "Malformed PLAIN response")
	}

	return e.verifyAuth(ctx, parts[1], parts[2])
}

// verifyAuth dispatches to the configured Authenticator and maps the
// result to the terminal AUTH response, tracking the attempt counter.
func (e *Engine) verifyAuth(ctx context.Context, username, password string) Response {
	e.state.pendingAuthMechanism = ""
	e.state.pendingAuthUsername = ""

	result, err := runOnExecutor(ctx, e.config.WorkerExecutor, func() (any, error) {
		return e.config.Authenticator.Verify(ctx, username, password)
	})
	ok, _ := result.(bool)
	if err != nil {
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified
		e.logger.Error(ctx, "auth backend error", Attr(AttrError, err))
		return NewResponse(Reply451LocalError, "Temporary authentication failure")
	}

	if !ok {
		e.state.AuthAttempts++
		e.sm.Transition(StateIdentified)
		e.state.State = StateIdentified

		if e.config.Limits.MaxAuthAttempts > 0 && e.state.AuthAttempts >= e.config.Limits.MaxAuthAttempts {
			e.sm.Abort()
			return NewResponse(Reply421ServiceNotAvailable, "Too many authentication failures")
		}
		return NewResponse(Reply535AuthFailed, "Authentication credentials invalid")
	}

	e.state.Authenticated = true
	e.state.AuthenticatedUser = username
	e.sm.Transition(StateIdentified)
	e.state.State = StateIdentified

	e.logger.Info(ctx, "authenticated", Attr("username", username))

	return NewResponse(Reply235AuthSuccessful, "Authentication successful")
}

// abortAuth handles the client cancelling an AUTH challenge with "*".
func (e *Engine) abortAuth(ctx context.Context) error {
	e.state.pendingAuthMechanism = ""
	e.state.pendingAuthUsername = ""
	e.sm.Transition(StateIdentified)
	e.state.State = StateIdentified
	return e.writeResponse(ctx, NewResponse(Reply501SyntaxErrorParams, "Authentication cancelled"))
}

// readLine reads a line from the client.
func (e *Engine) readLine(ctx context.Context) ([]byte, error) {
	if e.conn != nil && e.config.Limits.CommandTimeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(e.config.Limits.CommandTimeout))
	}

	line, err := e.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	e.stats.BytesRead += int64(len(line))
	return line, nil
}

// readData reads message data until the terminator.
func (e *Engine) readData(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	reader := NewDataLineReader()
	tooLarge := false

	if e.conn != nil && e.config.Limits.DataTimeout > 0 {
		e.conn.SetReadDeadline(time.Now().Add(e.config.Limits.DataTimeout))
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		e.stats.BytesRead += int64(len(line))

		// Check for terminator
		if reader.IsTerminator(line) {
			break
		}

		// Once over the size limit, discard the rest of the message up
		// to the terminator so it is not read back as commands.
		if tooLarge {
			continue
		}

		// Check line length
		if e.config.Limits.MaxLineLength > 0 && len(line) > e.config.Limits.MaxLineLength {
			return nil, ErrLineTooLong
		}

		// Check total size
		if e.config.Limits.MaxMessageSize > 0 && int64(buf.Len()+len(line)) > e.config.Limits.MaxMessageSize {
			tooLarge = true
			continue
		}

		// Unstuff and write
		buf.Write(reader.UnstuffLine(line))
	}

	if tooLarge {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// writeResponse writes an SMTP response.
func (e *Engine) writeResponse(ctx context.Context, resp Response) error {
	if e.conn != nil && e.config.Limits.CommandTimeout > 0 {
		e.conn.SetWriteDeadline(time.Now().Add(e.config.Limits.CommandTimeout))
	}

	data := resp.Bytes()
	n, err := e.writer.Write(data)
	e.stats.BytesWritten += int64(n)

	e.logger.Debug(ctx, "sent response",
		Attr(AttrReplyCode, int(resp.Code)))

	return err
}

// resetTransaction resets the current mail transaction.
func (e *Engine) resetTransaction() {
	if e.envelope != nil {
		e.envelope.Reset()
		e.envelope = nil
	}
}

// checkErrorLimit checks if the error limit has been exceeded.
func (e *Engine) checkErrorLimit() error {
	checker := &StandardLimitChecker{Limits: e.config.Limits}
	return checker.CheckErrorCount(e.state.ConsecutiveErrors)
}

// handleDisconnect handles session termination.
func (e *Engine) handleDisconnect(ctx context.Context, reason DisconnectReason, err error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.stats.EndTime = time.Now()

	if e.config.Hooks != nil {
		e.config.Hooks.OnDisconnect(ctx, e, reason)
	}

	e.logger.Info(ctx, "session ended",
		Attr("reason", reason.String()),
		Attr("commands", e.stats.CommandCount),
		Attr("messages", e.stats.MessageCount))

	return err
}

// buildGreeting builds the initial server greeting.
func (e *Engine) buildGreeting() Response {
	return NewResponse(Reply220ServiceReady, fmt.Sprintf("%s ESMTP icesmtp", e.config.ServerHostname))
}

// isIOError checks if an error is an I/O error.
func isIOError(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF || err == io.ErrClosedPipe
}

// SessionInfo interface implementation

func (e *Engine) ID() SessionID                      { return e.sessionID }
func (e *Engine) State() State                       { return e.state.State }
func (e *Engine) ClientHostname() Hostname           { return e.state.ClientHostname }
func (e *Engine) ClientIP() IPAddress                { return e.clientIP }
func (e *Engine) TLSActive() bool                    { return e.state.TLSActive }
func (e *Engine) Authenticated() bool                { return e.state.Authenticated }
func (e *Engine) AuthenticatedUser() Username        { return e.state.AuthenticatedUser }
func (e *Engine) CurrentRecipientCount() RecipientCount {
	if e.envelope == nil {
		return 0
	}
	return e.envelope.Build().RecipientCount()
}
func (e *Engine) CurrentMailFrom() *MailPath {
	if e.envelope == nil {
		return nil
	}
	env := e.envelope.Build()
	from := env.MailFrom()
	return &from
}

// Close terminates the session.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.sm.Abort()
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
