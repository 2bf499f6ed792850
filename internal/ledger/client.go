package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-settlement/pkg/poll"
)

var ErrClientClosed = errors.New("ledger client closed")

// Config configures the rippled WebSocket client.
type Config struct {
	URL              string
	DialTimeout      time.Duration
	RequestTimeout   time.Duration
	ReconnectBackoff time.Duration
	MaxReconnects    int
	FeeMultMax       int
	Validation       poll.Policy // how long to wait for a submitted tx to validate
}

func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:6006",
		DialTimeout:      10 * time.Second,
		RequestTimeout:   20 * time.Second,
		ReconnectBackoff: time.Second,
		MaxReconnects:    5,
		FeeMultMax:       1000,
		Validation:       poll.Policy{Interval: time.Second, MaxAttempts: 30},
	}
}

// RPCError is an error response from rippled, e.g. actNotFound or txnNotFound.
type RPCError struct {
	Command string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Command, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Code)
}

type rpcResponse struct {
	ID           uint64          `json:"id"`
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	Result       json.RawMessage `json:"result"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"error_message"`
}

// session is one live connection and the requests waiting on it.
type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan rpcResponse
	done    chan struct{}
	err     error
}

func (s *session) register(id uint64) (chan rpcResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan rpcResponse, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) unregister(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) deliver(resp rpcResponse) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	delete(s.pending, resp.ID)
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}

func (s *session) write(v any, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return s.conn.WriteJSON(v)
}

// Client talks to a rippled node over its WebSocket API. One connection is
// shared by every caller; requests are matched to responses by id.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger

	// connMu serialises dialing so concurrent callers never race to reconnect.
	connMu  sync.Mutex
	current *session

	nextID atomic.Uint64
	closed atomic.Bool
}

var _ Gateway = (*Client)(nil)

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: log.With().Str("component", "ledger_client").Str("url", cfg.URL).Logger(),
	}
}

// Connect dials the node eagerly. Requests dial lazily when needed, so calling
// Connect is optional.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// Close drops the connection; in-flight requests fail with ErrClientClosed.
func (c *Client) Close() error {
	c.closed.Store(true)

	c.connMu.Lock()
	s := c.current
	c.current = nil
	c.connMu.Unlock()

	if s == nil {
		return nil
	}
	s.fail(ErrClientClosed)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

func (c *Client) session(ctx context.Context) (*session, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if c.current != nil {
		return c.current, nil
	}

	attempts := c.cfg.MaxReconnects
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err == nil {
			s := &session{
				conn:    conn,
				pending: make(map[uint64]chan rpcResponse),
				done:    make(chan struct{}),
			}
			c.current = s
			go c.readLoop(s)
			c.logger.Info().Int("attempt", attempt).Msg("connected to ledger node")
			return s, nil
		}

		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("ledger node dial failed")
		if attempt == attempts {
			break
		}
		if err := poll.Sleep(ctx, c.cfg.ReconnectBackoff*time.Duration(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, networkError("connect", lastErr)
}

func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.drop(s, err)
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("discarding undecodable message")
			continue
		}
		if resp.ID == 0 {
			// stream message, nothing waits for it
			continue
		}
		s.deliver(resp)
	}
}

func (c *Client) drop(s *session, err error) {
	c.connMu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.connMu.Unlock()

	s.fail(networkError("connection lost", err))
	_ = s.conn.Close()

	if !c.closed.Load() {
		c.logger.Warn().Err(err).Msg("ledger connection dropped")
	}
}

// call sends one command and waits for its response.
func (c *Client) call(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	req := make(map[string]any, len(params)+2)
	for k, v := range params {
		req[k] = v
	}
	req["id"] = id
	req["command"] = command

	ch, err := s.register(id)
	if err != nil {
		return nil, err
	}
	defer s.unregister(id)

	if err := s.write(req, c.cfg.RequestTimeout); err != nil {
		c.drop(s, err)
		return nil, networkError(command, err)
	}

	timeout := c.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status != "success" {
			return nil, &RPCError{Command: command, Code: resp.Error, Message: resp.ErrorMessage}
		}
		return resp.Result, nil
	case <-s.done:
		return nil, s.err
	case <-timer.C:
		return nil, networkError(command, fmt.Errorf("no response after %s", timeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// query is call for read-only commands, retried once on a new connection
// after a transport failure.
func (c *Client) query(ctx context.Context, command string, params map[string]any) (json.RawMessage, error) {
	raw, err := c.call(ctx, command, params)
	if err != nil && errors.Is(err, ErrNetwork) && ctx.Err() == nil {
		c.logger.Debug().Err(err).Str("command", command).Msg("retrying query")
		return c.call(ctx, command, params)
	}
	return raw, err
}

func (c *Client) Wallet(ctx context.Context, seed string) (Wallet, error) {
	raw, err := c.query(ctx, "wallet_propose", map[string]any{"seed": seed})
	if err != nil {
		return Wallet{}, fmt.Errorf("failed to derive wallet: %w", err)
	}

	var result struct {
		AccountID string `json:"account_id"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return Wallet{}, fmt.Errorf("failed to decode wallet_propose: %w", err)
	}
	if result.AccountID == "" {
		return Wallet{}, errors.New("wallet_propose returned no account")
	}
	return NewWallet(result.AccountID, seed), nil
}

// Submit sign-and-submits op through the node and waits for validation. It is
// never retried: a resubmission could execute twice.
func (c *Client) Submit(ctx context.Context, op Operation, signer Wallet) (*SubmissionResult, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	if signer.seed == "" {
		return nil, errors.New("signer has no seed")
	}

	logger := c.logger.With().
		Str("tx_type", string(op.Type)).
		Str("account", signer.Address).
		Logger()

	raw, err := c.call(ctx, "submit", map[string]any{
		"tx_json":      op.TxJSON(signer.Address),
		"secret":       signer.seed,
		"fee_mult_max": c.cfg.FeeMultMax,
	})
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, &SubmissionRejectedError{EngineResult: rpcErr.Code, Message: rpcErr.Message}
		}
		return nil, err
	}

	var result struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		TxJSON              struct {
			Hash string `json:"hash"`
		} `json:"tx_json"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode submit result: %w", err)
	}

	logger.Debug().
		Str("engine_result", result.EngineResult).
		Str("hash", result.TxJSON.Hash).
		Msg("transaction submitted")

	if result.EngineResult != EngineSuccess && result.EngineResult != "terQUEUED" {
		return nil, &SubmissionRejectedError{
			EngineResult: result.EngineResult,
			Message:      result.EngineResultMessage,
			Hash:         result.TxJSON.Hash,
		}
	}

	validated, err := c.awaitValidation(ctx, result.TxJSON.Hash)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("hash", validated.Hash).
		Uint32("ledger_index", validated.LedgerIndex).
		Msg("transaction validated")
	return validated, nil
}

func (c *Client) awaitValidation(ctx context.Context, hash string) (*SubmissionResult, error) {
	result, err := poll.For(ctx, c.cfg.Validation, func(ctx context.Context) (*SubmissionResult, bool, error) {
		raw, err := c.query(ctx, "tx", map[string]any{"transaction": hash})
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound" {
				return nil, false, nil
			}
			return nil, false, err
		}

		var tx struct {
			Validated   bool            `json:"validated"`
			LedgerIndex uint32          `json:"ledger_index"`
			Meta        json.RawMessage `json:"meta"`
		}
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, false, fmt.Errorf("failed to decode tx: %w", err)
		}
		if !tx.Validated {
			return nil, false, nil
		}

		var meta struct {
			TransactionResult string `json:"TransactionResult"`
		}
		if err := json.Unmarshal(tx.Meta, &meta); err != nil {
			return nil, false, fmt.Errorf("failed to decode tx meta: %w", err)
		}
		if meta.TransactionResult != EngineSuccess {
			return nil, false, &SubmissionRejectedError{EngineResult: meta.TransactionResult, Hash: hash}
		}

		return &SubmissionResult{
			Hash:         hash,
			EngineResult: meta.TransactionResult,
			Validated:    true,
			LedgerIndex:  tx.LedgerIndex,
			Meta:         tx.Meta,
		}, true, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrValidationTimeout, hash)
	}
	return result, err
}

func (c *Client) AccountLines(ctx context.Context, account string) ([]TrustLine, error) {
	var lines []TrustLine
	err := c.paginate(ctx, "account_lines", map[string]any{
		"account":      account,
		"ledger_index": "validated",
	}, func(raw json.RawMessage) (json.RawMessage, error) {
		var page struct {
			Lines  []TrustLine     `json:"lines"`
			Marker json.RawMessage `json:"marker"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, err
		}
		lines = append(lines, page.Lines...)
		return page.Marker, nil
	})
	return lines, err
}

func (c *Client) AccountChecks(ctx context.Context, account string) ([]Check, error) {
	var checks []Check
	err := c.paginate(ctx, "account_objects", map[string]any{
		"account":      account,
		"type":         "check",
		"ledger_index": "validated",
	}, func(raw json.RawMessage) (json.RawMessage, error) {
		var page struct {
			Objects []Check         `json:"account_objects"`
			Marker  json.RawMessage `json:"marker"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, err
		}
		checks = append(checks, page.Objects...)
		return page.Marker, nil
	})
	return checks, err
}

// paginate follows rippled markers until a page comes back without one.
func (c *Client) paginate(ctx context.Context, command string, params map[string]any, page func(json.RawMessage) (json.RawMessage, error)) error {
	for {
		raw, err := c.query(ctx, command, params)
		if err != nil {
			return fmt.Errorf("%s failed: %w", command, err)
		}

		marker, err := page(raw)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", command, err)
		}
		if len(marker) == 0 || string(marker) == "null" {
			return nil
		}
		params["marker"] = marker
	}
}
