// Package client runs the tunnel client: it registers a port on the
// tunnel server, long-polls for public requests and answers them from a
// local application.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"devtunnel/internal/constants"
	"devtunnel/internal/utils"
)

var ErrTooManyErrors = errors.New("too many consecutive tunnel errors")

// Options configures a Client. Zero values take the built-in defaults.
type Options struct {
	ServerURL    string
	TargetHost   string
	TargetPort   int
	SettingsPath string
	ShowQR       bool

	MaxErrors  int
	RetryDelay time.Duration
	ErrorDelay time.Duration
	AppTimeout time.Duration

	HTTPClient *http.Client
	Out        io.Writer
	Logger     zerolog.Logger
}

type Client struct {
	opts       Options
	settings   *Settings
	userID     string
	serverPort int
	log        zerolog.Logger
}

func New(opts Options) (*Client, error) {
	serverURL, err := utils.NormalizeServerURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	opts.ServerURL = serverURL
	if opts.TargetPort < constants.MinPort || opts.TargetPort > constants.MaxPort {
		return nil, fmt.Errorf("invalid local port %d", opts.TargetPort)
	}
	if opts.TargetHost == "" {
		opts.TargetHost = constants.LocalAppHost
	}
	if opts.SettingsPath == "" {
		opts.SettingsPath = DefaultSettingsPath()
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = constants.ClientMaxErrors
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = constants.ClientRetryDelay
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = constants.ClientErrorDelay
	}
	if opts.AppTimeout <= 0 {
		opts.AppTimeout = constants.ClientAppTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: constants.ClientHTTPTimeout}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	settings, err := LoadSettings(opts.SettingsPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:     opts,
		settings: settings,
		userID:   settings.UserID(opts.TargetPort),
		log:      opts.Logger,
	}, nil
}

func (c *Client) UserID() string  { return c.userID }
func (c *Client) ServerPort() int { return c.serverPort }

func (c *Client) tag() string {
	return fmt.Sprintf("TUNNEL[%d:%d]", c.serverPort, c.opts.TargetPort)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.ServerURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set(constants.HeaderUserID, c.userID)
	if c.serverPort != 0 {
		req.Header.Set(constants.HeaderServerPort, strconv.Itoa(c.serverPort))
	}
	return req, nil
}

// Register asks the server for a public port, offering the one this
// local port had last time.
func (c *Client) Register(ctx context.Context) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, constants.EndpointRegister, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set(constants.HeaderClientVersion, strconv.Itoa(constants.DefaultClientVer))
	if preferred := c.settings.PreferredPort(c.opts.TargetPort); preferred != "" {
		req.Header.Set(constants.HeaderPreferredPort, preferred)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tunnel start error: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tunnel start error: %s", strings.TrimSpace(string(body)))
	}
	port, err := strconv.Atoi(resp.Header.Get(constants.HeaderServerPort))
	if err != nil {
		return 0, fmt.Errorf("tunnel start error: missing %s", constants.HeaderServerPort)
	}

	c.serverPort = port
	c.settings.Remember(c.opts.TargetPort, port)
	if err := c.settings.Save(c.opts.SettingsPath); err != nil {
		c.log.Warn().Err(err).Msg("could not remember server port")
	}
	return port, nil
}

// Close releases the server port.
func (c *Client) Close(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, constants.EndpointClose, nil)
	if err != nil {
		return err
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	c.log.Info().Msgf("%s - %s", c.tag(), strings.TrimSpace(string(body)))
	return nil
}

func (c *Client) publicURL() string {
	return utils.ConstructURL("http", net.JoinHostPort(utils.Hostname(c.opts.ServerURL), strconv.Itoa(c.serverPort)), "/")
}

// Run registers and serves requests until ctx is done or too many
// errors happen in a row. The server port is released on the way out.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.Register(ctx); err != nil {
		return err
	}
	started := time.Now()
	PrintTunnel(c.opts.Out, c.serverPort, c.opts.TargetPort, c.userID, c.publicURL(), c.opts.ShowQR)

	err := c.loop(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := c.Close(closeCtx); cerr != nil {
		c.log.Warn().Err(cerr).Msgf("%s - close failed", c.tag())
	}
	c.log.Info().Msgf("%s - tunnel stopped after %s", c.tag(), utils.FormatDuration(time.Since(started)))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) loop(ctx context.Context) error {
	var next *http.Response
	errCount := 0
	for {
		if err := ctx.Err(); err != nil {
			closeBody(next)
			return err
		}
		if errCount > c.opts.MaxErrors {
			closeBody(next)
			c.log.Error().Msgf("%s - Too many retry errors, exit.", c.tag())
			return ErrTooManyErrors
		}

		if next == nil {
			req, err := c.newRequest(ctx, http.MethodGet, constants.EndpointData, nil)
			if err != nil {
				return err
			}
			next, err = c.opts.HTTPClient.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				c.log.Warn().Err(err).Msgf("%s - poll error (retry after %s)", c.tag(), c.opts.RetryDelay)
				errCount++
				next = nil
				sleep(ctx, c.opts.RetryDelay)
				continue
			}
		}

		resp := next
		next = nil
		switch resp.StatusCode {
		case http.StatusNoContent:
			if reason := resp.Header.Get(constants.HeaderStatus); reason != "" {
				c.log.Debug().Msgf("%s - %s", c.tag(), reason)
			}
			closeBody(resp)
		case http.StatusOK:
			errCount = 0
			next = c.handle(ctx, resp)
		case http.StatusNotFound:
			closeBody(resp)
			c.log.Warn().Msgf("%s - server lost the tunnel, registering again", c.tag())
			if _, err := c.Register(ctx); err != nil {
				c.log.Error().Err(err).Msgf("%s - register failed", c.tag())
				errCount++
				sleep(ctx, c.opts.RetryDelay)
				continue
			}
			PrintTunnel(c.opts.Out, c.serverPort, c.opts.TargetPort, c.userID, c.publicURL(), false)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			closeBody(resp)
			c.log.Warn().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(body))).
				Msgf("%s - unexpected response, listening for next request", c.tag())
			errCount++
			sleep(ctx, c.opts.ErrorDelay)
		}
	}
}

// handle forwards one polled request to the local application and posts
// its reply. The POST answer is the next poll result.
func (c *Client) handle(ctx context.Context, poll *http.Response) *http.Response {
	defer closeBody(poll)
	requestID := poll.Header.Get(constants.HeaderRequestID)
	requestLine := poll.Header.Get(constants.HeaderRequest)
	log := c.log.With().Str("requestId", requestID).Logger()
	log.Info().Msgf("%s - Request-Id: %s, Request: %s", c.tag(), requestID, requestLine)

	reply, err := c.forward(poll.Body)
	if err != nil {
		log.Warn().Err(err).Msgf("%s - Request-Id: %s, Error talking to APP %d", c.tag(), requestID, c.opts.TargetPort)
		_, _ = io.Copy(io.Discard, poll.Body)
		reply = appDown(c.userID, err)
	}

	status := statusLine(reply)
	log.Info().Msgf("%s - Request-Id: %s, Response: %s, %d bytes", c.tag(), requestID, status, len(reply))
	fmt.Fprint(c.opts.Out, utils.FormatLog("", requestMethod(requestLine), statusCode(status), requestPath(requestLine)))

	req, err := c.newRequest(ctx, http.MethodPost, constants.EndpointData, reply)
	if err != nil {
		return nil
	}
	req.Header.Set(constants.HeaderRequestID, requestID)
	req.Header.Set(constants.HeaderContentType, constants.ContentTypeStream)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msgf("%s - post/poll error", c.tag())
		}
		return nil
	}
	return resp
}

// forward writes the raw request to the local application and reads its
// reply until the application closes the connection.
func (c *Client) forward(request io.Reader) ([]byte, error) {
	addr := net.JoinHostPort(c.opts.TargetHost, strconv.Itoa(c.opts.TargetPort))
	conn, err := net.DialTimeout("tcp", addr, c.opts.AppTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.opts.AppTimeout))

	if _, err := io.Copy(conn, request); err != nil {
		return nil, err
	}
	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		return nil, err
	}
	return reply, nil
}

func appDown(userID string, cause error) []byte {
	msg := fmt.Sprintf("Could not connect to application of %s, error: %v\n", userID, cause)
	return []byte("HTTP/1.1 " + constants.AppDownStatus + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"Connection: close\r\n" +
		"Content-Length: " + strconv.Itoa(len(msg)) + "\r\n\r\n" + msg)
}

func statusLine(reply []byte) string {
	if i := bytes.IndexByte(reply, '\r'); i >= 0 {
		return string(reply[:i])
	}
	return string(reply)
}

func statusCode(line string) int {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0
	}
	code, _ := strconv.Atoi(parts[1])
	return code
}

func requestMethod(line string) string {
	method, _, _ := strings.Cut(line, " ")
	return method
}

func requestPath(line string) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
