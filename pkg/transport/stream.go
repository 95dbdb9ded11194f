package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/grovetools/prdflow/errors"
	"github.com/grovetools/prdflow/pkg/models"
)

// StreamPath is the server's SSE endpoint.
const StreamPath = "/api/stream"

// EventStream is the stream backend: events arrive on a long-lived SSE
// response and requests are ordinary HTTP calls.
type EventStream struct {
	*dispatcher
	*supervisor

	httpClient   *http.Client
	streamClient *http.Client
}

// NewEventStream creates an unconnected stream backend.
func NewEventStream(opts Options) *EventStream {
	opts = opts.withDefaults()
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	s := &EventStream{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.RequestTimeout,
		},
		// No timeout for streaming
		streamClient: &http.Client{Transport: &http.Transport{}},
	}
	s.dispatcher = newDispatcher(opts.Logger.WithField("backend", BackendSSE))
	s.supervisor = &supervisor{
		opts: opts,
		d:    s.dispatcher,
		dial: s.dial,
	}
	return s
}

func (s *EventStream) url(path string, query url.Values) string {
	u := strings.TrimRight(s.opts.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (s *EventStream) dial(ctx context.Context) (link, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet,
		s.url(StreamPath, url.Values{"session_id": {s.opts.SessionID}}), nil)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		stop()
		cancel()
		return nil, fmt.Errorf("failed to connect to stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		stop()
		cancel()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return &sseLink{body: resp.Body, cancel: cancel, stop: stop, owner: s}, nil
}

// Send issues the request over HTTP using the shared route table. GET
// requests carry the payload fields as query parameters.
func (s *EventStream) Send(ctx context.Context, name models.RequestName, payload, out any) error {
	route, ok := models.Routes[name]
	if !ok {
		return errors.InvalidInput("request", fmt.Sprintf("unknown request %q", name))
	}

	var body io.Reader
	target := s.url(route.Path, nil)
	if route.Method == http.MethodGet {
		query, err := queryFrom(payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode request")
		}
		target = s.url(route.Path, query)
	} else {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, route.Method, target, body)
	if err != nil {
		return errors.TransportFailed(string(name), err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.TransportFailed(string(name), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.TransportFailed(string(name), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var status models.StatusResponse
		if jsonErr := json.Unmarshal(data, &status); jsonErr != nil || status.Message == "" {
			return errors.New(errors.ErrCodeTransport,
				fmt.Sprintf("%s returned status %d", name, resp.StatusCode))
		}
		return errorFromStatus(&status, string(name)+" failed")
	}
	return decodeInto(data, out)
}

// queryFrom flattens a JSON-encodable payload into query parameters.
func queryFrom(payload any) (url.Values, error) {
	values := url.Values{}
	if payload == nil {
		return values, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		switch tv := v.(type) {
		case string:
			values.Set(k, tv)
		case nil:
		default:
			values.Set(k, fmt.Sprint(tv))
		}
	}
	return values, nil
}

// Close stops the stream and releases idle HTTP connections.
func (s *EventStream) Close() error {
	err := s.supervisor.Close()
	s.httpClient.CloseIdleConnections()
	s.streamClient.CloseIdleConnections()
	return err
}

// sseLink is one open SSE response.
type sseLink struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	stop   func() bool
	owner  *EventStream
	once   sync.Once
}

// serve parses "event:" and "data:" lines and dispatches on each blank line.
// Multiple data lines of one event are joined with newlines.
func (l *sseLink) serve() error {
	scanner := bufio.NewScanner(l.body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	var name string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" && len(data) > 0 {
				l.owner.dispatchRaw(models.EventName(name), []byte(strings.Join(data, "\n")))
			}
			name, data = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (l *sseLink) close() error {
	var err error
	l.once.Do(func() {
		l.stop()
		l.cancel()
		err = l.body.Close()
	})
	return err
}

var _ Transport = (*EventStream)(nil)
